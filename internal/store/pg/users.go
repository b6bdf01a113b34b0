package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"openshelf.org/internal/membership"
)

func (s *Store) GetUser(ctx context.Context, id string) (membership.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		select id, name, email, password_hash, role, account_status, created_at
		from users where id=$1
	`, id))
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (membership.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		select id, name, email, password_hash, role, account_status, created_at
		from users where lower(email)=lower($1)
	`, strings.TrimSpace(email)))
}

func (s *Store) scanUser(row *sql.Row) (membership.User, error) {
	var u membership.User
	var role, status string
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &role, &status, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return membership.User{}, membership.ErrNotFound
	}
	if err != nil {
		return membership.User{}, err
	}
	u.Role = membership.Role(role)
	u.Status = membership.AccountStatus(status)
	return u, nil
}
