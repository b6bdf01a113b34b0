package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"openshelf.org/internal/fine"
)

func (s *Store) InsertFine(ctx context.Context, f fine.Fine) error {
	_, err := s.db.ExecContext(ctx, `
		insert into fines(id, user_id, loan_id, currency, amount, reason, status, issued_at, idempotency_key)
		values ($1,$2,nullif($3,''),$4,$5,$6,$7,$8,nullif($9,''))
	`, f.ID, f.UserID, f.LoanID, f.Amount.Currency, f.Amount.Amount, f.Reason, string(f.Status), f.IssuedAt, f.IdempotencyKey)
	return err
}

func (s *Store) GetFine(ctx context.Context, id string) (fine.Fine, error) {
	return s.scanFine(s.db.QueryRowContext(ctx, `
		select id, user_id, coalesce(loan_id,''), currency, amount, reason, status, issued_at, payment_date, coalesce(idempotency_key,'')
		from fines where id=$1
	`, id))
}

func (s *Store) FindFineByKey(ctx context.Context, key string) (fine.Fine, error) {
	return s.scanFine(s.db.QueryRowContext(ctx, `
		select id, user_id, coalesce(loan_id,''), currency, amount, reason, status, issued_at, payment_date, coalesce(idempotency_key,'')
		from fines where idempotency_key=$1
	`, key))
}

func (s *Store) SettleFine(ctx context.Context, id string, to fine.Status, paidAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update fines set status=$2, payment_date=$3
		where id=$1 and status='unpaid'
	`, id, string(to), paidAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `select exists(select 1 from fines where id=$1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fine.ErrNotFound
		}
		return fine.ErrConflict
	}
	return nil
}

func (s *Store) SumUnpaid(ctx context.Context, userID string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		select coalesce(sum(amount),0) from fines where user_id=$1 and status='unpaid'
	`, userID).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) scanFine(row *sql.Row) (fine.Fine, error) {
	var f fine.Fine
	var status string
	var paid sql.NullTime
	err := row.Scan(&f.ID, &f.UserID, &f.LoanID, &f.Amount.Currency, &f.Amount.Amount,
		&f.Reason, &status, &f.IssuedAt, &paid, &f.IdempotencyKey)
	if errors.Is(err, sql.ErrNoRows) {
		return fine.Fine{}, fine.ErrNotFound
	}
	if err != nil {
		return fine.Fine{}, err
	}
	if paid.Valid {
		t := paid.Time
		f.PaidAt = &t
	}
	f.Status = fine.Status(status)
	return f, nil
}
