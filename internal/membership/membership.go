package membership

import (
	"context"
	"errors"
	"time"
)

// Role mirrors the database role grants as application-level capabilities.
type Role string

const (
	RoleMember    Role = "member"
	RoleLibrarian Role = "librarian"
	RoleAdmin     Role = "admin"
)

// AccountStatus gates whether a user may initiate loans and reservations.
type AccountStatus string

const (
	StatusActive     AccountStatus = "active"
	StatusSuspended  AccountStatus = "suspended"
	StatusTerminated AccountStatus = "terminated"
)

// User represents a registered library member or staff account.
type User struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Email        string        `json:"email"`
	PasswordHash string        `json:"-"`
	Role         Role          `json:"role"`
	Status       AccountStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
}

// CanBorrow reports whether the account may initiate new loans or reservations.
func (u User) CanBorrow() bool { return u.Status == StatusActive }

var (
	ErrNotFound = errors.New("membership: user not found")
	// ErrIneligible is returned by the engines when a suspended or terminated
	// account attempts a checkout or reservation.
	ErrIneligible = errors.New("membership: user not eligible")
)

// Store provides read access to user accounts.
type Store interface {
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
}
