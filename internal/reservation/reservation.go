package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"openshelf.org/internal/membership"
	"openshelf.org/internal/obs"
)

// Status of a reservation. pending -> {fulfilled, canceled, expired};
// all three are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFulfilled Status = "fulfilled"
	StatusCanceled  Status = "canceled"
	StatusExpired   Status = "expired"
)

// Reservation is a user's queued claim on the next available copy of a book
// title, not on a specific copy. Pending reservations are served FIFO by
// reservation date, ties broken by ascending id.
type Reservation struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	BookID     string    `json:"book_id"`
	ReservedAt time.Time `json:"reserved_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Status     Status    `json:"status"`
}

var (
	ErrNotFound   = errors.New("reservation: not found")
	ErrDuplicate  = errors.New("reservation: user already holds a pending reservation for this book")
	ErrNotPending = errors.New("reservation: not pending")
	ErrConflict   = errors.New("reservation: concurrent modification, no rows were affected")
)

// Store persists reservations. FulfillOldestPending must serialize callers
// for the same book so the FIFO order holds under concurrency.
type Store interface {
	InsertReservation(ctx context.Context, r Reservation) error
	GetReservation(ctx context.Context, id string) (Reservation, error)
	// HasPendingReservation reports whether the user holds a pending
	// reservation for the book.
	HasPendingReservation(ctx context.Context, userID, bookID string) (bool, error)
	// FulfillOldestPending fulfills the unexpired pending reservation with
	// the earliest reservation date (ties by id ascending) for the book,
	// under a lock scoped to the book's pending set. ok is false when the
	// queue is empty.
	FulfillOldestPending(ctx context.Context, bookID string, now time.Time) (r Reservation, ok bool, err error)
	// FulfillPendingFor fulfills the user's own pending reservation for the
	// book, if any (checkout path).
	FulfillPendingFor(ctx context.Context, userID, bookID string) (r Reservation, ok bool, err error)
	// SetReservationStatus transitions a reservation conditionally;
	// ErrConflict when the current status is not `from`.
	SetReservationStatus(ctx context.Context, id string, from, to Status) error
	// SweepExpiredReservations transitions pending reservations whose
	// expiration passed to expired and returns the number of rows changed.
	SweepExpiredReservations(ctx context.Context, now time.Time) (int64, error)
}

// Auditor is the slice of the audit recorder the engine needs.
type Auditor interface {
	Record(ctx context.Context, action, tableName, recordID string, details map[string]any) error
}

// Engine is the sole mutator of Reservation.status.
type Engine struct {
	users      membership.Store
	store      Store
	audit      Auditor
	clock      func() time.Time
	holdWindow time.Duration
	newID      func() string
}

// NewEngine constructs the reservation engine. holdWindow is how long a
// pending reservation stays claimable before it expires.
func NewEngine(users membership.Store, store Store, audit Auditor, holdWindow time.Duration, newID func() string) *Engine {
	return &Engine{
		users:      users,
		store:      store,
		audit:      audit,
		clock:      func() time.Time { return time.Now().UTC() },
		holdWindow: holdWindow,
		newID:      newID,
	}
}

// SetClock overrides the time source, for tests.
func (e *Engine) SetClock(clock func() time.Time) {
	if clock != nil {
		e.clock = clock
	}
}

// Reserve places a hold on the book title for the user.
func (e *Engine) Reserve(ctx context.Context, userID, bookID string) (Reservation, error) {
	user, err := e.users.GetUser(ctx, userID)
	if err != nil {
		return Reservation{}, err
	}
	if !user.CanBorrow() {
		return Reservation{}, membership.ErrIneligible
	}

	dup, err := e.store.HasPendingReservation(ctx, userID, bookID)
	if err != nil {
		return Reservation{}, err
	}
	if dup {
		return Reservation{}, ErrDuplicate
	}

	now := e.clock()
	r := Reservation{
		ID:         e.newID(),
		UserID:     userID,
		BookID:     bookID,
		ReservedAt: now,
		ExpiresAt:  now.Add(e.holdWindow),
		Status:     StatusPending,
	}
	if err := e.store.InsertReservation(ctx, r); err != nil {
		return Reservation{}, fmt.Errorf("reserve: %w", err)
	}

	if e.audit != nil {
		if err := e.audit.Record(ctx, "reservation.create", "reservations", r.ID, map[string]any{
			"user_id": userID,
			"book_id": bookID,
		}); err != nil {
			return Reservation{}, err
		}
	}
	return r, nil
}

// OfferCopy fulfills the oldest pending reservation for the book, if any.
// The caller (the loan engine, on copy return) creates the new loan for the
// returned reservation's user. ok is false when no reservation is pending.
func (e *Engine) OfferCopy(ctx context.Context, bookID string) (Reservation, bool, error) {
	r, ok, err := e.store.FulfillOldestPending(ctx, bookID, e.clock())
	if err != nil || !ok {
		return Reservation{}, false, err
	}
	if e.audit != nil {
		if err := e.audit.Record(ctx, "reservation.fulfill", "reservations", r.ID, map[string]any{
			"user_id": r.UserID,
			"book_id": bookID,
		}); err != nil {
			return r, true, err
		}
	}
	return r, true, nil
}

// ClaimFor fulfills the user's own pending reservation for the book during a
// direct checkout, so the hold does not linger after the user got the copy.
func (e *Engine) ClaimFor(ctx context.Context, userID, bookID string) (Reservation, bool, error) {
	return e.store.FulfillPendingFor(ctx, userID, bookID)
}

// Cancel voids a pending reservation.
func (e *Engine) Cancel(ctx context.Context, reservationID string) error {
	r, err := e.store.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if r.Status != StatusPending {
		return ErrNotPending
	}
	if err := e.store.SetReservationStatus(ctx, reservationID, StatusPending, StatusCanceled); err != nil {
		if errors.Is(err, ErrConflict) {
			return ErrNotPending
		}
		return err
	}
	if e.audit != nil {
		if err := e.audit.Record(ctx, "reservation.cancel", "reservations", r.ID, nil); err != nil {
			return err
		}
	}
	return nil
}

// SweepExpired expires pending reservations whose hold window passed.
// Idempotent: a second run with no intervening change transitions nothing.
func (e *Engine) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	n, err := e.store.SweepExpiredReservations(ctx, now)
	if err != nil {
		return 0, err
	}
	obs.AddSweepTransitions("expired", n)
	if n > 0 && e.audit != nil {
		if err := e.audit.Record(ctx, "reservation.sweep_expired", "reservations", "", map[string]any{
			"expired": n,
		}); err != nil {
			return n, err
		}
	}
	return n, nil
}
