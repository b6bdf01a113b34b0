package fine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Money is represented in minor units (e.g., cents). No floats.
type Money struct {
	Currency string `json:"currency"`
	Amount   int64  `json:"amount"`
}

func (m Money) IsPositive() bool { return m.Amount > 0 }
func (m Money) IsZero() bool     { return m.Amount == 0 }

// Status of a fine. Exactly one settlement transition is allowed:
// unpaid -> paid or unpaid -> waived.
type Status string

const (
	StatusUnpaid Status = "unpaid"
	StatusPaid   Status = "paid"
	StatusWaived Status = "waived"
)

// Fine is a monetary obligation tied to a user and optionally a loan.
type Fine struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	LoanID         string     `json:"loan_id,omitempty"`
	Amount         Money      `json:"amount"`
	Reason         string     `json:"reason"`
	Status         Status     `json:"status"`
	IssuedAt       time.Time  `json:"issued_at"`
	PaidAt         *time.Time `json:"paid_at,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
}

var (
	ErrNotFound       = errors.New("fine: not found")
	ErrInvalidAmount  = errors.New("fine: amount must be > 0")
	ErrAlreadySettled = errors.New("fine: already settled")
	ErrConflict       = errors.New("fine: concurrent modification, no rows were affected")
)

// Store persists fines.
type Store interface {
	InsertFine(ctx context.Context, f Fine) error
	GetFine(ctx context.Context, id string) (Fine, error)
	// FindFineByKey returns the fine previously posted under the idempotency
	// key, or ErrNotFound.
	FindFineByKey(ctx context.Context, key string) (Fine, error)
	// SettleFine transitions a fine from unpaid to the given terminal status.
	// ErrConflict when the fine is no longer unpaid.
	SettleFine(ctx context.Context, id string, to Status, paidAt *time.Time) error
	// SumUnpaid returns the total unpaid amount in minor units for a user.
	SumUnpaid(ctx context.Context, userID string) (int64, error)
}

// Auditor is the slice of the audit recorder the ledger needs.
type Auditor interface {
	Record(ctx context.Context, action, tableName, recordID string, details map[string]any) error
}

// Ledger is the sole mutator of Fine.status.
type Ledger struct {
	store    Store
	audit    Auditor
	clock    func() time.Time
	currency string
	newID    func() string
}

// NewLedger constructs a Ledger. newID generates fine identifiers.
func NewLedger(store Store, audit Auditor, currency string, newID func() string) *Ledger {
	return &Ledger{
		store:    store,
		audit:    audit,
		clock:    func() time.Time { return time.Now().UTC() },
		currency: currency,
		newID:    newID,
	}
}

// SetClock overrides the time source, for tests and replayed batches.
func (l *Ledger) SetClock(clock func() time.Time) {
	if clock != nil {
		l.clock = clock
	}
}

// Post records a new unpaid fine. When idemKey is non-empty and a fine was
// already posted under it, the existing fine is returned unchanged so a
// retried return never double-posts a fee.
func (l *Ledger) Post(ctx context.Context, userID, loanID string, amount Money, reason, idemKey string) (Fine, error) {
	if !amount.IsPositive() {
		return Fine{}, ErrInvalidAmount
	}
	if amount.Currency == "" {
		amount.Currency = l.currency
	}

	if idemKey != "" {
		existing, err := l.store.FindFineByKey(ctx, idemKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Fine{}, err
		}
	}

	f := Fine{
		ID:             l.newID(),
		UserID:         userID,
		LoanID:         loanID,
		Amount:         amount,
		Reason:         reason,
		Status:         StatusUnpaid,
		IssuedAt:       l.clock(),
		IdempotencyKey: idemKey,
	}
	if err := l.store.InsertFine(ctx, f); err != nil {
		return Fine{}, fmt.Errorf("post fine: %w", err)
	}

	if l.audit != nil {
		if err := l.audit.Record(ctx, "fine.post", "fines", f.ID, map[string]any{
			"user_id": userID,
			"loan_id": loanID,
			"amount":  amount.Amount,
			"reason":  reason,
		}); err != nil {
			return Fine{}, err
		}
	}
	return f, nil
}

// Settle marks an unpaid fine paid or waived. Paid fines get a payment date.
func (l *Ledger) Settle(ctx context.Context, fineID string, outcome Status) (Fine, error) {
	if outcome != StatusPaid && outcome != StatusWaived {
		return Fine{}, fmt.Errorf("fine: invalid settlement status %q", outcome)
	}
	f, err := l.store.GetFine(ctx, fineID)
	if err != nil {
		return Fine{}, err
	}
	if f.Status != StatusUnpaid {
		return Fine{}, ErrAlreadySettled
	}

	var paidAt *time.Time
	if outcome == StatusPaid {
		now := l.clock()
		paidAt = &now
	}
	if err := l.store.SettleFine(ctx, fineID, outcome, paidAt); err != nil {
		if errors.Is(err, ErrConflict) {
			return Fine{}, ErrAlreadySettled
		}
		return Fine{}, err
	}
	f.Status = outcome
	f.PaidAt = paidAt

	if l.audit != nil {
		if err := l.audit.Record(ctx, "fine.settle", "fines", f.ID, map[string]any{
			"outcome": string(outcome),
		}); err != nil {
			return Fine{}, err
		}
	}
	return f, nil
}

// OutstandingBalance sums unpaid fines for the user.
func (l *Ledger) OutstandingBalance(ctx context.Context, userID string) (Money, error) {
	total, err := l.store.SumUnpaid(ctx, userID)
	if err != nil {
		return Money{}, err
	}
	return Money{Currency: l.currency, Amount: total}, nil
}
