package loan

import (
	"context"
	"errors"
	"time"
)

// Status of a loan. active -> {returned, overdue, lost};
// overdue -> {returned, lost}; returned and lost are terminal.
type Status string

const (
	StatusActive   Status = "active"
	StatusReturned Status = "returned"
	StatusOverdue  Status = "overdue"
	StatusLost     Status = "lost"
)

// Open reports whether the status still binds the copy to the borrower.
func (s Status) Open() bool { return s == StatusActive || s == StatusOverdue }

// Loan binds one copy to one user for the interval [CheckoutDate, DueDate].
// At most one open loan may reference a copy at any instant.
type Loan struct {
	ID           string     `json:"id"`
	CopyID       string     `json:"copy_id"`
	BookID       string     `json:"book_id"`
	UserID       string     `json:"user_id"`
	CheckoutDate time.Time  `json:"checkout_date"`
	DueDate      time.Time  `json:"due_date"`
	ReturnDate   *time.Time `json:"return_date,omitempty"`
	Status       Status     `json:"status"`
}

var (
	ErrNotFound        = errors.New("loan: not found")
	ErrNoCopyAvailable = errors.New("loan: no copy available")
	ErrLoanNotActive   = errors.New("loan: not active")
	ErrConflict        = errors.New("loan: concurrent modification, no rows were affected")
)

// Store persists loans. Status writes are conditional on the previously
// read status; a miss returns ErrConflict.
type Store interface {
	InsertLoan(ctx context.Context, l Loan) error
	GetLoan(ctx context.Context, id string) (Loan, error)
	// MarkReturned transitions the loan from `from` to returned and records
	// the return date.
	MarkReturned(ctx context.Context, id string, from Status, returnedAt time.Time) error
	// SetLoanStatus transitions the loan between statuses conditionally.
	SetLoanStatus(ctx context.Context, id string, from, to Status) error
	// CountOpenLoans counts the user's loans with status active or overdue.
	CountOpenLoans(ctx context.Context, userID string) (int, error)
	// HasOpenLoanForCopy reports whether any loan with status active or
	// overdue holds the copy.
	HasOpenLoanForCopy(ctx context.Context, copyID string) (bool, error)
	// SweepOverdueLoans transitions every active loan past its due date to
	// overdue and returns the number of rows changed. Safe to run
	// repeatedly and concurrently.
	SweepOverdueLoans(ctx context.Context, now time.Time) (int64, error)
}

// Policy holds the circulation constants. The schema defines no business
// rule for these, so they stay configurable rather than fixed contracts.
type Policy struct {
	// LoanPeriod is added to the checkout date to produce the due date.
	LoanPeriod time.Duration
	// DailyFineRate is the late fee per started day, in minor units.
	DailyFineRate int64
	// MaxActiveLoans caps open loans per user; 0 disables the check.
	MaxActiveLoans int
	// BlockCheckout gates checkout on the user's outstanding fine balance
	// (minor units); nil disables the check.
	BlockCheckout func(outstanding int64) bool
}

// DefaultPolicy returns the illustrative defaults: 14-day loans, 1.00 per
// day late, 5 open loans, checkout blocked above a 10.00 balance.
func DefaultPolicy() Policy {
	return Policy{
		LoanPeriod:     14 * 24 * time.Hour,
		DailyFineRate:  100,
		MaxActiveLoans: 5,
		BlockCheckout:  func(outstanding int64) bool { return outstanding > 1000 },
	}
}
