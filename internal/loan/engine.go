package loan

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"openshelf.org/internal/catalog"
	"openshelf.org/internal/fine"
	"openshelf.org/internal/membership"
	"openshelf.org/internal/obs"
	"openshelf.org/internal/reservation"
)

// claimAttempts bounds how often a checkout re-selects a copy after losing
// a compare-and-set race to a concurrent checkout.
const claimAttempts = 8

const lateReturnReason = "late_return"

// Auditor is the slice of the audit recorder the engine needs.
type Auditor interface {
	Record(ctx context.Context, action, tableName, recordID string, details map[string]any) error
}

// Engine orchestrates checkout, return, and overdue detection. It is the
// sole mutator of Copy.status and Loan.status.
type Engine struct {
	users        membership.Store
	catalog      catalog.Store
	loans        Store
	fines        *fine.Ledger
	reservations *reservation.Engine
	audit        Auditor
	policy       Policy
	clock        func() time.Time
	newID        func() string
}

// NewEngine wires the loan engine against its collaborators.
func NewEngine(
	users membership.Store,
	cat catalog.Store,
	loans Store,
	fines *fine.Ledger,
	reservations *reservation.Engine,
	aud Auditor,
	policy Policy,
	newID func() string,
) *Engine {
	return &Engine{
		users:        users,
		catalog:      cat,
		loans:        loans,
		fines:        fines,
		reservations: reservations,
		audit:        aud,
		policy:       policy,
		clock:        func() time.Time { return time.Now().UTC() },
		newID:        newID,
	}
}

// SetClock overrides the time source, for tests.
func (e *Engine) SetClock(clock func() time.Time) {
	if clock != nil {
		e.clock = clock
	}
}

// ReturnResult reports the outcome of a return: the late fee (zero when on
// time) and, when a pending reservation was waiting, the fulfilled
// reservation and the loan created for its holder.
type ReturnResult struct {
	Fee         fine.Money               `json:"fee"`
	Fulfilled   *reservation.Reservation `json:"fulfilled,omitempty"`
	NextLoan    *Loan                    `json:"next_loan,omitempty"`
	LateFineID  string                   `json:"late_fine_id,omitempty"`
}

// Checkout lends an available copy of the book to the user. The copy is
// claimed with a conditional status write, so two concurrent checkouts can
// never share a copy: the loser re-selects another copy or fails.
func (e *Engine) Checkout(ctx context.Context, userID, bookID string) (Loan, error) {
	user, err := e.users.GetUser(ctx, userID)
	if err != nil {
		return Loan{}, err
	}
	if !user.CanBorrow() {
		return Loan{}, membership.ErrIneligible
	}

	if e.policy.MaxActiveLoans > 0 {
		open, err := e.loans.CountOpenLoans(ctx, userID)
		if err != nil {
			return Loan{}, err
		}
		if open >= e.policy.MaxActiveLoans {
			return Loan{}, membership.ErrIneligible
		}
	}
	if e.policy.BlockCheckout != nil && e.fines != nil {
		balance, err := e.fines.OutstandingBalance(ctx, userID)
		if err != nil {
			return Loan{}, err
		}
		if e.policy.BlockCheckout(balance.Amount) {
			return Loan{}, membership.ErrIneligible
		}
	}

	cp, err := e.claimAvailableCopy(ctx, bookID)
	if err != nil {
		return Loan{}, err
	}

	now := e.clock()
	l := Loan{
		ID:           e.newID(),
		CopyID:       cp.ID,
		BookID:       bookID,
		UserID:       userID,
		CheckoutDate: now,
		DueDate:      now.Add(e.policy.LoanPeriod),
		Status:       StatusActive,
	}
	if err := e.loans.InsertLoan(ctx, l); err != nil {
		e.releaseCopy(ctx, cp.ID)
		return Loan{}, fmt.Errorf("checkout: %w", err)
	}

	// The user got a copy directly, so their own pending hold (if any) is
	// consumed rather than left to block the queue. Only after the loan is
	// committed: if the insert had failed after fulfilling the hold, the
	// user would have lost their queue slot for nothing. A claim failure
	// here leaves the hold pending for the expiry sweep.
	if e.reservations != nil {
		if _, ok, err := e.reservations.ClaimFor(ctx, userID, bookID); err == nil && ok && e.audit != nil {
			if err := e.audit.Record(ctx, "reservation.fulfill", "reservations", "", map[string]any{
				"user_id": userID,
				"book_id": bookID,
				"via":     "checkout",
			}); err != nil {
				return Loan{}, err
			}
		}
	}

	obs.IncCheckout()
	if e.audit != nil {
		if err := e.audit.Record(ctx, "checkout", "loans", l.ID, map[string]any{
			"user_id": userID,
			"book_id": bookID,
			"copy_id": cp.ID,
		}); err != nil {
			return Loan{}, err
		}
	}
	return l, nil
}

// Return closes an open loan, computes the late fee, posts it to the fine
// ledger, and offers the freed copy to the oldest pending reservation. Each
// step is an idempotent conditional write, so a retried return never
// double-posts a fee or double-fulfills a reservation.
func (e *Engine) Return(ctx context.Context, loanID string) (ReturnResult, error) {
	l, err := e.loans.GetLoan(ctx, loanID)
	if err != nil {
		return ReturnResult{}, err
	}
	if !l.Status.Open() {
		if l.Status == StatusReturned {
			// A previous attempt may have flipped the loan but died before
			// freeing the copy. Resume the tail of the sequence then; every
			// step in it is idempotent.
			dangling, err := e.returnLeftCopyDangling(ctx, l)
			if err != nil {
				return ReturnResult{}, err
			}
			if dangling {
				at := e.clock()
				if l.ReturnDate != nil {
					at = *l.ReturnDate
				}
				return e.finishReturn(ctx, l, at)
			}
		}
		return ReturnResult{}, ErrLoanNotActive
	}

	now := e.clock()
	if err := e.loans.MarkReturned(ctx, loanID, l.Status, now); err != nil {
		if !errors.Is(err, ErrConflict) {
			return ReturnResult{}, err
		}
		// The overdue sweep may have flipped the status between our read
		// and write. Re-read once and retry against the fresh status.
		l, err = e.loans.GetLoan(ctx, loanID)
		if err != nil {
			return ReturnResult{}, err
		}
		if !l.Status.Open() {
			return ReturnResult{}, ErrLoanNotActive
		}
		if err := e.loans.MarkReturned(ctx, loanID, l.Status, now); err != nil {
			return ReturnResult{}, err
		}
	}
	return e.finishReturn(ctx, l, now)
}

// returnLeftCopyDangling reports whether an earlier return attempt marked
// the loan returned but failed before freeing the copy: the copy is still
// checked out and no open loan accounts for it. A checked-out copy with an
// open loan belongs to that loan (a walk-in or a fulfilled hold) and must
// not be freed.
func (e *Engine) returnLeftCopyDangling(ctx context.Context, l Loan) (bool, error) {
	cp, err := e.catalog.GetCopy(ctx, l.CopyID)
	if err != nil {
		return false, err
	}
	if cp.Status != catalog.CopyCheckedOut {
		return false, nil
	}
	open, err := e.loans.HasOpenLoanForCopy(ctx, l.CopyID)
	if err != nil {
		return false, err
	}
	return !open, nil
}

// finishReturn runs the post-transition steps of a return: free the copy,
// post the late fee, offer the copy to the reservation queue.
func (e *Engine) finishReturn(ctx context.Context, l Loan, returnedAt time.Time) (ReturnResult, error) {
	if err := e.freeCopy(ctx, l.CopyID); err != nil {
		return ReturnResult{}, err
	}

	var res ReturnResult
	res.Fee = fine.Money{Amount: 0}
	if amount := LateFee(l.DueDate, returnedAt, e.policy.DailyFineRate); amount > 0 && e.fines != nil {
		posted, err := e.fines.Post(ctx, l.UserID, l.ID,
			fine.Money{Amount: amount}, lateReturnReason, lateReturnReason+":"+l.ID)
		if err != nil {
			return ReturnResult{}, fmt.Errorf("post late fee: %w", err)
		}
		res.Fee = posted.Amount
		res.LateFineID = posted.ID
		obs.IncFinePosted()
	}

	if e.reservations != nil {
		fulfilled, next, err := e.offerFreedCopy(ctx, l.BookID, l.CopyID)
		if err != nil {
			return res, err
		}
		res.Fulfilled = fulfilled
		res.NextLoan = next
	}

	obs.IncReturn()
	if e.audit != nil {
		if err := e.audit.Record(ctx, "return", "loans", l.ID, map[string]any{
			"user_id": l.UserID,
			"copy_id": l.CopyID,
			"fee":     res.Fee.Amount,
		}); err != nil {
			return res, err
		}
	}
	return res, nil
}

// MarkLost records the librarian decision that a copy on loan is lost. The
// loan and the copy both transition to lost.
func (e *Engine) MarkLost(ctx context.Context, loanID string) error {
	l, err := e.loans.GetLoan(ctx, loanID)
	if err != nil {
		return err
	}
	if !l.Status.Open() {
		return ErrLoanNotActive
	}
	if err := e.loans.SetLoanStatus(ctx, loanID, l.Status, StatusLost); err != nil {
		return err
	}
	if err := e.catalog.SetCopyStatus(ctx, l.CopyID, catalog.CopyCheckedOut, catalog.CopyLost); err != nil &&
		!errors.Is(err, catalog.ErrConflict) {
		return err
	}
	if e.audit != nil {
		if err := e.audit.Record(ctx, "loan.lost", "loans", l.ID, map[string]any{
			"copy_id": l.CopyID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// SweepOverdue transitions every active loan past its due date to overdue.
// Idempotent: already-overdue loans are untouched, so a second run with no
// intervening change reports zero transitions.
func (e *Engine) SweepOverdue(ctx context.Context, now time.Time) (int64, error) {
	n, err := e.loans.SweepOverdueLoans(ctx, now)
	if err != nil {
		return 0, err
	}
	obs.AddSweepTransitions("overdue", n)
	if n > 0 && e.audit != nil {
		if err := e.audit.Record(ctx, "loan.sweep_overdue", "loans", "", map[string]any{
			"overdue": n,
		}); err != nil {
			return n, err
		}
	}
	return n, nil
}

// LateFee computes the fee in minor units for a loan due at `due` and
// returned at `returned`: ceil of started days late times the daily rate,
// never negative.
func LateFee(due, returned time.Time, dailyRate int64) int64 {
	if !returned.After(due) {
		return 0
	}
	days := int64(math.Ceil(returned.Sub(due).Hours() / 24))
	return days * dailyRate
}

// claimAvailableCopy selects and conditionally claims an available copy,
// re-selecting when a concurrent checkout wins the race for the same copy.
func (e *Engine) claimAvailableCopy(ctx context.Context, bookID string) (catalog.Copy, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		cp, err := e.catalog.SelectAvailableCopy(ctx, bookID)
		if errors.Is(err, catalog.ErrNotFound) {
			return catalog.Copy{}, ErrNoCopyAvailable
		}
		if err != nil {
			return catalog.Copy{}, err
		}
		err = e.catalog.SetCopyStatus(ctx, cp.ID, catalog.CopyAvailable, catalog.CopyCheckedOut)
		if err == nil {
			cp.Status = catalog.CopyCheckedOut
			return cp, nil
		}
		if !errors.Is(err, catalog.ErrConflict) {
			return catalog.Copy{}, err
		}
	}
	return catalog.Copy{}, ErrConflict
}

// offerFreedCopy claims the just-returned copy for the reservation queue.
// The copy is claimed first; when the queue turns out to be empty it is
// released back, so a reservation is never fulfilled without a copy.
func (e *Engine) offerFreedCopy(ctx context.Context, bookID, copyID string) (*reservation.Reservation, *Loan, error) {
	if err := e.catalog.SetCopyStatus(ctx, copyID, catalog.CopyAvailable, catalog.CopyCheckedOut); err != nil {
		if errors.Is(err, catalog.ErrConflict) {
			// A walk-in checkout grabbed the copy already; the queue keeps
			// its claim on the next return.
			return nil, nil, nil
		}
		return nil, nil, err
	}

	r, ok, err := e.reservations.OfferCopy(ctx, bookID)
	if err != nil {
		e.releaseCopy(ctx, copyID)
		return nil, nil, err
	}
	if !ok {
		e.releaseCopy(ctx, copyID)
		return nil, nil, nil
	}

	now := e.clock()
	next := Loan{
		ID:           e.newID(),
		CopyID:       copyID,
		BookID:       bookID,
		UserID:       r.UserID,
		CheckoutDate: now,
		DueDate:      now.Add(e.policy.LoanPeriod),
		Status:       StatusActive,
	}
	if err := e.loans.InsertLoan(ctx, next); err != nil {
		e.releaseCopy(ctx, copyID)
		return nil, nil, fmt.Errorf("fulfillment loan: %w", err)
	}
	obs.IncCheckout()
	if e.audit != nil {
		if err := e.audit.Record(ctx, "checkout", "loans", next.ID, map[string]any{
			"user_id":        r.UserID,
			"book_id":        bookID,
			"copy_id":        copyID,
			"reservation_id": r.ID,
		}); err != nil {
			return &r, &next, err
		}
	}
	return &r, &next, nil
}

// freeCopy marks a returned copy available, tolerating an already-applied
// transition from a previous partial retry.
func (e *Engine) freeCopy(ctx context.Context, copyID string) error {
	err := e.catalog.SetCopyStatus(ctx, copyID, catalog.CopyCheckedOut, catalog.CopyAvailable)
	if err == nil || !errors.Is(err, catalog.ErrConflict) {
		return err
	}
	cp, getErr := e.catalog.GetCopy(ctx, copyID)
	if getErr != nil {
		return getErr
	}
	if cp.Status == catalog.CopyAvailable {
		return nil
	}
	return err
}

func (e *Engine) releaseCopy(ctx context.Context, copyID string) {
	_ = e.catalog.SetCopyStatus(ctx, copyID, catalog.CopyCheckedOut, catalog.CopyAvailable)
}
