package loan_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openshelf.org/internal/audit"
	"openshelf.org/internal/catalog"
	"openshelf.org/internal/fine"
	"openshelf.org/internal/ids"
	"openshelf.org/internal/loan"
	"openshelf.org/internal/membership"
	"openshelf.org/internal/reservation"
	"openshelf.org/internal/store/memory"
)

type env struct {
	store        *memory.Store
	loans        *loan.Engine
	reservations *reservation.Engine
	fines        *fine.Ledger
}

func newEnv(t *testing.T, policy loan.Policy) *env {
	t.Helper()
	store := memory.New()
	rec := audit.NewRecorder(store)
	fines := fine.NewLedger(store, rec, "USD", ids.New)
	reservations := reservation.NewEngine(store, store, rec, 7*24*time.Hour, ids.New)
	loans := loan.NewEngine(store, store, store, fines, reservations, rec, policy, ids.New)
	return &env{store: store, loans: loans, reservations: reservations, fines: fines}
}

func (e *env) addActiveUser(name string) membership.User {
	return e.store.AddUser(membership.User{
		Name:   name,
		Email:  name + "@example.org",
		Role:   membership.RoleMember,
		Status: membership.StatusActive,
	})
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestCheckoutHappyPath(t *testing.T) {
	e := newEnv(t, loan.DefaultPolicy())
	ctx := context.Background()
	u := e.addActiveUser("ada")
	b, copies := e.store.AddBook(catalog.Book{Title: "The Go Programming Language"}, 2)

	l, err := e.loans.Checkout(ctx, u.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, loan.StatusActive, l.Status)
	assert.Equal(t, u.ID, l.UserID)
	assert.Equal(t, copies[0], l.CopyID, "lowest copy id wins the deterministic tie-break")
	assert.Equal(t, l.CheckoutDate.Add(14*24*time.Hour), l.DueDate)

	got, err := e.store.GetBook(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AvailableCopies)
}

func TestCheckoutRejectsSuspendedUser(t *testing.T) {
	e := newEnv(t, loan.DefaultPolicy())
	ctx := context.Background()
	u := e.store.AddUser(membership.User{Name: "sam", Status: membership.StatusSuspended})
	b, _ := e.store.AddBook(catalog.Book{Title: "Dune"}, 1)

	_, err := e.loans.Checkout(ctx, u.ID, b.ID)
	assert.ErrorIs(t, err, membership.ErrIneligible)
}

func TestCheckoutNoCopyAvailable(t *testing.T) {
	e := newEnv(t, loan.DefaultPolicy())
	ctx := context.Background()
	u1 := e.addActiveUser("u1")
	u2 := e.addActiveUser("u2")
	b, _ := e.store.AddBook(catalog.Book{Title: "Solaris"}, 1)

	_, err := e.loans.Checkout(ctx, u1.ID, b.ID)
	require.NoError(t, err)

	_, err = e.loans.Checkout(ctx, u2.ID, b.ID)
	assert.ErrorIs(t, err, loan.ErrNoCopyAvailable)
}

func TestCheckoutEnforcesMaxActiveLoans(t *testing.T) {
	policy := loan.DefaultPolicy()
	policy.MaxActiveLoans = 2
	e := newEnv(t, policy)
	ctx := context.Background()
	u := e.addActiveUser("greedy")

	for i := 0; i < 2; i++ {
		b, _ := e.store.AddBook(catalog.Book{Title: fmt.Sprintf("tome %d", i)}, 1)
		_, err := e.loans.Checkout(ctx, u.ID, b.ID)
		require.NoError(t, err)
	}

	b, _ := e.store.AddBook(catalog.Book{Title: "one too many"}, 1)
	_, err := e.loans.Checkout(ctx, u.ID, b.ID)
	assert.ErrorIs(t, err, membership.ErrIneligible)
}

func TestCheckoutBlockedByOutstandingFines(t *testing.T) {
	e := newEnv(t, loan.DefaultPolicy())
	ctx := context.Background()
	u := e.addActiveUser("debtor")
	b, _ := e.store.AddBook(catalog.Book{Title: "IOU"}, 1)

	_, err := e.fines.Post(ctx, u.ID, "", fine.Money{Amount: 1500}, "damaged_item", "")
	require.NoError(t, err)

	_, err = e.loans.Checkout(ctx, u.ID, b.ID)
	assert.ErrorIs(t, err, membership.ErrIneligible)
}

func TestReturnRoundTripRestoresAvailability(t *testing.T) {
	e := newEnv(t, loan.DefaultPolicy())
	ctx := context.Background()
	u := e.addActiveUser("ada")
	b, _ := e.store.AddBook(catalog.Book{Title: "Neuromancer"}, 1)

	l, err := e.loans.Checkout(ctx, u.ID, b.ID)
	require.NoError(t, err)

	res, err := e.loans.Return(ctx, l.ID)
	require.NoError(t, err)
	assert.True(t, res.Fee.IsZero())
	assert.Nil(t, res.Fulfilled)

	got, err := e.store.GetBook(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AvailableCopies)

	closed, err := e.store.GetLoan(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, loan.StatusReturned, closed.Status)
	require.NotNil(t, closed.ReturnDate)
}

func TestReturnTwiceFailsLoanNotActive(t *testing.T) {
	e := newEnv(t, loan.DefaultPolicy())
	ctx := context.Background()
	u := e.addActiveUser("ada")
	b, _ := e.store.AddBook(catalog.Book{Title: "Foundation"}, 1)

	l, err := e.loans.Checkout(ctx, u.ID, b.ID)
	require.NoError(t, err)
	_, err = e.loans.Return(ctx, l.ID)
	require.NoError(t, err)

	_, err = e.loans.Return(ctx, l.ID)
	assert.ErrorIs(t, err, loan.ErrLoanNotActive)
}

func TestLateReturnPostsFine(t *testing.T) {
	e := newEnv(t, loan.DefaultPolicy())
	ctx := context.Background()
	u := e.addActiveUser("tardy")
	b, _ := e.store.AddBook(catalog.Book{Title: "On Time"}, 1)

	checkoutAt := time.Date(2023, 1, 10, 12, 0, 0, 0, time.UTC)
	e.loans.SetClock(fixedClock(checkoutAt))
	l, err := e.loans.Checkout(ctx, u.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 1, 24, 12, 0, 0, 0, time.UTC), l.DueDate)

	// Two days late at 1.00/day.
	e.loans.SetClock(fixedClock(time.Date(2023, 1, 26, 12, 0, 0, 0, time.UTC)))
	res, err := e.loans.Return(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), res.Fee.Amount)
	require.NotEmpty(t, res.LateFineID)

	f, err := e.store.GetFine(ctx, res.LateFineID)
	require.NoError(t, err)
	assert.Equal(t, "late_return", f.Reason)
	assert.Equal(t, fine.StatusUnpaid, f.Status)
	assert.Equal(t, int64(200), f.Amount.Amount)

	balance, err := e.fines.OutstandingBalance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), balance.Amount)
}

func TestReturnFulfillsOldestReservation(t *testing.T) {
	e := newEnv(t, loan.DefaultPolicy())
	ctx := context.Background()
	borrower := e.addActiveUser("borrower")
	holder := e.addActiveUser("holder")
	b, _ := e.store.AddBook(catalog.Book{Title: "Hyperion"}, 1)

	l, err := e.loans.Checkout(ctx, borrower.ID, b.ID)
	require.NoError(t, err)

	// Second checkout fails, so the holder reserves instead.
	_, err = e.loans.Checkout(ctx, holder.ID, b.ID)
	require.ErrorIs(t, err, loan.ErrNoCopyAvailable)
	r, err := e.reservations.Reserve(ctx, holder.ID, b.ID)
	require.NoError(t, err)

	res, err := e.loans.Return(ctx, l.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Fulfilled)
	assert.Equal(t, r.ID, res.Fulfilled.ID)
	require.NotNil(t, res.NextLoan)
	assert.Equal(t, holder.ID, res.NextLoan.UserID)
	assert.Equal(t, l.CopyID, res.NextLoan.CopyID)

	// The copy went straight to the holder, not back on the shelf.
	got, err := e.store.GetBook(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.AvailableCopies)

	stored, err := e.store.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusFulfilled, stored.Status)
}

func TestSweepOverdueIsIdempotent(t *testing.T) {
	e := newEnv(t, loan.DefaultPolicy())
	ctx := context.Background()
	u := e.addActiveUser("late")
	b, _ := e.store.AddBook(catalog.Book{Title: "Overdue"}, 1)

	checkoutAt := time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)
	e.loans.SetClock(fixedClock(checkoutAt))
	l, err := e.loans.Checkout(ctx, u.ID, b.ID)
	require.NoError(t, err)

	now := l.DueDate.Add(24 * time.Hour)
	n, err := e.loans.SweepOverdue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = e.loans.SweepOverdue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "second sweep with no intervening change transitions nothing")

	swept, err := e.store.GetLoan(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, loan.StatusOverdue, swept.Status)

	// An overdue loan can still be returned.
	e.loans.SetClock(fixedClock(now))
	_, err = e.loans.Return(ctx, l.ID)
	require.NoError(t, err)
}

func TestMarkLost(t *testing.T) {
	e := newEnv(t, loan.DefaultPolicy())
	ctx := context.Background()
	u := e.addActiveUser("careless")
	b, _ := e.store.AddBook(catalog.Book{Title: "Gone"}, 1)

	l, err := e.loans.Checkout(ctx, u.ID, b.ID)
	require.NoError(t, err)
	require.NoError(t, e.loans.MarkLost(ctx, l.ID))

	lost, err := e.store.GetLoan(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, loan.StatusLost, lost.Status)

	cp, err := e.store.GetCopy(ctx, l.CopyID)
	require.NoError(t, err)
	assert.Equal(t, catalog.CopyLost, cp.Status)

	assert.ErrorIs(t, e.loans.MarkLost(ctx, l.ID), loan.ErrLoanNotActive)
}

func TestConcurrentCheckoutsNeverShareACopy(t *testing.T) {
	policy := loan.DefaultPolicy()
	policy.MaxActiveLoans = 0
	e := newEnv(t, policy)
	ctx := context.Background()
	b, _ := e.store.AddBook(catalog.Book{Title: "Contention"}, 3)

	const callers = 20
	users := make([]membership.User, callers)
	for i := range users {
		users[i] = e.addActiveUser(fmt.Sprintf("u%02d", i))
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		loans []loan.Loan
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := e.loans.Checkout(ctx, users[i].ID, b.ID)
			if err == nil {
				mu.Lock()
				loans = append(loans, l)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, loans, 3, "exactly one checkout per copy succeeds")
	seen := make(map[string]bool)
	for _, l := range loans {
		assert.False(t, seen[l.CopyID], "copy %s loaned twice", l.CopyID)
		seen[l.CopyID] = true
	}

	got, err := e.store.GetBook(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.AvailableCopies)
}

func TestLateFee(t *testing.T) {
	due := time.Date(2023, 1, 24, 0, 0, 0, 0, time.UTC)
	testCases := []struct {
		name     string
		returned time.Time
		rate     int64
		expected int64
	}{
		{"on time", due, 100, 0},
		{"early", due.Add(-48 * time.Hour), 100, 0},
		{"one hour late counts as a day", due.Add(time.Hour), 100, 100},
		{"exactly one day", due.Add(24 * time.Hour), 100, 100},
		{"just over one day", due.Add(24*time.Hour + time.Minute), 100, 200},
		{"two days", due.Add(48 * time.Hour), 100, 200},
		{"two days at 50", due.Add(48 * time.Hour), 50, 100},
	}
	for _, tt := range testCases {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, loan.LateFee(due, tt.returned, tt.rate))
		})
	}
}

// failingAuditStore refuses every append, standing in for an unreachable
// audit sink.
type failingAuditStore struct{}

func (failingAuditStore) AppendAudit(ctx context.Context, e audit.Entry) error {
	return errors.New("audit sink unavailable")
}

func TestStrictAuditSinkFailureFailsCheckout(t *testing.T) {
	store := memory.New()
	rec := audit.NewRecorder(failingAuditStore{}, audit.Strict())
	fines := fine.NewLedger(store, rec, "USD", ids.New)
	reservations := reservation.NewEngine(store, store, rec, 7*24*time.Hour, ids.New)
	loans := loan.NewEngine(store, store, store, fines, reservations, rec, loan.DefaultPolicy(), ids.New)
	ctx := context.Background()
	u := store.AddUser(membership.User{Name: "ada", Status: membership.StatusActive})
	b, _ := store.AddBook(catalog.Book{Title: "Strict"}, 1)

	_, err := loans.Checkout(ctx, u.ID, b.ID)
	require.Error(t, err, "strict recorder must surface the sink failure")

	_, err = reservations.Reserve(ctx, u.ID, b.ID)
	require.Error(t, err)
}

func TestBestEffortAuditSinkFailureIsSwallowed(t *testing.T) {
	store := memory.New()
	rec := audit.NewRecorder(failingAuditStore{})
	fines := fine.NewLedger(store, rec, "USD", ids.New)
	reservations := reservation.NewEngine(store, store, rec, 7*24*time.Hour, ids.New)
	loans := loan.NewEngine(store, store, store, fines, reservations, rec, loan.DefaultPolicy(), ids.New)
	ctx := context.Background()
	u := store.AddUser(membership.User{Name: "ada", Status: membership.StatusActive})
	b, _ := store.AddBook(catalog.Book{Title: "Lenient"}, 1)

	l, err := loans.Checkout(ctx, u.ID, b.ID)
	require.NoError(t, err)
	_, err = loans.Return(ctx, l.ID)
	require.NoError(t, err)
}

// flakyCatalog fails the next SetCopyStatus call once when armed.
type flakyCatalog struct {
	catalog.Store
	failNext bool
}

func (c *flakyCatalog) SetCopyStatus(ctx context.Context, copyID string, from, to catalog.CopyStatus) error {
	if c.failNext {
		c.failNext = false
		return errors.New("catalog briefly unavailable")
	}
	return c.Store.SetCopyStatus(ctx, copyID, from, to)
}

func TestReturnRetryResumesAfterCopyFreeFailure(t *testing.T) {
	store := memory.New()
	cat := &flakyCatalog{Store: store}
	rec := audit.NewRecorder(store)
	fines := fine.NewLedger(store, rec, "USD", ids.New)
	reservations := reservation.NewEngine(store, store, rec, 7*24*time.Hour, ids.New)
	loans := loan.NewEngine(store, cat, store, fines, reservations, rec, loan.DefaultPolicy(), ids.New)
	ctx := context.Background()
	u := store.AddUser(membership.User{Name: "ada", Status: membership.StatusActive})
	b, _ := store.AddBook(catalog.Book{Title: "Ficciones"}, 1)

	l, err := loans.Checkout(ctx, u.ID, b.ID)
	require.NoError(t, err)

	// The first return marks the loan returned, then dies freeing the copy.
	cat.failNext = true
	_, err = loans.Return(ctx, l.ID)
	require.Error(t, err)

	stuck, err := store.GetLoan(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, loan.StatusReturned, stuck.Status)
	got, err := store.GetBook(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.AvailableCopies, "copy is stranded checked_out")

	// The retry resumes the interrupted sequence instead of refusing.
	res, err := loans.Return(ctx, l.ID)
	require.NoError(t, err)
	assert.True(t, res.Fee.IsZero())
	got, err = store.GetBook(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AvailableCopies)

	// With the copy back on the shelf a further retry is a double return.
	_, err = loans.Return(ctx, l.ID)
	assert.ErrorIs(t, err, loan.ErrLoanNotActive)
}

func TestReturnRetryAfterFulfillmentLeavesCopyWithHolder(t *testing.T) {
	e := newEnv(t, loan.DefaultPolicy())
	ctx := context.Background()
	borrower := e.addActiveUser("borrower")
	holder := e.addActiveUser("holder")
	b, _ := e.store.AddBook(catalog.Book{Title: "Solaris"}, 1)

	l, err := e.loans.Checkout(ctx, borrower.ID, b.ID)
	require.NoError(t, err)
	_, err = e.reservations.Reserve(ctx, holder.ID, b.ID)
	require.NoError(t, err)

	res, err := e.loans.Return(ctx, l.ID)
	require.NoError(t, err)
	require.NotNil(t, res.NextLoan)

	// The copy is checked out again, now under the holder's loan, so a
	// replayed return of the closed loan must not free it.
	_, err = e.loans.Return(ctx, l.ID)
	assert.ErrorIs(t, err, loan.ErrLoanNotActive)
	got, err := e.store.GetBook(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.AvailableCopies)
}

// failingLoanStore fails the next InsertLoan once when armed.
type failingLoanStore struct {
	loan.Store
	failNext bool
}

func (s *failingLoanStore) InsertLoan(ctx context.Context, l loan.Loan) error {
	if s.failNext {
		s.failNext = false
		return errors.New("insert rejected")
	}
	return s.Store.InsertLoan(ctx, l)
}

func TestFailedCheckoutKeepsHoldPending(t *testing.T) {
	store := memory.New()
	ls := &failingLoanStore{Store: store}
	rec := audit.NewRecorder(store)
	fines := fine.NewLedger(store, rec, "USD", ids.New)
	reservations := reservation.NewEngine(store, store, rec, 7*24*time.Hour, ids.New)
	loans := loan.NewEngine(store, store, ls, fines, reservations, rec, loan.DefaultPolicy(), ids.New)
	ctx := context.Background()
	u := store.AddUser(membership.User{Name: "ada", Status: membership.StatusActive})
	b, _ := store.AddBook(catalog.Book{Title: "Queued"}, 1)

	r, err := reservations.Reserve(ctx, u.ID, b.ID)
	require.NoError(t, err)

	ls.failNext = true
	_, err = loans.Checkout(ctx, u.ID, b.ID)
	require.Error(t, err)

	// The hold survives the failed checkout and the copy is back on the
	// shelf.
	stored, err := store.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusPending, stored.Status)
	got, err := store.GetBook(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AvailableCopies)

	// The retry succeeds and consumes the hold.
	_, err = loans.Checkout(ctx, u.ID, b.ID)
	require.NoError(t, err)
	stored, err = store.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusFulfilled, stored.Status)
}
