package fine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openshelf.org/internal/audit"
	"openshelf.org/internal/fine"
	"openshelf.org/internal/ids"
	"openshelf.org/internal/store/memory"
)

func newLedger(t *testing.T) (*memory.Store, *fine.Ledger) {
	t.Helper()
	store := memory.New()
	rec := audit.NewRecorder(store)
	return store, fine.NewLedger(store, rec, "USD", ids.New)
}

func TestPostAndBalance(t *testing.T) {
	_, l := newLedger(t)
	ctx := context.Background()

	f1, err := l.Post(ctx, "user-1", "loan-1", fine.Money{Amount: 200}, "late_return", "")
	require.NoError(t, err)
	assert.Equal(t, fine.StatusUnpaid, f1.Status)
	assert.Equal(t, "USD", f1.Amount.Currency)

	_, err = l.Post(ctx, "user-1", "", fine.Money{Amount: 300}, "damaged_item", "")
	require.NoError(t, err)

	balance, err := l.OutstandingBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance.Amount)

	other, err := l.OutstandingBalance(ctx, "user-2")
	require.NoError(t, err)
	assert.True(t, other.IsZero())
}

func TestPostRejectsNonPositiveAmount(t *testing.T) {
	_, l := newLedger(t)
	ctx := context.Background()

	_, err := l.Post(ctx, "user-1", "", fine.Money{Amount: 0}, "late_return", "")
	assert.ErrorIs(t, err, fine.ErrInvalidAmount)
	_, err = l.Post(ctx, "user-1", "", fine.Money{Amount: -5}, "late_return", "")
	assert.ErrorIs(t, err, fine.ErrInvalidAmount)
}

func TestPostIsIdempotentPerKey(t *testing.T) {
	_, l := newLedger(t)
	ctx := context.Background()

	f1, err := l.Post(ctx, "user-1", "loan-1", fine.Money{Amount: 200}, "late_return", "late_return:loan-1")
	require.NoError(t, err)
	f2, err := l.Post(ctx, "user-1", "loan-1", fine.Money{Amount: 200}, "late_return", "late_return:loan-1")
	require.NoError(t, err)
	assert.Equal(t, f1.ID, f2.ID, "retried post must replay the original fine")

	balance, err := l.OutstandingBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), balance.Amount)
}

func TestSettlePaidSetsPaymentDate(t *testing.T) {
	_, l := newLedger(t)
	ctx := context.Background()
	now := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return now })

	f, err := l.Post(ctx, "user-1", "loan-1", fine.Money{Amount: 200}, "late_return", "")
	require.NoError(t, err)

	settled, err := l.Settle(ctx, f.ID, fine.StatusPaid)
	require.NoError(t, err)
	assert.Equal(t, fine.StatusPaid, settled.Status)
	require.NotNil(t, settled.PaidAt)
	assert.Equal(t, now, *settled.PaidAt)

	balance, err := l.OutstandingBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}

func TestSettleWaivedHasNoPaymentDate(t *testing.T) {
	_, l := newLedger(t)
	ctx := context.Background()

	f, err := l.Post(ctx, "user-1", "", fine.Money{Amount: 100}, "damaged_item", "")
	require.NoError(t, err)

	settled, err := l.Settle(ctx, f.ID, fine.StatusWaived)
	require.NoError(t, err)
	assert.Equal(t, fine.StatusWaived, settled.Status)
	assert.Nil(t, settled.PaidAt)
}

func TestSettleTwiceFails(t *testing.T) {
	_, l := newLedger(t)
	ctx := context.Background()

	f, err := l.Post(ctx, "user-1", "", fine.Money{Amount: 100}, "late_return", "")
	require.NoError(t, err)
	_, err = l.Settle(ctx, f.ID, fine.StatusPaid)
	require.NoError(t, err)

	_, err = l.Settle(ctx, f.ID, fine.StatusWaived)
	assert.ErrorIs(t, err, fine.ErrAlreadySettled)
}

func TestSettleRejectsUnpaidAsOutcome(t *testing.T) {
	_, l := newLedger(t)
	ctx := context.Background()

	f, err := l.Post(ctx, "user-1", "", fine.Money{Amount: 100}, "late_return", "")
	require.NoError(t, err)

	_, err = l.Settle(ctx, f.ID, fine.StatusUnpaid)
	assert.Error(t, err)
}
