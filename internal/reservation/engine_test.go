package reservation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openshelf.org/internal/audit"
	"openshelf.org/internal/catalog"
	"openshelf.org/internal/ids"
	"openshelf.org/internal/membership"
	"openshelf.org/internal/reservation"
	"openshelf.org/internal/store/memory"
)

func newEngine(t *testing.T) (*memory.Store, *reservation.Engine) {
	t.Helper()
	store := memory.New()
	rec := audit.NewRecorder(store)
	return store, reservation.NewEngine(store, store, rec, 7*24*time.Hour, ids.New)
}

func addActiveUser(store *memory.Store, name string) membership.User {
	return store.AddUser(membership.User{
		Name:   name,
		Email:  name + "@example.org",
		Role:   membership.RoleMember,
		Status: membership.StatusActive,
	})
}

func TestReserveSetsHoldWindow(t *testing.T) {
	store, eng := newEngine(t)
	ctx := context.Background()
	u := addActiveUser(store, "ada")
	b, _ := store.AddBook(catalog.Book{Title: "Ubik"}, 0)

	now := time.Date(2023, 5, 1, 9, 0, 0, 0, time.UTC)
	eng.SetClock(func() time.Time { return now })

	r, err := eng.Reserve(ctx, u.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusPending, r.Status)
	assert.Equal(t, now, r.ReservedAt)
	assert.Equal(t, now.Add(7*24*time.Hour), r.ExpiresAt)
}

func TestReserveRejectsIneligibleUser(t *testing.T) {
	store, eng := newEngine(t)
	ctx := context.Background()
	u := store.AddUser(membership.User{Name: "out", Status: membership.StatusTerminated})
	b, _ := store.AddBook(catalog.Book{Title: "VALIS"}, 0)

	_, err := eng.Reserve(ctx, u.ID, b.ID)
	assert.ErrorIs(t, err, membership.ErrIneligible)
}

func TestReserveRejectsDuplicate(t *testing.T) {
	store, eng := newEngine(t)
	ctx := context.Background()
	u := addActiveUser(store, "ada")
	b, _ := store.AddBook(catalog.Book{Title: "Ubik"}, 0)

	_, err := eng.Reserve(ctx, u.ID, b.ID)
	require.NoError(t, err)
	_, err = eng.Reserve(ctx, u.ID, b.ID)
	assert.ErrorIs(t, err, reservation.ErrDuplicate)
}

func TestOfferCopyFulfillsFIFO(t *testing.T) {
	store, eng := newEngine(t)
	ctx := context.Background()
	u1 := addActiveUser(store, "first")
	u2 := addActiveUser(store, "second")
	b, _ := store.AddBook(catalog.Book{Title: "Queueing Theory"}, 0)

	t1 := time.Date(2023, 5, 1, 9, 0, 0, 0, time.UTC)
	eng.SetClock(func() time.Time { return t1 })
	r1, err := eng.Reserve(ctx, u1.ID, b.ID)
	require.NoError(t, err)

	eng.SetClock(func() time.Time { return t1.Add(time.Hour) })
	r2, err := eng.Reserve(ctx, u2.ID, b.ID)
	require.NoError(t, err)

	got, ok, err := eng.OfferCopy(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, r1.ID, got.ID, "earliest reservation wins")

	got, ok, err = eng.OfferCopy(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, r2.ID, got.ID)

	_, ok, err = eng.OfferCopy(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, ok, "empty queue offers nothing")
}

func TestOfferCopySkipsExpiredHolds(t *testing.T) {
	store, eng := newEngine(t)
	ctx := context.Background()
	u1 := addActiveUser(store, "stale")
	u2 := addActiveUser(store, "fresh")
	b, _ := store.AddBook(catalog.Book{Title: "Patience"}, 0)

	t1 := time.Date(2023, 5, 1, 9, 0, 0, 0, time.UTC)
	eng.SetClock(func() time.Time { return t1 })
	_, err := eng.Reserve(ctx, u1.ID, b.ID)
	require.NoError(t, err)

	// Second hold placed 8 days later, after the first one lapsed.
	t2 := t1.Add(8 * 24 * time.Hour)
	eng.SetClock(func() time.Time { return t2 })
	r2, err := eng.Reserve(ctx, u2.ID, b.ID)
	require.NoError(t, err)

	got, ok, err := eng.OfferCopy(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, r2.ID, got.ID, "lapsed hold must not be fulfilled")
}

func TestCancel(t *testing.T) {
	store, eng := newEngine(t)
	ctx := context.Background()
	u := addActiveUser(store, "fickle")
	b, _ := store.AddBook(catalog.Book{Title: "Maybe"}, 0)

	r, err := eng.Reserve(ctx, u.ID, b.ID)
	require.NoError(t, err)
	require.NoError(t, eng.Cancel(ctx, r.ID))

	got, err := store.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusCanceled, got.Status)

	assert.ErrorIs(t, eng.Cancel(ctx, r.ID), reservation.ErrNotPending)
}

func TestSweepExpiredIsIdempotent(t *testing.T) {
	store, eng := newEngine(t)
	ctx := context.Background()
	u := addActiveUser(store, "slow")
	b, _ := store.AddBook(catalog.Book{Title: "Later"}, 0)

	start := time.Date(2023, 5, 1, 9, 0, 0, 0, time.UTC)
	eng.SetClock(func() time.Time { return start })
	r, err := eng.Reserve(ctx, u.ID, b.ID)
	require.NoError(t, err)

	now := start.Add(8 * 24 * time.Hour)
	n, err := eng.SweepExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = eng.SweepExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	got, err := store.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusExpired, got.Status)
}
