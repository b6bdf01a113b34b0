// Package memory implements every store interface over in-process state.
// It backs tests and the zero-configuration demo mode of cmd/api; durable
// deployments use store/pg.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"openshelf.org/internal/audit"
	"openshelf.org/internal/catalog"
	"openshelf.org/internal/fine"
	"openshelf.org/internal/ids"
	"openshelf.org/internal/loan"
	"openshelf.org/internal/membership"
	"openshelf.org/internal/reservation"
)

// Store holds all circulation state behind one mutex, the same discipline
// the engines get from row locks in the Postgres store.
type Store struct {
	mu           sync.RWMutex
	users        map[string]membership.User
	books        map[string]catalog.Book
	copies       map[string]catalog.Copy
	loans        map[string]loan.Loan
	reservations map[string]reservation.Reservation
	fines        map[string]fine.Fine
	fineKeys     map[string]string // idempotency key -> fine id
	auditLog     []audit.Entry
}

var (
	_ membership.Store  = (*Store)(nil)
	_ catalog.Store     = (*Store)(nil)
	_ loan.Store        = (*Store)(nil)
	_ reservation.Store = (*Store)(nil)
	_ fine.Store        = (*Store)(nil)
	_ audit.Store       = (*Store)(nil)
)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		users:        make(map[string]membership.User),
		books:        make(map[string]catalog.Book),
		copies:       make(map[string]catalog.Copy),
		loans:        make(map[string]loan.Loan),
		reservations: make(map[string]reservation.Reservation),
		fines:        make(map[string]fine.Fine),
		fineKeys:     make(map[string]string),
	}
}

// --- seeding helpers ---

// AddUser registers a user; a missing id is generated.
func (s *Store) AddUser(u membership.User) membership.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	s.users[u.ID] = u
	return u
}

// AddBook registers a book with the given number of available copies and
// returns the book and the generated copy ids in claim order.
func (s *Store) AddBook(b catalog.Book, copies int) (catalog.Book, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == "" {
		b.ID = ids.New()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	b.TotalCopies = copies
	s.books[b.ID] = b

	copyIDs := make([]string, 0, copies)
	for i := 0; i < copies; i++ {
		c := catalog.Copy{
			ID:        ids.New(),
			BookID:    b.ID,
			Status:    catalog.CopyAvailable,
			CreatedAt: time.Now().UTC(),
		}
		s.copies[c.ID] = c
		copyIDs = append(copyIDs, c.ID)
	}
	sort.Strings(copyIDs)
	return b, copyIDs
}

// AuditEntries returns a copy of the appended audit log.
func (s *Store) AuditEntries() []audit.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]audit.Entry, len(s.auditLog))
	copy(out, s.auditLog)
	return out
}

// --- membership.Store ---

func (s *Store) GetUser(ctx context.Context, id string) (membership.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return membership.User{}, membership.ErrNotFound
	}
	return u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (membership.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range s.users {
		if strings.ToLower(u.Email) == email {
			return u, nil
		}
	}
	return membership.User{}, membership.ErrNotFound
}

// --- catalog.Store ---

func (s *Store) GetBook(ctx context.Context, id string) (catalog.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[id]
	if !ok {
		return catalog.Book{}, catalog.ErrNotFound
	}
	b.AvailableCopies = s.countAvailableLocked(id)
	return b, nil
}

func (s *Store) ListBooks(ctx context.Context, limit int, afterID string) ([]catalog.Book, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	idsSorted := make([]string, 0, len(s.books))
	for id := range s.books {
		if id > afterID {
			idsSorted = append(idsSorted, id)
		}
	}
	sort.Strings(idsSorted)
	var out []catalog.Book
	for _, id := range idsSorted {
		b := s.books[id]
		b.AvailableCopies = s.countAvailableLocked(id)
		out = append(out, b)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetCopy(ctx context.Context, id string) (catalog.Copy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.copies[id]
	if !ok {
		return catalog.Copy{}, catalog.ErrNotFound
	}
	return c, nil
}

func (s *Store) SelectAvailableCopy(ctx context.Context, bookID string) (catalog.Copy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best catalog.Copy
	found := false
	for _, c := range s.copies {
		if c.BookID != bookID || c.Status != catalog.CopyAvailable {
			continue
		}
		if !found || c.ID < best.ID {
			best = c
			found = true
		}
	}
	if !found {
		return catalog.Copy{}, catalog.ErrNotFound
	}
	return best, nil
}

func (s *Store) SetCopyStatus(ctx context.Context, copyID string, from, to catalog.CopyStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.copies[copyID]
	if !ok {
		return catalog.ErrNotFound
	}
	if c.Status != from {
		return catalog.ErrConflict
	}
	c.Status = to
	s.copies[copyID] = c
	return nil
}

func (s *Store) AvailableCopies(ctx context.Context, bookID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.books[bookID]; !ok {
		return 0, catalog.ErrNotFound
	}
	return s.countAvailableLocked(bookID), nil
}

func (s *Store) countAvailableLocked(bookID string) int {
	n := 0
	for _, c := range s.copies {
		if c.BookID == bookID && c.Status == catalog.CopyAvailable {
			n++
		}
	}
	return n
}

// --- loan.Store ---

func (s *Store) InsertLoan(ctx context.Context, l loan.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loans[l.ID] = l
	return nil
}

func (s *Store) GetLoan(ctx context.Context, id string) (loan.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.loans[id]
	if !ok {
		return loan.Loan{}, loan.ErrNotFound
	}
	return l, nil
}

func (s *Store) MarkReturned(ctx context.Context, id string, from loan.Status, returnedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.loans[id]
	if !ok {
		return loan.ErrNotFound
	}
	if l.Status != from {
		return loan.ErrConflict
	}
	l.Status = loan.StatusReturned
	l.ReturnDate = &returnedAt
	s.loans[id] = l
	return nil
}

func (s *Store) SetLoanStatus(ctx context.Context, id string, from, to loan.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.loans[id]
	if !ok {
		return loan.ErrNotFound
	}
	if l.Status != from {
		return loan.ErrConflict
	}
	l.Status = to
	s.loans[id] = l
	return nil
}

func (s *Store) CountOpenLoans(ctx context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, l := range s.loans {
		if l.UserID == userID && l.Status.Open() {
			n++
		}
	}
	return n, nil
}

func (s *Store) HasOpenLoanForCopy(ctx context.Context, copyID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.loans {
		if l.CopyID == copyID && l.Status.Open() {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) SweepOverdueLoans(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, l := range s.loans {
		if l.Status == loan.StatusActive && l.DueDate.Before(now) {
			l.Status = loan.StatusOverdue
			s.loans[id] = l
			n++
		}
	}
	return n, nil
}

// --- reservation.Store ---

func (s *Store) InsertReservation(ctx context.Context, r reservation.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reservations[r.ID] = r
	return nil
}

func (s *Store) GetReservation(ctx context.Context, id string) (reservation.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reservations[id]
	if !ok {
		return reservation.Reservation{}, reservation.ErrNotFound
	}
	return r, nil
}

func (s *Store) HasPendingReservation(ctx context.Context, userID, bookID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.reservations {
		if r.UserID == userID && r.BookID == bookID && r.Status == reservation.StatusPending {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) FulfillOldestPending(ctx context.Context, bookID string, now time.Time) (reservation.Reservation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest reservation.Reservation
	found := false
	for _, r := range s.reservations {
		if r.BookID != bookID || r.Status != reservation.StatusPending {
			continue
		}
		if r.ExpiresAt.Before(now) {
			continue
		}
		if !found ||
			r.ReservedAt.Before(oldest.ReservedAt) ||
			(r.ReservedAt.Equal(oldest.ReservedAt) && r.ID < oldest.ID) {
			oldest = r
			found = true
		}
	}
	if !found {
		return reservation.Reservation{}, false, nil
	}
	oldest.Status = reservation.StatusFulfilled
	s.reservations[oldest.ID] = oldest
	return oldest, true, nil
}

func (s *Store) FulfillPendingFor(ctx context.Context, userID, bookID string) (reservation.Reservation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.reservations {
		if r.UserID == userID && r.BookID == bookID && r.Status == reservation.StatusPending {
			r.Status = reservation.StatusFulfilled
			s.reservations[id] = r
			return r, true, nil
		}
	}
	return reservation.Reservation{}, false, nil
}

func (s *Store) SetReservationStatus(ctx context.Context, id string, from, to reservation.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return reservation.ErrNotFound
	}
	if r.Status != from {
		return reservation.ErrConflict
	}
	r.Status = to
	s.reservations[id] = r
	return nil
}

func (s *Store) SweepExpiredReservations(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.reservations {
		if r.Status == reservation.StatusPending && r.ExpiresAt.Before(now) {
			r.Status = reservation.StatusExpired
			s.reservations[id] = r
			n++
		}
	}
	return n, nil
}

// --- fine.Store ---

func (s *Store) InsertFine(ctx context.Context, f fine.Fine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fines[f.ID] = f
	if f.IdempotencyKey != "" {
		s.fineKeys[f.IdempotencyKey] = f.ID
	}
	return nil
}

func (s *Store) GetFine(ctx context.Context, id string) (fine.Fine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.fines[id]
	if !ok {
		return fine.Fine{}, fine.ErrNotFound
	}
	return f, nil
}

func (s *Store) FindFineByKey(ctx context.Context, key string) (fine.Fine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.fineKeys[key]
	if !ok {
		return fine.Fine{}, fine.ErrNotFound
	}
	return s.fines[id], nil
}

func (s *Store) SettleFine(ctx context.Context, id string, to fine.Status, paidAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.fines[id]
	if !ok {
		return fine.ErrNotFound
	}
	if f.Status != fine.StatusUnpaid {
		return fine.ErrConflict
	}
	f.Status = to
	f.PaidAt = paidAt
	s.fines[id] = f
	return nil
}

func (s *Store) SumUnpaid(ctx context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, f := range s.fines {
		if f.UserID == userID && f.Status == fine.StatusUnpaid {
			total += f.Amount.Amount
		}
	}
	return total, nil
}

// --- audit.Store ---

func (s *Store) AppendAudit(ctx context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLog = append(s.auditLog, e)
	return nil
}
