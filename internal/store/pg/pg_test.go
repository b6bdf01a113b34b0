package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"openshelf.org/internal/catalog"
	"openshelf.org/internal/fine"
	"openshelf.org/internal/loan"
	"openshelf.org/internal/membership"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func TestGetUserNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("select id, name, email, password_hash, role, account_status, created_at").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "email", "password_hash", "role", "account_status", "created_at"}))

	_, err := s.GetUser(context.Background(), "missing")
	if !errors.Is(err, membership.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSetCopyStatusConflict(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("update book_copies set status").
		WithArgs("copy-1", "available", "checked_out").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select exists").
		WithArgs("copy-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := s.SetCopyStatus(context.Background(), "copy-1", catalog.CopyAvailable, catalog.CopyCheckedOut)
	if !errors.Is(err, catalog.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSetCopyStatusMissingCopy(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("update book_copies set status").
		WithArgs("ghost", "available", "checked_out").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select exists").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	err := s.SetCopyStatus(context.Background(), "ghost", catalog.CopyAvailable, catalog.CopyCheckedOut)
	if !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkReturnedConflict(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	mock.ExpectExec("update loans set status='returned'").
		WithArgs("loan-1", "active", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select exists").
		WithArgs("loan-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := s.MarkReturned(context.Background(), "loan-1", loan.StatusActive, now)
	if !errors.Is(err, loan.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestHasOpenLoanForCopy(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("select exists").
		WithArgs("copy-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	open, err := s.HasOpenLoanForCopy(context.Background(), "copy-1")
	if err != nil {
		t.Fatalf("HasOpenLoanForCopy: %v", err)
	}
	if !open {
		t.Fatalf("expected an open loan for the copy")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSweepOverdueLoansReportsRowCount(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	mock.ExpectExec("update loans set status='overdue'").
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := s.SweepOverdueLoans(context.Background(), now)
	if err != nil {
		t.Fatalf("SweepOverdueLoans: %v", err)
	}
	if n != 7 {
		t.Fatalf("expected 7 transitions, got %d", n)
	}
}

func TestFulfillOldestPendingLocksBookFirst(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2023, 5, 10, 9, 0, 0, 0, time.UTC)
	reservedAt := now.Add(-48 * time.Hour)
	expiresAt := now.Add(5 * 24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from books where id=.+ for update").
		WithArgs("book-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery("select id, user_id, book_id, reservation_date, expiration_date").
		WithArgs("book-1", now).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "book_id", "reservation_date", "expiration_date"}).
			AddRow("res-1", "user-1", "book-1", reservedAt, expiresAt))
	mock.ExpectExec("update reservations set status='fulfilled'").
		WithArgs("res-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	r, ok, err := s.FulfillOldestPending(context.Background(), "book-1", now)
	if err != nil {
		t.Fatalf("FulfillOldestPending: %v", err)
	}
	if !ok || r.ID != "res-1" || r.UserID != "user-1" {
		t.Fatalf("unexpected reservation: ok=%v %#v", ok, r)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFulfillOldestPendingEmptyQueue(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from books where id=.+ for update").
		WithArgs("book-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery("select id, user_id, book_id, reservation_date, expiration_date").
		WithArgs("book-1", now).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "book_id", "reservation_date", "expiration_date"}))
	mock.ExpectRollback()

	_, ok, err := s.FulfillOldestPending(context.Background(), "book-1", now)
	if err != nil {
		t.Fatalf("FulfillOldestPending: %v", err)
	}
	if ok {
		t.Fatal("expected empty queue")
	}
}

func TestSumUnpaid(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`select coalesce\(sum\(amount\),0\) from fines`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(500)))

	total, err := s.SumUnpaid(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("SumUnpaid: %v", err)
	}
	if total != 500 {
		t.Fatalf("expected 500, got %d", total)
	}
}

func TestSettleFineConflict(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("update fines set status").
		WithArgs("fine-1", "paid", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select exists").
		WithArgs("fine-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	now := time.Now().UTC()
	err := s.SettleFine(context.Background(), "fine-1", fine.StatusPaid, &now)
	if !errors.Is(err, fine.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}
