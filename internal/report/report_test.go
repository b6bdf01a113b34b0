package report

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func newMockService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(sqlx.NewDb(db, "pgx")), mock
}

func TestOverdueLoans(t *testing.T) {
	svc, mock := newMockService(t)
	now := time.Date(2023, 2, 1, 12, 0, 0, 0, time.UTC)
	due := now.Add(-72 * time.Hour)

	mock.ExpectQuery("from loans l").
		WithArgs(now, 100).
		WillReturnRows(sqlmock.NewRows([]string{
			"loan_id", "user_id", "user_name", "book_id", "book_title", "copy_id", "due_date", "days_late",
		}).AddRow("loan-1", "user-1", "Ada", "book-1", "SICP", "copy-1", due, 3))

	rows, err := svc.OverdueLoans(context.Background(), now, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "loan-1", rows[0].LoanID)
	require.Equal(t, 3, rows[0].DaysLate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTopReservedClampsLimit(t *testing.T) {
	svc, mock := newMockService(t)
	now := time.Now().UTC()

	mock.ExpectQuery("from reservations r").
		WithArgs(now, 10).
		WillReturnRows(sqlmock.NewRows([]string{"book_id", "title", "pending"}).
			AddRow("book-2", "TAOCP", 4).
			AddRow("book-1", "SICP", 2))

	rows, err := svc.TopReserved(context.Background(), now, -5)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, 4, rows[0].Pending)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActiveLoansByUserEmpty(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectQuery("from loans l").
		WithArgs(100).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "user_name", "open_loans"}))

	rows, err := svc.ActiveLoansByUser(context.Background(), 0)
	require.NoError(t, err)
	require.Empty(t, rows)
}
