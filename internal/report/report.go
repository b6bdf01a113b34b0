// Package report serves the read-only circulation reports. Queries here
// never mutate state, so they bypass the store interfaces and read the
// database directly through sqlx.
package report

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// OverdueLoan is one row of the overdue report.
type OverdueLoan struct {
	LoanID    string    `db:"loan_id" json:"loan_id"`
	UserID    string    `db:"user_id" json:"user_id"`
	UserName  string    `db:"user_name" json:"user_name"`
	BookID    string    `db:"book_id" json:"book_id"`
	BookTitle string    `db:"book_title" json:"book_title"`
	CopyID    string    `db:"copy_id" json:"copy_id"`
	DueDate   time.Time `db:"due_date" json:"due_date"`
	DaysLate  int       `db:"days_late" json:"days_late"`
}

// ReservedBook is one row of the most-reserved report.
type ReservedBook struct {
	BookID  string `db:"book_id" json:"book_id"`
	Title   string `db:"title" json:"title"`
	Pending int    `db:"pending" json:"pending"`
}

// UserLoad is one row of the loans-per-user report.
type UserLoad struct {
	UserID    string `db:"user_id" json:"user_id"`
	UserName  string `db:"user_name" json:"user_name"`
	OpenLoans int    `db:"open_loans" json:"open_loans"`
}

type Service struct {
	db *sqlx.DB
}

// New wraps an open pgx-backed connection for report queries.
func New(db *sqlx.DB) *Service { return &Service{db: db} }

// OverdueLoans lists open loans past their due date, most overdue first.
func (s *Service) OverdueLoans(ctx context.Context, now time.Time, limit int) ([]OverdueLoan, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows := []OverdueLoan{}
	err := s.db.SelectContext(ctx, &rows, `
		select l.id as loan_id,
		       u.id as user_id,
		       u.name as user_name,
		       b.id as book_id,
		       b.title as book_title,
		       c.id as copy_id,
		       l.due_date as due_date,
		       greatest(0, ceil(extract(epoch from ($1::timestamptz - l.due_date)) / 86400))::int as days_late
		from loans l
		join users u on u.id = l.user_id
		join book_copies c on c.id = l.copy_id
		join books b on b.id = c.book_id
		where l.status in ('active','overdue') and l.due_date < $1
		order by l.due_date asc
		limit $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// TopReserved ranks books by the size of their pending reservation queue.
func (s *Service) TopReserved(ctx context.Context, now time.Time, limit int) ([]ReservedBook, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	rows := []ReservedBook{}
	err := s.db.SelectContext(ctx, &rows, `
		select b.id as book_id, b.title as title, count(*)::int as pending
		from reservations r
		join books b on b.id = r.book_id
		where r.status = 'pending' and r.expiration_date >= $1
		group by b.id, b.title
		order by pending desc, b.title asc
		limit $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ActiveLoansByUser counts open loans per member, heaviest borrowers first.
func (s *Service) ActiveLoansByUser(ctx context.Context, limit int) ([]UserLoad, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows := []UserLoad{}
	err := s.db.SelectContext(ctx, &rows, `
		select u.id as user_id, u.name as user_name, count(*)::int as open_loans
		from loans l
		join users u on u.id = l.user_id
		where l.status in ('active','overdue')
		group by u.id, u.name
		order by open_loans desc, u.name asc
		limit $1
	`, limit)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
