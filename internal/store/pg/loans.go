package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"openshelf.org/internal/loan"
)

func (s *Store) InsertLoan(ctx context.Context, l loan.Loan) error {
	_, err := s.db.ExecContext(ctx, `
		insert into loans(id, copy_id, book_id, user_id, checkout_date, due_date, status)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, l.ID, l.CopyID, l.BookID, l.UserID, l.CheckoutDate, l.DueDate, string(l.Status))
	return err
}

func (s *Store) GetLoan(ctx context.Context, id string) (loan.Loan, error) {
	var l loan.Loan
	var status string
	var returned sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		select id, copy_id, book_id, user_id, checkout_date, due_date, return_date, status
		from loans where id=$1
	`, id).Scan(&l.ID, &l.CopyID, &l.BookID, &l.UserID, &l.CheckoutDate, &l.DueDate, &returned, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return loan.Loan{}, loan.ErrNotFound
	}
	if err != nil {
		return loan.Loan{}, err
	}
	if returned.Valid {
		t := returned.Time
		l.ReturnDate = &t
	}
	l.Status = loan.Status(status)
	return l, nil
}

func (s *Store) MarkReturned(ctx context.Context, id string, from loan.Status, returnedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update loans set status='returned', return_date=$3
		where id=$1 and status=$2
	`, id, string(from), returnedAt)
	if err != nil {
		return err
	}
	return s.checkLoanAffected(ctx, res, id)
}

func (s *Store) SetLoanStatus(ctx context.Context, id string, from, to loan.Status) error {
	res, err := s.db.ExecContext(ctx, `
		update loans set status=$3
		where id=$1 and status=$2
	`, id, string(from), string(to))
	if err != nil {
		return err
	}
	return s.checkLoanAffected(ctx, res, id)
}

func (s *Store) CountOpenLoans(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from loans where user_id=$1 and status in ('active','overdue')
	`, userID).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) HasOpenLoanForCopy(ctx context.Context, copyID string) (bool, error) {
	var open bool
	err := s.db.QueryRowContext(ctx, `
		select exists(select 1 from loans where copy_id=$1 and status in ('active','overdue'))
	`, copyID).Scan(&open)
	if err != nil {
		return false, err
	}
	return open, nil
}

func (s *Store) SweepOverdueLoans(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		update loans set status='overdue'
		where status='active' and due_date < $1
	`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) checkLoanAffected(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `select exists(select 1 from loans where id=$1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return loan.ErrNotFound
		}
		return loan.ErrConflict
	}
	return nil
}
