package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"openshelf.org/internal/reservation"
)

func (s *Store) InsertReservation(ctx context.Context, r reservation.Reservation) error {
	_, err := s.db.ExecContext(ctx, `
		insert into reservations(id, user_id, book_id, reservation_date, expiration_date, status)
		values ($1,$2,$3,$4,$5,$6)
	`, r.ID, r.UserID, r.BookID, r.ReservedAt, r.ExpiresAt, string(r.Status))
	return err
}

func (s *Store) GetReservation(ctx context.Context, id string) (reservation.Reservation, error) {
	var r reservation.Reservation
	var status string
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, book_id, reservation_date, expiration_date, status
		from reservations where id=$1
	`, id).Scan(&r.ID, &r.UserID, &r.BookID, &r.ReservedAt, &r.ExpiresAt, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return reservation.Reservation{}, reservation.ErrNotFound
	}
	if err != nil {
		return reservation.Reservation{}, err
	}
	r.Status = reservation.Status(status)
	return r, nil
}

func (s *Store) HasPendingReservation(ctx context.Context, userID, bookID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		select exists(
			select 1 from reservations
			where user_id=$1 and book_id=$2 and status='pending'
		)
	`, userID, bookID).Scan(&exists)
	return exists, err
}

// FulfillOldestPending locks the book row first so concurrent offers for the
// same title serialize, then fulfills the earliest unexpired pending
// reservation (ties broken by id ascending).
func (s *Store) FulfillOldestPending(ctx context.Context, bookID string, now time.Time) (reservation.Reservation, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return reservation.Reservation{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var dummy int
	err = tx.QueryRowContext(ctx, `select 1 from books where id=$1 for update`, bookID).Scan(&dummy)
	if errors.Is(err, sql.ErrNoRows) {
		return reservation.Reservation{}, false, nil
	}
	if err != nil {
		return reservation.Reservation{}, false, err
	}

	var r reservation.Reservation
	err = tx.QueryRowContext(ctx, `
		select id, user_id, book_id, reservation_date, expiration_date
		from reservations
		where book_id=$1 and status='pending' and expiration_date >= $2
		order by reservation_date asc, id asc
		limit 1
	`, bookID, now).Scan(&r.ID, &r.UserID, &r.BookID, &r.ReservedAt, &r.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return reservation.Reservation{}, false, nil
	}
	if err != nil {
		return reservation.Reservation{}, false, err
	}

	if _, err := tx.ExecContext(ctx, `
		update reservations set status='fulfilled' where id=$1
	`, r.ID); err != nil {
		return reservation.Reservation{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return reservation.Reservation{}, false, err
	}
	r.Status = reservation.StatusFulfilled
	return r, true, nil
}

func (s *Store) FulfillPendingFor(ctx context.Context, userID, bookID string) (reservation.Reservation, bool, error) {
	var r reservation.Reservation
	err := s.db.QueryRowContext(ctx, `
		update reservations set status='fulfilled'
		where id = (
			select id from reservations
			where user_id=$1 and book_id=$2 and status='pending'
			order by reservation_date asc, id asc
			limit 1
		)
		returning id, user_id, book_id, reservation_date, expiration_date
	`, userID, bookID).Scan(&r.ID, &r.UserID, &r.BookID, &r.ReservedAt, &r.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return reservation.Reservation{}, false, nil
	}
	if err != nil {
		return reservation.Reservation{}, false, err
	}
	r.Status = reservation.StatusFulfilled
	return r, true, nil
}

func (s *Store) SetReservationStatus(ctx context.Context, id string, from, to reservation.Status) error {
	res, err := s.db.ExecContext(ctx, `
		update reservations set status=$3
		where id=$1 and status=$2
	`, id, string(from), string(to))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `select exists(select 1 from reservations where id=$1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return reservation.ErrNotFound
		}
		return reservation.ErrConflict
	}
	return nil
}

func (s *Store) SweepExpiredReservations(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		update reservations set status='expired'
		where status='pending' and expiration_date < $1
	`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
