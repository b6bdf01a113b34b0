package pg

import (
	"context"
	"database/sql"
	"errors"

	"openshelf.org/internal/catalog"
)

func (s *Store) GetBook(ctx context.Context, id string) (catalog.Book, error) {
	var b catalog.Book
	var year sql.NullInt64
	// available_copies is recomputed by counting, never read from the
	// cached column.
	err := s.db.QueryRowContext(ctx, `
		select b.id, b.title, b.isbn, b.published_year, b.created_at,
		       (select count(*) from book_copies c where c.book_id=b.id) as total,
		       (select count(*) from book_copies c where c.book_id=b.id and c.status='available') as available
		from books b where b.id=$1
	`, id).Scan(&b.ID, &b.Title, &b.ISBN, &year, &b.CreatedAt, &b.TotalCopies, &b.AvailableCopies)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Book{}, catalog.ErrNotFound
	}
	if err != nil {
		return catalog.Book{}, err
	}
	if year.Valid {
		b.PublishedYear = int(year.Int64)
	}
	return b, nil
}

func (s *Store) ListBooks(ctx context.Context, limit int, afterID string) ([]catalog.Book, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select b.id, b.title, b.isbn, b.published_year, b.created_at,
		       (select count(*) from book_copies c where c.book_id=b.id) as total,
		       (select count(*) from book_copies c where c.book_id=b.id and c.status='available') as available
		from books b
		where b.id > $1
		order by b.id asc
		limit $2
	`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []catalog.Book
	for rows.Next() {
		var b catalog.Book
		var year sql.NullInt64
		if err := rows.Scan(&b.ID, &b.Title, &b.ISBN, &year, &b.CreatedAt, &b.TotalCopies, &b.AvailableCopies); err != nil {
			return nil, err
		}
		if year.Valid {
			b.PublishedYear = int(year.Int64)
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (s *Store) GetCopy(ctx context.Context, id string) (catalog.Copy, error) {
	var c catalog.Copy
	var status string
	err := s.db.QueryRowContext(ctx, `
		select id, book_id, barcode, status, created_at from book_copies where id=$1
	`, id).Scan(&c.ID, &c.BookID, &c.Barcode, &status, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Copy{}, catalog.ErrNotFound
	}
	if err != nil {
		return catalog.Copy{}, err
	}
	c.Status = catalog.CopyStatus(status)
	return c, nil
}

func (s *Store) SelectAvailableCopy(ctx context.Context, bookID string) (catalog.Copy, error) {
	var c catalog.Copy
	var status string
	err := s.db.QueryRowContext(ctx, `
		select id, book_id, barcode, status, created_at
		from book_copies
		where book_id=$1 and status='available'
		order by id asc
		limit 1
	`, bookID).Scan(&c.ID, &c.BookID, &c.Barcode, &status, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Copy{}, catalog.ErrNotFound
	}
	if err != nil {
		return catalog.Copy{}, err
	}
	c.Status = catalog.CopyStatus(status)
	return c, nil
}

func (s *Store) SetCopyStatus(ctx context.Context, copyID string, from, to catalog.CopyStatus) error {
	res, err := s.db.ExecContext(ctx, `
		update book_copies set status=$3, updated_at=now()
		where id=$1 and status=$2
	`, copyID, string(from), string(to))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `select exists(select 1 from book_copies where id=$1)`, copyID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return catalog.ErrNotFound
		}
		return catalog.ErrConflict
	}
	return nil
}

func (s *Store) AvailableCopies(ctx context.Context, bookID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from book_copies where book_id=$1 and status='available'
	`, bookID).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}
