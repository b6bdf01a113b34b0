// Package pg implements the circulation store interfaces on PostgreSQL.
// Conditional status writes are plain UPDATEs guarded by the expected
// current status; zero rows affected means the caller lost a race.
package pg

import (
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"openshelf.org/internal/audit"
	"openshelf.org/internal/catalog"
	"openshelf.org/internal/fine"
	"openshelf.org/internal/loan"
	"openshelf.org/internal/membership"
	"openshelf.org/internal/reservation"
)

type Store struct {
	db *sql.DB
}

var (
	_ membership.Store  = (*Store)(nil)
	_ catalog.Store     = (*Store)(nil)
	_ loan.Store        = (*Store)(nil)
	_ reservation.Store = (*Store)(nil)
	_ fine.Store        = (*Store)(nil)
	_ audit.Store       = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle (tests, shared pools).
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }
