package catalog

import (
	"context"
	"errors"
	"time"
)

// CopyStatus tracks the physical state of a single copy.
type CopyStatus string

const (
	CopyAvailable  CopyStatus = "available"
	CopyCheckedOut CopyStatus = "checked_out"
	CopyLost       CopyStatus = "lost"
	CopyDamaged    CopyStatus = "damaged"
	CopyInRepair   CopyStatus = "in_repair"
)

// Book is a bibliographic title. AvailableCopies is a derived projection:
// store implementations recompute it by counting copies in status
// "available", never by trusting a stored counter.
type Book struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	ISBN            string    `json:"isbn"`
	PublishedYear   int       `json:"published_year,omitempty"`
	TotalCopies     int       `json:"total_copies"`
	AvailableCopies int       `json:"available_copies"`
	CreatedAt       time.Time `json:"created_at"`
}

// Copy is one physical unit of a Book, independently trackable.
type Copy struct {
	ID        string     `json:"id"`
	BookID    string     `json:"book_id"`
	Barcode   string     `json:"barcode"`
	Status    CopyStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
}

// Author and Category carry the bibliographic link tables; the circulation
// engines never touch them, reporting reads them.
type Author struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

var (
	ErrNotFound = errors.New("catalog: not found")
	// ErrConflict signals a compare-and-set miss: the copy status changed
	// between read and write and no rows were affected.
	ErrConflict = errors.New("catalog: concurrent modification, no rows were affected")
)

// Store provides catalog reads and the conditional copy-status writes the
// loan engine builds its mutual-exclusion guarantee on.
type Store interface {
	GetBook(ctx context.Context, id string) (Book, error)
	ListBooks(ctx context.Context, limit int, afterID string) ([]Book, error)

	GetCopy(ctx context.Context, id string) (Copy, error)
	// SelectAvailableCopy picks the available copy with the lowest id for
	// the book, or ErrNotFound when none is available.
	SelectAvailableCopy(ctx context.Context, bookID string) (Copy, error)
	// SetCopyStatus transitions a copy from one status to another. The write
	// is conditional on the current status: ErrConflict when it changed
	// since it was read, ErrNotFound when the copy does not exist.
	SetCopyStatus(ctx context.Context, copyID string, from, to CopyStatus) error
	// AvailableCopies recomputes the availability projection by counting.
	AvailableCopies(ctx context.Context, bookID string) (int, error)
}
