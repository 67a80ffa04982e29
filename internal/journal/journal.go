// Package journal stores the user's journal entries.
//
// The reflection pipeline only reads entries (GetEntryByID, Entries); the
// writer half exists for the HTTP API and the CLI.
package journal

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrEntryNotFound is returned for unknown entry IDs.
	ErrEntryNotFound = errors.New("journal entry not found")

	// ErrEmptyContent is returned when saving an entry without content.
	ErrEmptyContent = errors.New("journal entry content is empty")
)

// Entry is a single journal entry.
type Entry struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Reader is the read-only view of the entry store.
type Reader interface {
	// GetEntryByID returns ErrEntryNotFound for unknown IDs.
	GetEntryByID(ctx context.Context, id string) (Entry, error)

	// Entries lists every entry, most recently created first.
	Entries(ctx context.Context) ([]Entry, error)
}

// Store is a read-write entry store.
type Store interface {
	Reader

	// Put creates the entry when e.ID is empty (or unknown) and updates it otherwise.
	Put(ctx context.Context, e Entry) (Entry, error)

	// Delete removes an entry. Deleting an unknown ID returns ErrEntryNotFound.
	Delete(ctx context.Context, id string) error

	Close() error
}

// NewID returns a new lexically sortable entry ID.
func NewID() string {
	return ulid.Make().String()
}

func prepare(e Entry, now time.Time) (Entry, error) {
	if strings.TrimSpace(e.Content) == "" {
		return Entry{}, ErrEmptyContent
	}
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	return e, nil
}
