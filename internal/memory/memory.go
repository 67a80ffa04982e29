// Package memory defines the semantic memory gateway and its backends.
//
// A memory record is a piece of text worth remembering (a journal entry, a
// conversation turn, or a realtime reflection) stored with enough metadata to
// cite its origin. Records are created by the autosave coalescer, never mutated,
// and deleted only when the user forgets them or removes the source entry.
package memory

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for gateway operations.
var (
	// ErrNotConfigured is returned without network I/O when no backend is configured.
	ErrNotConfigured = errors.New("memory gateway not configured")

	// ErrEmptyText is returned for records whose text is empty or whitespace.
	ErrEmptyText = errors.New("memory text is empty")

	// ErrRecordNotFound is returned when deleting an unknown record.
	ErrRecordNotFound = errors.New("memory record not found")

	// ErrInvalidConfig indicates a backend was constructed with bad settings.
	ErrInvalidConfig = errors.New("invalid memory configuration")
)

// Source tags the origin of a memory record.
type Source string

const (
	SourceJournal            Source = "journal"
	SourceConversation       Source = "conversation"
	SourceRealtimeReflection Source = "realtime-reflection"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceJournal, SourceConversation, SourceRealtimeReflection:
		return true
	}
	return false
}

// Metadata keys written alongside every record.
const (
	MetaSourceID  = "sourceId"
	MetaSource    = "source"
	MetaUserID    = "userId"
	MetaCreatedAt = "createdAt"
)

// Record is a stored memory.
type Record struct {
	ID        string            `json:"id"`
	Text      string            `json:"text"`
	UserID    string            `json:"userId,omitempty"`
	Source    Source            `json:"source"`
	SourceID  string            `json:"sourceId,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// NewRecord is a record to be written.
type NewRecord struct {
	Text     string
	Source   Source
	SourceID string
	Metadata map[string]string
}

// AddOptions scopes a write.
type AddOptions struct {
	UserID string
}

// AddResult reports a write.
type AddResult struct {
	Success bool     `json:"success"`
	IDs     []string `json:"ids"`
}

// SearchOptions scopes a semantic search.
type SearchOptions struct {
	UserID string
	Limit  int
}

// ListOptions scopes GetAll.
type ListOptions struct {
	UserID string
}

// Hit is a record returned by a search, with its relevance score.
type Hit struct {
	Record
	Score float64 `json:"score"`
}

// SearchResult holds search or listing results.
type SearchResult struct {
	Results []Hit `json:"results"`
	Total   int   `json:"total"`
}

// Gateway is the semantic memory store.
type Gateway interface {
	// Add stores records. All records in one call share opts.
	Add(ctx context.Context, records []NewRecord, opts AddOptions) (AddResult, error)

	// Search returns the records most relevant to query, best first.
	Search(ctx context.Context, query string, opts SearchOptions) (SearchResult, error)

	// GetAll lists every record, newest first.
	GetAll(ctx context.Context, opts ListOptions) (SearchResult, error)

	// Delete removes a record by ID.
	Delete(ctx context.Context, id string) error
}

// BatchWriter is implemented by gateways whose Add writes many records in one
// round trip. Callers fall back to one Add per record otherwise.
type BatchWriter interface {
	SupportsBatch() bool
}

// SupportsBatch reports whether g accepts multi-record Add calls efficiently.
func SupportsBatch(g Gateway) bool {
	b, ok := g.(BatchWriter)
	return ok && b.SupportsBatch()
}

// Embedder generates vector embeddings from text.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// ForgetSource deletes every record whose sourceId matches sourceID and returns
// how many were removed.
func ForgetSource(ctx context.Context, g Gateway, userID, sourceID string) (int, error) {
	all, err := g.GetAll(ctx, ListOptions{UserID: userID})
	if err != nil {
		return 0, err
	}
	var (
		removed int
		errs    []error
	)
	for _, hit := range all.Results {
		if hit.SourceID != sourceID {
			continue
		}
		if err := g.Delete(ctx, hit.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
