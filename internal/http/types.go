package http

import (
	"github.com/fyrsmithlabs/reflectd/internal/assembler"
	"github.com/fyrsmithlabs/reflectd/internal/autosave"
	"github.com/fyrsmithlabs/reflectd/internal/journal"
	"github.com/fyrsmithlabs/reflectd/internal/reflection"
	"github.com/fyrsmithlabs/reflectd/internal/telemetry"
	"github.com/fyrsmithlabs/reflectd/internal/thread"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	// Status is "ok" or "degraded" when any capability is unconfigured.
	Status       string                      `json:"status"`
	Version      string                      `json:"version,omitempty"`
	Capabilities map[string]CapabilityStatus `json:"capabilities"`
	Autosave     AutosaveStatus              `json:"autosave"`
	Telemetry    *telemetry.HealthStatus     `json:"telemetry,omitempty"`
}

// CapabilityStatus reports one optional backend.
type CapabilityStatus struct {
	Configured bool   `json:"configured"`
	Detail     string `json:"detail,omitempty"`
}

// AutosaveStatus reports the write queue.
type AutosaveStatus struct {
	Pending int `json:"pending"`
}

// ContextRequest is the request body for POST /api/v1/context.
type ContextRequest struct {
	Query       string `json:"query"`
	MaxResults  int    `json:"maxResults,omitempty"`
	MinResults  int    `json:"minResults,omitempty"`
	SnippetSize int    `json:"snippetSize,omitempty"`
}

// ContextResponse is the response body for POST /api/v1/context.
type ContextResponse struct {
	Text           string          `json:"text"`
	RelatedEntries []journal.Entry `json:"relatedEntries"`
	Tier           assembler.Tier  `json:"tier"`
}

// SaveMemoryRequest is the request body for POST /api/v1/memories.
type SaveMemoryRequest struct {
	Text     string            `json:"text"`
	Source   string            `json:"source,omitempty"`
	SourceID string            `json:"sourceId,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SaveMemoryResponse reports an enqueue.
type SaveMemoryResponse struct {
	Status  autosave.Status `json:"status"`
	Pending int             `json:"pending"`
}

// EntryRequest is the request body for POST /api/v1/entries. An empty ID
// creates a new entry.
type EntryRequest struct {
	ID      string `json:"id,omitempty"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
}

// EntryResponse reports a stored entry.
type EntryResponse struct {
	Entry    journal.Entry   `json:"entry"`
	Autosave autosave.Status `json:"autosave"`
}

// DeleteEntryResponse reports an entry deletion.
type DeleteEntryResponse struct {
	ID        string `json:"id"`
	Forgotten int    `json:"forgotten"`
}

// ContentRequest is the request body for PUT /api/v1/threads/:thread/content.
type ContentRequest struct {
	Content string `json:"content"`
	// EditingStarted is false for content loaded when the editor opened.
	EditingStarted bool `json:"editingStarted"`
	Quick          bool `json:"quick,omitempty"`
}

// ContentResponse reports the reflection state after an edit.
type ContentResponse struct {
	State reflection.State `json:"state"`
}

// MessagesResponse is the response body for GET /api/v1/threads/:thread/messages.
type MessagesResponse struct {
	ThreadID string           `json:"threadId"`
	Messages []thread.Message `json:"messages"`
	Cursor   *thread.Cursor   `json:"cursor,omitempty"`
}

// AskRequest is the request body for POST /api/v1/threads/:thread/ask.
type AskRequest struct {
	Question string `json:"question"`
}

// TokenEvent is one SSE token of a streamed answer.
type TokenEvent struct {
	Token string `json:"token"`
}

// ErrorEvent is sent when a streamed answer fails.
type ErrorEvent struct {
	Error string `json:"error"`
}
