// Package thread holds conversation threads and their messages.
//
// Threads are keyed by ID. "global" is the companion chat, "entry:<id>" is
// the reflection side panel of a journal entry, anything else is a free
// conversation. Messages are addressed by ID so concurrent streams into the
// same thread never reorder each other.
package thread

import (
	"errors"
	"strings"
	"time"
)

// ErrMessageNotFound is returned when updating an unknown message.
var ErrMessageNotFound = errors.New("message not found")

// Kind classifies a thread.
type Kind string

const (
	KindGlobal       Kind = "global"
	KindEntry        Kind = "entry"
	KindConversation Kind = "conversation"
)

// GlobalID is the ID of the companion thread.
const GlobalID = "global"

const entryPrefix = "entry:"

// EntryThreadID returns the thread ID attached to a journal entry.
func EntryThreadID(entryID string) string {
	return entryPrefix + entryID
}

// KindOf classifies a thread ID.
func KindOf(threadID string) Kind {
	switch {
	case threadID == GlobalID:
		return KindGlobal
	case strings.HasPrefix(threadID, entryPrefix):
		return KindEntry
	default:
		return KindConversation
	}
}

// EntryID returns the journal entry ID of an entry thread, or "".
func EntryID(threadID string) string {
	if KindOf(threadID) != KindEntry {
		return ""
	}
	return strings.TrimPrefix(threadID, entryPrefix)
}

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one message in a thread.
type Message struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
	Role     Role   `json:"role"`
	Content  string `json:"content"`

	// Realtime marks an unsolicited reflection; Basis is the content it reflected on.
	Realtime bool   `json:"realtime,omitempty"`
	Basis    string `json:"basis,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewMessage describes a message to create.
type NewMessage struct {
	Role     Role
	Content  string
	Realtime bool
	Basis    string
}

// Cursor records the most recent realtime reflection in a thread.
type Cursor struct {
	MessageID string    `json:"messageId"`
	Basis     string    `json:"basis"`
	At        time.Time `json:"at"`
}

// EventType is the kind of change a subscriber is told about.
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventContent EventType = "content"
)

// Event is published to thread subscribers.
type Event struct {
	Type    EventType `json:"type"`
	Message *Message  `json:"message,omitempty"`
	Content string    `json:"content,omitempty"`
}
