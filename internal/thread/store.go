package thread

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const subscriberBuffer = 64

type state struct {
	content  string
	messages []*Message
	index    map[string]*Message
	cursor   *Cursor
	subs     map[int]chan Event
}

// Store is an in-memory, concurrency-safe thread store.
type Store struct {
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	threads map[string]*state
	nextSub int
}

// NewStore creates an empty Store.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		logger:  logger,
		now:     time.Now,
		threads: make(map[string]*state),
	}
}

func (s *Store) thread(id string) *state {
	t, ok := s.threads[id]
	if !ok {
		t = &state{index: make(map[string]*Message), subs: make(map[int]chan Event)}
		s.threads[id] = t
	}
	return t
}

// Create appends a message to the thread. Creating a realtime message moves
// the thread's reflection cursor to it in the same critical section.
func (s *Store) Create(threadID string, m NewMessage) Message {
	now := s.now().UTC()
	msg := &Message{
		ID:        ulid.Make().String(),
		ThreadID:  threadID,
		Role:      m.Role,
		Content:   m.Content,
		Realtime:  m.Realtime,
		Basis:     m.Basis,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	t := s.thread(threadID)
	t.messages = append(t.messages, msg)
	t.index[msg.ID] = msg
	if msg.Realtime {
		t.cursor = &Cursor{MessageID: msg.ID, Basis: msg.Basis, At: now}
	}
	out := *msg
	s.publishLocked(t, Event{Type: EventCreated, Message: &out})
	s.mu.Unlock()

	return out
}

// Update replaces the content of a message.
func (s *Store) Update(threadID, messageID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok {
		return ErrMessageNotFound
	}
	msg, ok := t.index[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	msg.Content = content
	msg.UpdatedAt = s.now().UTC()

	out := *msg
	s.publishLocked(t, Event{Type: EventUpdated, Message: &out})
	return nil
}

// Get returns a single message.
func (s *Store) Get(threadID, messageID string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return Message{}, ErrMessageNotFound
	}
	msg, ok := t.index[messageID]
	if !ok {
		return Message{}, ErrMessageNotFound
	}
	return *msg, nil
}

// Messages returns a copy of the thread's messages in creation order.
func (s *Store) Messages(threadID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return []Message{}
	}
	out := make([]Message, len(t.messages))
	for i, m := range t.messages {
		out[i] = *m
	}
	return out
}

// Cursor returns the thread's most recent realtime reflection, if any.
func (s *Store) Cursor(threadID string) (Cursor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok || t.cursor == nil {
		return Cursor{}, false
	}
	return *t.cursor, true
}

// SetContent records the editor content of a thread.
func (s *Store) SetContent(threadID, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.thread(threadID)
	t.content = content
	s.publishLocked(t, Event{Type: EventContent, Content: content})
}

// Content returns the last recorded editor content of a thread.
func (s *Store) Content(threadID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.threads[threadID]; ok {
		return t.content
	}
	return ""
}

// Subscribe returns a channel of events for threadID and a cancel function
// that closes it. Slow subscribers drop events rather than block writers.
func (s *Store) Subscribe(threadID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	s.mu.Lock()
	t := s.thread(threadID)
	id := s.nextSub
	s.nextSub++
	t.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(t.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) publishLocked(t *state, ev Event) {
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("dropping thread event for slow subscriber", zap.String("event", string(ev.Type)))
		}
	}
}
