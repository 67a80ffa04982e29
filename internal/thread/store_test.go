package thread

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindGlobal, KindOf(GlobalID))
	assert.Equal(t, KindEntry, KindOf(EntryThreadID("e1")))
	assert.Equal(t, KindConversation, KindOf("c-42"))
	assert.Equal(t, "e1", EntryID("entry:e1"))
	assert.Empty(t, EntryID("global"))
}

func TestStore_CreateAndUpdate(t *testing.T) {
	s := NewStore(nil)

	msg := s.Create("t1", NewMessage{Role: RoleAssistant})
	assert.NotEmpty(t, msg.ID)
	assert.Empty(t, msg.Content)

	require.NoError(t, s.Update("t1", msg.ID, "Hel"))
	require.NoError(t, s.Update("t1", msg.ID, "Hello"))

	got, err := s.Get("t1", msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello", got.Content)

	assert.ErrorIs(t, s.Update("t1", "nope", "x"), ErrMessageNotFound)
	assert.ErrorIs(t, s.Update("t2", msg.ID, "x"), ErrMessageNotFound)
}

func TestStore_MessagesInOrder(t *testing.T) {
	s := NewStore(nil)
	s.Create("t1", NewMessage{Role: RoleUser, Content: "q"})
	s.Create("t1", NewMessage{Role: RoleAssistant, Content: "a"})

	msgs := s.Messages("t1")
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, RoleAssistant, msgs[1].Role)
	assert.Empty(t, s.Messages("unknown"))
}

func TestStore_CursorFollowsRealtimeMessages(t *testing.T) {
	s := NewStore(nil)

	_, ok := s.Cursor("entry:e1")
	assert.False(t, ok)

	s.Create("entry:e1", NewMessage{Role: RoleAssistant, Content: "chat reply"})
	_, ok = s.Cursor("entry:e1")
	assert.False(t, ok, "non-realtime messages do not move the cursor")

	first := s.Create("entry:e1", NewMessage{Role: RoleAssistant, Realtime: true, Basis: "I went outside."})
	cur, ok := s.Cursor("entry:e1")
	require.True(t, ok)
	assert.Equal(t, first.ID, cur.MessageID)
	assert.Equal(t, "I went outside.", cur.Basis)

	second := s.Create("entry:e1", NewMessage{Role: RoleAssistant, Realtime: true, Basis: "Then it rained."})
	cur, _ = s.Cursor("entry:e1")
	assert.Equal(t, second.ID, cur.MessageID)
	assert.Equal(t, "Then it rained.", cur.Basis)
}

func TestStore_Subscribe(t *testing.T) {
	s := NewStore(nil)
	events, cancel := s.Subscribe("t1")

	msg := s.Create("t1", NewMessage{Role: RoleAssistant})
	require.NoError(t, s.Update("t1", msg.ID, "hi"))
	s.SetContent("t1", "draft")
	s.Create("other", NewMessage{Role: RoleUser, Content: "ignored"})

	ev := <-events
	assert.Equal(t, EventCreated, ev.Type)
	assert.Equal(t, msg.ID, ev.Message.ID)
	ev = <-events
	assert.Equal(t, EventUpdated, ev.Type)
	assert.Equal(t, "hi", ev.Message.Content)
	ev = <-events
	assert.Equal(t, EventContent, ev.Type)
	assert.Equal(t, "draft", ev.Content)

	cancel()
	cancel()
	_, open := <-events
	assert.False(t, open)
	assert.Equal(t, "draft", s.Content("t1"))
}

func TestStore_SlowSubscriberDoesNotBlock(t *testing.T) {
	s := NewStore(nil)
	_, cancel := s.Subscribe("t1")
	defer cancel()

	for i := 0; i < subscriberBuffer*2; i++ {
		s.Create("t1", NewMessage{Role: RoleUser, Content: "x"})
	}
	assert.Len(t, s.Messages("t1"), subscriberBuffer*2)
}

func TestStore_ConcurrentStreams(t *testing.T) {
	s := NewStore(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := s.Create("t1", NewMessage{Role: RoleAssistant})
			for j := 0; j < 20; j++ {
				_ = s.Update("t1", m.ID, "tok")
			}
		}()
	}
	wg.Wait()
	assert.Len(t, s.Messages("t1"), 8)
}
