package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/reflectd/internal/autosave"
	"github.com/fyrsmithlabs/reflectd/internal/logging"
	"github.com/fyrsmithlabs/reflectd/internal/memory"
	"github.com/fyrsmithlabs/reflectd/internal/nudge"
	"github.com/fyrsmithlabs/reflectd/internal/settings"
	"github.com/fyrsmithlabs/reflectd/internal/thread"
)

type enqueued struct {
	text string
	opts autosave.Options
}

type recordingSaver struct {
	mu    sync.Mutex
	calls []enqueued
}

func (s *recordingSaver) Enqueue(text string, opts autosave.Options) autosave.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, enqueued{text, opts})
	return autosave.StatusAccepted
}

func (s *recordingSaver) Calls() []enqueued {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]enqueued(nil), s.calls...)
}

type recordingNudger struct {
	mu   sync.Mutex
	reqs []nudge.Request
	err  error
}

func (n *recordingNudger) RequestNudges(_ context.Context, req nudge.Request) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reqs = append(n.reqs, req)
	return n.err
}

// countingSink wraps a thread store and counts updates.
type countingSink struct {
	*thread.Store
	mu      sync.Mutex
	updates []string
}

func (s *countingSink) Update(threadID, messageID, content string) error {
	s.mu.Lock()
	s.updates = append(s.updates, content)
	s.mu.Unlock()
	return s.Store.Update(threadID, messageID, content)
}

func (s *countingSink) Updates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.updates...)
}

func feed(tokens ...string) (<-chan string, <-chan error) {
	ch := make(chan string, len(tokens))
	errs := make(chan error, 1)
	for _, tok := range tokens {
		ch <- tok
	}
	close(ch)
	close(errs)
	return ch, errs
}

func newSink() *countingSink {
	return &countingSink{Store: thread.NewStore(nil)}
}

// Scenario: ["Hel", "lo"] ends as "Hello" with exactly one autosave.
func TestRelay_HelloScenario(t *testing.T) {
	sink := newSink()
	saver := &recordingSaver{}
	r := New(sink, saver, settings.Static(settings.Settings{}), nil)

	tokens, errs := feed("Hel", "lo")
	res := r.Run(context.Background(), tokens, errs, Options{ThreadID: "global", UserID: "u1"})

	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, "Hello", res.Text)
	msg, err := sink.Get("global", res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, "Hello", msg.Content)
	assert.Equal(t, thread.RoleAssistant, msg.Role)

	calls := saver.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Hello", calls[0].text)
	assert.Equal(t, memory.SourceConversation, calls[0].opts.Source)
	assert.Equal(t, "global", calls[0].opts.SourceID)
	assert.Equal(t, "u1", calls[0].opts.UserID)
	assert.Equal(t, res.MessageID, calls[0].opts.Metadata["messageId"])
}

func TestRelay_RealtimeUpdatesEveryToken(t *testing.T) {
	sink := newSink()
	saver := &recordingSaver{}
	r := New(sink, saver, settings.Static(settings.Settings{}), nil)

	tokens, errs := feed("You ", "seem ", "calm.")
	res := r.Run(context.Background(), tokens, errs, Options{
		ThreadID: "entry:e1", Realtime: true, Basis: "I sat by the lake.", SourceID: "e1",
	})

	assert.Equal(t, []string{"You ", "You seem ", "You seem calm."}, sink.Updates())

	cur, ok := sink.Cursor("entry:e1")
	require.True(t, ok)
	assert.Equal(t, res.MessageID, cur.MessageID)
	assert.Equal(t, "I sat by the lake.", cur.Basis)

	calls := saver.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, memory.SourceRealtimeReflection, calls[0].opts.Source)
	assert.Equal(t, "e1", calls[0].opts.SourceID)
}

func TestRelay_ChatUpdatesThrottled(t *testing.T) {
	sink := newSink()
	r := New(sink, &recordingSaver{}, settings.Static(settings.Settings{}), nil, WithThrottle(time.Hour))

	tokens, errs := feed("a", "b", "c", "d")
	res := r.Run(context.Background(), tokens, errs, Options{ThreadID: "global"})

	assert.Equal(t, []string{"a", "abcd"}, sink.Updates(), "first token and the final update only")
	assert.Equal(t, "abcd", res.Text)
}

func TestRelay_ErrorStopsWithoutPersisting(t *testing.T) {
	log := logging.NewTestLogger()
	sink := newSink()
	saver := &recordingSaver{}
	nudger := &recordingNudger{}
	r := New(sink, saver, settings.Static(settings.Settings{Nudges: true}), log.Logger, WithNudger(nudger))

	tokens := make(chan string, 1)
	errs := make(chan error, 1)
	tokens <- "partial"
	go func() {
		time.Sleep(20 * time.Millisecond)
		errs <- errors.New("upstream reset")
	}()

	res := r.Run(context.Background(), tokens, errs, Options{ThreadID: "global"})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.EqualError(t, res.Err, "upstream reset")
	assert.Equal(t, "partial", res.Text)

	msg, err := sink.Get("global", res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, "partial", msg.Content, "already flushed text stays")
	assert.Empty(t, saver.Calls())
	assert.Empty(t, nudger.reqs)
	log.AssertLogged(t, zapcore.WarnLevel, "token stream failed")
}

func TestRelay_ErrorQueuedBeforeClose(t *testing.T) {
	saver := &recordingSaver{}
	r := New(newSink(), saver, settings.Static(settings.Settings{}), nil)

	tokens := make(chan string, 1)
	errs := make(chan error, 1)
	tokens <- "x"
	errs <- errors.New("truncated")
	close(tokens)

	res := r.Run(context.Background(), tokens, errs, Options{ThreadID: "t"})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Empty(t, saver.Calls())
}

func TestRelay_CancellationStopsApplyingTokens(t *testing.T) {
	sink := newSink()
	saver := &recordingSaver{}
	r := New(sink, saver, settings.Static(settings.Settings{}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	tokens := make(chan string)
	done := make(chan Result, 1)
	go func() {
		done <- r.Run(ctx, tokens, nil, Options{ThreadID: "entry:e1", Realtime: true})
	}()

	tokens <- "Kept "
	tokens <- "too."
	require.Eventually(t, func() bool { return len(sink.Updates()) == 2 }, time.Second, time.Millisecond)
	cancel()

	var res Result
	select {
	case res = <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not observe cancellation")
	}
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.NoError(t, res.Err)
	assert.Equal(t, "Kept too.", res.Text)
	assert.Empty(t, saver.Calls())

	msg, err := sink.Get("entry:e1", res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, "Kept too.", msg.Content)
}

// slowSink blocks inside Update until released.
type slowSink struct {
	*countingSink
	entered chan struct{}
	release chan struct{}
}

func (s *slowSink) Update(threadID, messageID, content string) error {
	s.entered <- struct{}{}
	<-s.release
	return s.countingSink.Update(threadID, messageID, content)
}

func TestRelay_CancelledThenClosedNeverCompletes(t *testing.T) {
	for i := 0; i < 50; i++ {
		sink := &slowSink{countingSink: newSink(), entered: make(chan struct{}, 1), release: make(chan struct{})}
		saver := &recordingSaver{}
		nudger := &recordingNudger{}
		r := New(sink, saver, settings.Static(settings.Settings{Nudges: true}), nil, WithNudger(nudger))

		ctx, cancel := context.WithCancel(context.Background())
		tokens := make(chan string, 1)
		done := make(chan Result, 1)
		go func() {
			done <- r.Run(ctx, tokens, nil, Options{ThreadID: "entry:e1", Realtime: true})
		}()

		tokens <- "Half a thought"
		<-sink.entered
		cancel()
		close(tokens)
		close(sink.release)

		res := <-done
		require.Equal(t, OutcomeCancelled, res.Outcome, "iteration %d", i)
		assert.Empty(t, saver.Calls())
		assert.Empty(t, nudger.reqs)
		assert.Len(t, sink.Updates(), 1, "no update after cancellation")
	}
}

func TestRelay_EmptyStreamCreatesNothing(t *testing.T) {
	sink := newSink()
	saver := &recordingSaver{}
	r := New(sink, saver, settings.Static(settings.Settings{}), nil)

	tokens, errs := feed()
	res := r.Run(context.Background(), tokens, errs, Options{ThreadID: "global"})
	assert.Equal(t, OutcomeEmpty, res.Outcome)
	assert.Empty(t, res.MessageID)
	assert.Empty(t, sink.Messages("global"))
	assert.Empty(t, saver.Calls())
}

func TestRelay_NudgesWhenEnabled(t *testing.T) {
	nudger := &recordingNudger{}
	r := New(newSink(), &recordingSaver{}, settings.Static(settings.Settings{Nudges: true}), nil, WithNudger(nudger))

	tokens, errs := feed("Reply.")
	res := r.Run(context.Background(), tokens, errs, Options{ThreadID: "global", UserID: "u1"})

	require.Len(t, nudger.reqs, 1)
	assert.Equal(t, res.MessageID, nudger.reqs[0].MessageID)
	assert.Equal(t, "Reply.", nudger.reqs[0].Text)
}

func TestRelay_NudgesDisabled(t *testing.T) {
	nudger := &recordingNudger{}
	r := New(newSink(), &recordingSaver{}, settings.Static(settings.Settings{Nudges: false}), nil, WithNudger(nudger))

	tokens, errs := feed("Reply.")
	r.Run(context.Background(), tokens, errs, Options{ThreadID: "global"})
	assert.Empty(t, nudger.reqs)
}

func TestRelay_NudgeFailureIsLoggedOnly(t *testing.T) {
	log := logging.NewTestLogger()
	nudger := &recordingNudger{err: errors.New("nats down")}
	saver := &recordingSaver{}
	r := New(newSink(), saver, settings.Static(settings.Settings{Nudges: true}), log.Logger, WithNudger(nudger))

	tokens, errs := feed("Reply.")
	res := r.Run(context.Background(), tokens, errs, Options{ThreadID: "global"})
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Len(t, saver.Calls(), 1)
	log.AssertLogged(t, zapcore.WarnLevel, "nudge request failed")
}

func TestRelay_OnToken(t *testing.T) {
	var got []string
	r := New(newSink(), nil, nil, nil)
	tokens, errs := feed("a", "", "b")
	r.Run(context.Background(), tokens, errs, Options{ThreadID: "t", OnToken: func(tok string) { got = append(got, tok) }})
	assert.Equal(t, []string{"a", "b"}, got)
}
