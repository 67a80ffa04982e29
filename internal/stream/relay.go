// Package stream relays LLM token streams into thread messages.
//
// The first token creates the destination message and later tokens update
// it in place. Realtime reflections update on every token; chat answers are
// throttled, with a final update guaranteeing no trailing tokens are lost.
// A completed stream is autosaved and may request nudges; a cancelled or
// failed stream keeps what was already applied and persists nothing.
package stream

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reflectd/internal/autosave"
	"github.com/fyrsmithlabs/reflectd/internal/memory"
	"github.com/fyrsmithlabs/reflectd/internal/nudge"
	"github.com/fyrsmithlabs/reflectd/internal/settings"
	"github.com/fyrsmithlabs/reflectd/internal/thread"
)

// DefaultThrottle is the minimum interval between chat message updates.
const DefaultThrottle = 50 * time.Millisecond

// Outcome is how a relayed stream ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
	OutcomeEmpty     Outcome = "empty"
)

// Sink receives message writes; *thread.Store implements it.
type Sink interface {
	Create(threadID string, m thread.NewMessage) thread.Message
	Update(threadID, messageID, content string) error
}

// Options describe the destination of one stream.
type Options struct {
	ThreadID string
	UserID   string
	Role     thread.Role

	// Realtime streams are unthrottled and tagged as realtime reflections.
	Realtime bool
	// Basis is recorded on realtime messages as the content reflected on.
	Basis string

	// Source and SourceID tag the autosaved text. Source defaults from Realtime.
	Source   memory.Source
	SourceID string

	// OnToken, if set, is called with each applied token.
	OnToken func(token string)
}

// Result reports a relayed stream.
type Result struct {
	MessageID string  `json:"messageId,omitempty"`
	Text      string  `json:"text"`
	Outcome   Outcome `json:"outcome"`
	Err       error   `json:"-"`
}

// Relay moves tokens into a Sink.
type Relay struct {
	sink     Sink
	saver    autosave.Enqueuer
	nudger   nudge.Requester
	settings settings.Provider
	throttle time.Duration
	logger   *zap.Logger
	now      func() time.Time
	streams  metric.Int64Counter
}

// Option configures a Relay.
type Option func(*Relay)

// WithThrottle sets the chat update interval.
func WithThrottle(d time.Duration) Option {
	return func(r *Relay) { r.throttle = d }
}

// WithNudger sets the nudge requester.
func WithNudger(n nudge.Requester) Option {
	return func(r *Relay) { r.nudger = n }
}

// New creates a Relay.
func New(sink Sink, saver autosave.Enqueuer, st settings.Provider, logger *zap.Logger, opts ...Option) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Relay{
		sink:     sink,
		saver:    saver,
		nudger:   nudge.Unconfigured{},
		settings: st,
		throttle: DefaultThrottle,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	var err error
	r.streams, err = otel.Meter("github.com/fyrsmithlabs/reflectd/internal/stream").Int64Counter(
		"reflectd.stream.relayed_total",
		metric.WithDescription("Relayed token streams by outcome"),
		metric.WithUnit("{stream}"),
	)
	if err != nil {
		logger.Warn("failed to create streams counter", zap.Error(err))
	}
	return r
}

// Run consumes tokens until the stream ends, fails or ctx is cancelled.
// errs may be nil. Cancellation is checked between tokens and is reported
// as OutcomeCancelled, not as an error.
func (r *Relay) Run(ctx context.Context, tokens <-chan string, errs <-chan error, opts Options) Result {
	if opts.Role == "" {
		opts.Role = thread.RoleAssistant
	}
	log := r.logger.With(zap.String("thread.id", opts.ThreadID), zap.Bool("realtime", opts.Realtime))

	var (
		res        Result
		text       string
		flushed    string
		lastUpdate time.Time
	)
	apply := func() {
		if text == flushed {
			return
		}
		if err := r.sink.Update(opts.ThreadID, res.MessageID, text); err != nil {
			log.Warn("updating streamed message", zap.String("message_id", res.MessageID), zap.Error(err))
			return
		}
		flushed = text
		lastUpdate = r.now()
	}
	finish := func(outcome Outcome, err error) Result {
		res.Text = flushed
		res.Outcome = outcome
		res.Err = err
		r.record(ctx, opts, outcome)
		return res
	}

	for {
		select {
		case <-ctx.Done():
			return finish(OutcomeCancelled, nil)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				log.Warn("token stream failed", zap.Error(err))
				return finish(OutcomeFailed, err)
			}

		case tok, ok := <-tokens:
			if !ok {
				// Providers close tokens without an error on cancellation.
				if ctx.Err() != nil {
					return finish(OutcomeCancelled, nil)
				}
				if err := pendingError(errs); err != nil {
					log.Warn("token stream failed", zap.Error(err))
					return finish(OutcomeFailed, err)
				}
				if text == "" {
					return finish(OutcomeEmpty, nil)
				}
				apply()
				out := finish(OutcomeCompleted, nil)
				r.complete(ctx, log, opts, out)
				return out
			}
			if ctx.Err() != nil {
				return finish(OutcomeCancelled, nil)
			}
			if tok == "" {
				continue
			}

			if res.MessageID == "" {
				msg := r.sink.Create(opts.ThreadID, thread.NewMessage{
					Role:     opts.Role,
					Realtime: opts.Realtime,
					Basis:    opts.Basis,
				})
				res.MessageID = msg.ID
			}
			text += tok
			if opts.OnToken != nil {
				opts.OnToken(tok)
			}
			if opts.Realtime || r.throttle <= 0 || r.now().Sub(lastUpdate) >= r.throttle {
				apply()
			}
		}
	}
}

// pendingError reads an error already queued on errs without blocking.
func pendingError(errs <-chan error) error {
	if errs == nil {
		return nil
	}
	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}

func (r *Relay) complete(ctx context.Context, log *zap.Logger, opts Options, res Result) {
	source := opts.Source
	if source == "" {
		source = memory.SourceConversation
		if opts.Realtime {
			source = memory.SourceRealtimeReflection
		}
	}
	sourceID := opts.SourceID
	if sourceID == "" {
		sourceID = opts.ThreadID
	}

	if r.saver != nil {
		r.saver.Enqueue(res.Text, autosave.Options{
			UserID:   opts.UserID,
			Source:   source,
			SourceID: sourceID,
			Metadata: map[string]string{
				"role":      string(opts.Role),
				"threadId":  opts.ThreadID,
				"messageId": res.MessageID,
			},
		})
	}

	if r.settings == nil || !r.settings.Current().Nudges {
		return
	}
	err := r.nudger.RequestNudges(ctx, nudge.Request{
		ThreadID:  opts.ThreadID,
		MessageID: res.MessageID,
		UserID:    opts.UserID,
		Text:      res.Text,
		Realtime:  opts.Realtime,
	})
	switch {
	case err == nil:
	case errors.Is(err, nudge.ErrNotConfigured):
		log.Debug("nudges not configured")
	default:
		log.Warn("nudge request failed", zap.Error(err))
	}
}

func (r *Relay) record(ctx context.Context, opts Options, outcome Outcome) {
	if r.streams == nil {
		return
	}
	r.streams.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("outcome", string(outcome)),
		attribute.Bool("realtime", opts.Realtime),
	))
}
