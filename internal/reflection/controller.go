package reflection

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reflectd/internal/embeddings"
	"github.com/fyrsmithlabs/reflectd/internal/settings"
	"github.com/fyrsmithlabs/reflectd/internal/textutil"
	"github.com/fyrsmithlabs/reflectd/internal/thread"
)

// State is the per-thread controller state.
type State string

const (
	StateIdle         State = "idle"
	StateArmedWaiting State = "armed_waiting"
	StateEvaluating   State = "evaluating"
	StateEmitting     State = "emitting"
)

// Config tunes the controller.
type Config struct {
	Debounce         time.Duration
	QuickDebounce    time.Duration
	FullContentLimit int
}

// DefaultConfig returns the stock debounce and target settings.
func DefaultConfig() Config {
	return Config{
		Debounce:         2000 * time.Millisecond,
		QuickDebounce:    1500 * time.Millisecond,
		FullContentLimit: 1200,
	}
}

// Request asks the emitter for one realtime reflection.
type Request struct {
	ThreadID string
	UserID   string
	// Target is the text to reflect on; it becomes the reflection's basis.
	Target string
}

// Emitter streams a reflection. It must stop applying output once ctx is
// cancelled and treat that as a normal end.
type Emitter interface {
	Reflect(ctx context.Context, req Request)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, req Request)

func (f EmitterFunc) Reflect(ctx context.Context, req Request) { f(ctx, req) }

// CursorReader exposes each thread's last realtime reflection.
type CursorReader interface {
	Cursor(threadID string) (thread.Cursor, bool)
}

// EditOptions describe one content change.
type EditOptions struct {
	UserID string
	// EditingStarted is false for content loaded when the session opened.
	EditingStarted bool
	// Quick selects the shorter debounce.
	Quick bool
	// Debounce overrides the configured delay when positive.
	Debounce time.Duration
}

type threadState struct {
	state   State
	gen     uint64
	content string
	opts    EditOptions
	timer   *time.Timer
	cancel  context.CancelFunc
}

// Controller runs the per-thread reflection state machines.
type Controller struct {
	cfg        Config
	settings   settings.Provider
	similarity embeddings.Similarity
	cursors    CursorReader
	emitter    Emitter
	logger     *zap.Logger
	decisions  metric.Int64Counter

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	threads map[string]*threadState
	stopped bool
}

// NewController creates a Controller. A nil similarity falls back to word
// overlap.
func NewController(cfg Config, st settings.Provider, similarity embeddings.Similarity, cursors CursorReader, emitter Emitter, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if similarity == nil {
		similarity = embeddings.TokenSimilarity{}
	}
	d := DefaultConfig()
	if cfg.Debounce <= 0 {
		cfg.Debounce = d.Debounce
	}
	if cfg.QuickDebounce <= 0 {
		cfg.QuickDebounce = d.QuickDebounce
	}
	if cfg.FullContentLimit <= 0 {
		cfg.FullContentLimit = d.FullContentLimit
	}

	decisions, err := otel.Meter("github.com/fyrsmithlabs/reflectd/internal/reflection").Int64Counter(
		"reflectd.reflection.decisions_total",
		metric.WithDescription("Reflection evaluations by outcome"),
		metric.WithUnit("{evaluation}"),
	)
	if err != nil {
		logger.Warn("failed to create decisions counter", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:        cfg,
		settings:   st,
		similarity: similarity,
		cursors:    cursors,
		emitter:    emitter,
		logger:     logger,
		decisions:  decisions,
		baseCtx:    ctx,
		baseCancel: cancel,
		threads:    make(map[string]*threadState),
	}
}

// ContentChanged records new content for a thread. It cancels any emission
// in flight and restarts the debounce timer.
func (c *Controller) ContentChanged(threadID, content string, opts EditOptions) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}

	ts, ok := c.threads[threadID]
	if !ok {
		ts = &threadState{state: StateIdle}
		c.threads[threadID] = ts
	}
	ts.gen++
	ts.content = content
	ts.opts = opts
	c.resetLocked(ts)

	if !c.settings.Current().AutoReflect {
		return
	}

	delay := c.cfg.Debounce
	if opts.Quick {
		delay = c.cfg.QuickDebounce
	}
	if opts.Debounce > 0 {
		delay = opts.Debounce
	}
	gen := ts.gen
	ts.state = StateArmedWaiting
	ts.timer = time.AfterFunc(delay, func() { c.evaluate(threadID, gen) })
}

// State returns a thread's current state.
func (c *Controller) State(threadID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.threads[threadID]; ok {
		return ts.state
	}
	return StateIdle
}

// Cancel stops any pending or in-flight reflection for a thread.
func (c *Controller) Cancel(threadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.threads[threadID]; ok {
		ts.gen++
		c.resetLocked(ts)
	}
}

// Stop cancels every timer and emission and waits for evaluations to end.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	for _, ts := range c.threads {
		ts.gen++
		c.resetLocked(ts)
	}
	c.mu.Unlock()

	c.baseCancel()
	c.wg.Wait()
}

// resetLocked stops the timer, cancels the emission and returns to Idle.
func (c *Controller) resetLocked(ts *threadState) {
	if ts.timer != nil {
		ts.timer.Stop()
		ts.timer = nil
	}
	if ts.cancel != nil {
		ts.cancel()
		ts.cancel = nil
	}
	ts.state = StateIdle
}

func (c *Controller) evaluate(threadID string, gen uint64) {
	c.mu.Lock()
	ts, ok := c.threads[threadID]
	if !ok || ts.gen != gen || c.stopped {
		c.mu.Unlock()
		return
	}
	ts.timer = nil
	ts.state = StateEvaluating
	content, opts := ts.content, ts.opts
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	log := c.logger.With(zap.String("thread.id", threadID))
	target, reason := c.decide(c.baseCtx, log, threadID, content, opts)

	c.mu.Lock()
	if ts.gen != gen || c.stopped {
		c.mu.Unlock()
		c.record(ReasonSuperseded)
		return
	}
	c.record(reason)
	if reason != ReasonEmit {
		ts.state = StateIdle
		c.mu.Unlock()
		log.Debug("reflection suppressed", zap.String("reason", string(reason)))
		return
	}
	ctx, cancel := context.WithCancel(c.baseCtx)
	ts.state = StateEmitting
	ts.cancel = cancel
	c.mu.Unlock()

	log.Debug("emitting reflection", zap.Int("target_length", textutil.RuneLen(target)))
	c.emitter.Reflect(ctx, Request{ThreadID: threadID, UserID: opts.UserID, Target: target})
	cancel()

	c.mu.Lock()
	if ts.gen == gen {
		ts.state = StateIdle
		ts.cancel = nil
	}
	c.mu.Unlock()
}

// decide runs the gates and the novelty check.
func (c *Controller) decide(ctx context.Context, log *zap.Logger, threadID, content string, opts EditOptions) (string, Reason) {
	st := c.settings.Current()
	if !st.AutoReflect {
		return "", ReasonDisabled
	}

	trimmed, reason := Gate(content, opts.EditingStarted, st.ReflectionMinLength)
	if reason != ReasonEmit {
		return "", reason
	}

	var (
		prior    thread.Cursor
		hasPrior bool
	)
	if c.cursors != nil {
		prior, hasPrior = c.cursors.Cursor(threadID)
	}
	target := Target(trimmed, hasPrior, c.cfg.FullContentLimit)
	if !hasPrior {
		return target, ReasonEmit
	}

	if textutil.RuneLen(target) < st.ReflectionMinLength {
		return "", ReasonTargetTooShort
	}
	sim, err := c.similarity.Similarity(ctx, target, prior.Basis)
	if err != nil {
		log.Warn("similarity check failed, treating content as novel", zap.Error(err))
		return target, ReasonEmit
	}
	if sim > st.ReflectionSimilarityThreshold {
		log.Debug("content too similar to last reflection", zap.Float64("similarity", sim))
		return "", ReasonTooSimilar
	}
	return target, ReasonEmit
}

func (c *Controller) record(reason Reason) {
	if c.decisions == nil {
		return
	}
	c.decisions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", string(reason))))
}
