// Package autosave coalesces best-effort writes into the memory gateway.
//
// Journal content, chat turns and reflections are enqueued as they happen.
// Writes of the same logical content within the dedupe TTL are dropped, the
// rest are queued and flushed in batches either on a timer or as soon as a
// full batch is waiting. Failed flushes are logged and the batch is lost.
package autosave

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reflectd/internal/memory"
	"github.com/fyrsmithlabs/reflectd/internal/textutil"
)

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("autosave coalescer closed")

// keyPrefixLen is how much of the text participates in the dedupe key.
const keyPrefixLen = 200

// Config tunes the coalescer.
type Config struct {
	DedupeTTL        time.Duration
	DedupeMaxEntries int
	SweepInterval    time.Duration
	BatchFlush       time.Duration
	MaxBatchSize     int
	MaxTextLen       int
}

// DefaultConfig returns the stock coalescer settings.
func DefaultConfig() Config {
	return Config{
		DedupeTTL:        30 * time.Second,
		DedupeMaxEntries: 4096,
		SweepInterval:    10 * time.Second,
		BatchFlush:       2 * time.Second,
		MaxBatchSize:     25,
		MaxTextLen:       2000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DedupeTTL <= 0 {
		c.DedupeTTL = d.DedupeTTL
	}
	if c.BatchFlush <= 0 {
		c.BatchFlush = d.BatchFlush
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.MaxTextLen <= 0 {
		c.MaxTextLen = d.MaxTextLen
	}
	return c
}

// Options describe one enqueued write.
type Options struct {
	UserID   string
	Source   memory.Source
	SourceID string
	Metadata map[string]string
}

// Status is the outcome of Enqueue.
type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusDuplicate Status = "duplicate"
	StatusEmpty     Status = "empty"
	StatusClosed    Status = "closed"
)

// FlushResult summarises a Flush call.
type FlushResult struct {
	Batches int `json:"batches"`
	Written int `json:"written"`
	Failed  int `json:"failed"`
}

type item struct {
	userID string
	record memory.NewRecord
}

// Enqueuer is the write half used by callers that only save.
type Enqueuer interface {
	Enqueue(text string, opts Options) Status
}

// Coalescer deduplicates and batches memory writes.
type Coalescer struct {
	gateway memory.Gateway
	cfg     Config
	dedupe  *DedupeCache
	metrics *Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	queue  []item
	timer  *time.Timer
	closed bool

	// flushMu serialises gateway submissions so batches land in queue order.
	flushMu sync.Mutex

	stopCh chan struct{}
	doneCh chan struct{}
}

var _ Enqueuer = (*Coalescer)(nil)

// New creates a Coalescer and starts its dedupe sweeper. Call Close to stop it.
func New(gateway memory.Gateway, cfg Config, logger *zap.Logger) *Coalescer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gateway == nil {
		gateway = memory.Unconfigured{}
	}
	cfg = cfg.withDefaults()

	c := &Coalescer{
		gateway: gateway,
		cfg:     cfg,
		dedupe:  NewDedupeCache(cfg.DedupeTTL, cfg.DedupeMaxEntries),
		metrics: NewMetrics(logger),
		logger:  logger,
		now:     time.Now,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	if cfg.SweepInterval > 0 {
		go c.sweepLoop(cfg.SweepInterval)
	} else {
		close(c.doneCh)
	}
	return c
}

// Key returns the dedupe key for text saved under source and sourceID.
func Key(source memory.Source, sourceID, text string) string {
	h := sha256.New()
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(sourceID))
	h.Write([]byte{0})
	h.Write([]byte(textutil.Prefix(text, keyPrefixLen)))
	return hex.EncodeToString(h.Sum(nil))
}

func scope(source memory.Source, sourceID string) string {
	return string(source) + "\x00" + sourceID
}

func copyMetadata(md map[string]string) map[string]string {
	if md == nil {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

// Enqueue queues text for a later batched write. It never blocks on I/O.
func (c *Coalescer) Enqueue(text string, opts Options) Status {
	ctx := context.Background()
	if strings.TrimSpace(text) == "" {
		return StatusEmpty
	}
	text = textutil.Truncate(text, c.cfg.MaxTextLen)
	if opts.Source == "" {
		opts.Source = memory.SourceJournal
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return StatusClosed
	}
	if !c.dedupe.AdmitScoped(scope(opts.Source, opts.SourceID), Key(opts.Source, opts.SourceID, text), c.now()) {
		c.mu.Unlock()
		c.metrics.RecordEnqueue(ctx, opts.Source, StatusDuplicate)
		c.logger.Debug("autosave skipped duplicate",
			zap.String("source", string(opts.Source)),
			zap.String("source_id", opts.SourceID))
		return StatusDuplicate
	}

	c.queue = append(c.queue, item{
		userID: opts.UserID,
		record: memory.NewRecord{
			Text:     text,
			Source:   opts.Source,
			SourceID: opts.SourceID,
			Metadata: copyMetadata(opts.Metadata),
		},
	})
	full := len(c.queue) >= c.cfg.MaxBatchSize
	if full {
		c.stopTimerLocked()
	} else if c.timer == nil {
		c.timer = time.AfterFunc(c.cfg.BatchFlush, c.onTimer)
	}
	c.mu.Unlock()

	c.metrics.RecordEnqueue(ctx, opts.Source, StatusAccepted)
	if full {
		go c.flushBatch(ctx)
	}
	return StatusAccepted
}

// Invalidate forgets what was saved under source and sourceID: their dedupe
// keys are dropped and queued writes not yet flushed are discarded. It
// returns the number of discarded writes.
func (c *Coalescer) Invalidate(source memory.Source, sourceID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dedupe.ForgetScope(scope(source, sourceID))
	kept := c.queue[:0]
	for _, it := range c.queue {
		if it.record.Source == source && it.record.SourceID == sourceID {
			continue
		}
		kept = append(kept, it)
	}
	dropped := len(c.queue) - len(kept)
	for i := len(kept); i < len(c.queue); i++ {
		c.queue[i] = item{}
	}
	c.queue = kept
	if len(c.queue) == 0 {
		c.stopTimerLocked()
	}
	return dropped
}

// Pending returns the number of queued items.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Flush delivers every pending item now, one batch at a time.
func (c *Coalescer) Flush(ctx context.Context) (FlushResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return FlushResult{}, ErrClosed
	}
	c.stopTimerLocked()
	c.mu.Unlock()

	return c.drain(ctx), nil
}

// Close stops the sweeper and timers and delivers whatever is still queued.
// It is safe to call more than once.
func (c *Coalescer) Close(ctx context.Context) FlushResult {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return FlushResult{}
	}
	c.closed = true
	c.stopTimerLocked()
	c.mu.Unlock()

	close(c.stopCh)
	<-c.doneCh
	return c.drain(ctx)
}

func (c *Coalescer) drain(ctx context.Context) FlushResult {
	var total FlushResult
	for {
		res, more := c.flushOnce(ctx)
		total.Batches += res.Batches
		total.Written += res.Written
		total.Failed += res.Failed
		if !more || ctx.Err() != nil {
			return total
		}
	}
}

func (c *Coalescer) onTimer() {
	c.mu.Lock()
	c.timer = nil
	c.mu.Unlock()
	c.flushBatch(context.Background())
}

// flushBatch writes one batch and reschedules if items remain.
func (c *Coalescer) flushBatch(ctx context.Context) {
	_, more := c.flushOnce(ctx)
	if !more {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || len(c.queue) == 0 {
		return
	}
	if len(c.queue) >= c.cfg.MaxBatchSize {
		go c.flushBatch(ctx)
		return
	}
	if c.timer == nil {
		c.timer = time.AfterFunc(c.cfg.BatchFlush, c.onTimer)
	}
}

// flushOnce takes up to MaxBatchSize items from the front of the queue and
// submits them. It reports whether items remain.
func (c *Coalescer) flushOnce(ctx context.Context) (FlushResult, bool) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	n := len(c.queue)
	if n > c.cfg.MaxBatchSize {
		n = c.cfg.MaxBatchSize
	}
	batch := make([]item, n)
	copy(batch, c.queue[:n])
	c.queue = c.queue[n:]
	if len(c.queue) == 0 {
		c.queue = nil
	}
	more := len(c.queue) > 0
	c.mu.Unlock()

	if n == 0 {
		return FlushResult{}, more
	}

	res := c.submit(ctx, batch)
	c.metrics.RecordFlush(ctx, n, res.Written, res.Failed)
	return res, more
}

func (c *Coalescer) submit(ctx context.Context, batch []item) FlushResult {
	res := FlushResult{Batches: 1}

	if !memory.SupportsBatch(c.gateway) {
		for _, it := range batch {
			if c.write(ctx, it.userID, []memory.NewRecord{it.record}) {
				res.Written++
			} else {
				res.Failed++
			}
		}
		return res
	}

	// One Add per run of items sharing a user, preserving order.
	for start := 0; start < len(batch); {
		end := start + 1
		for end < len(batch) && batch[end].userID == batch[start].userID {
			end++
		}
		records := make([]memory.NewRecord, 0, end-start)
		for _, it := range batch[start:end] {
			records = append(records, it.record)
		}
		if c.write(ctx, batch[start].userID, records) {
			res.Written += len(records)
		} else {
			res.Failed += len(records)
		}
		start = end
	}
	return res
}

func (c *Coalescer) write(ctx context.Context, userID string, records []memory.NewRecord) bool {
	result, err := c.gateway.Add(ctx, records, memory.AddOptions{UserID: userID})
	if err == nil && !result.Success {
		err = errors.New("gateway reported failure")
	}
	if err != nil {
		if errors.Is(err, memory.ErrNotConfigured) {
			c.logger.Debug("autosave dropped batch", zap.Int("records", len(records)), zap.Error(err))
		} else {
			c.logger.Warn("autosave flush failed", zap.Int("records", len(records)), zap.Error(err))
		}
		return false
	}
	return true
}

func (c *Coalescer) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Coalescer) sweepLoop(interval time.Duration) {
	defer close(c.doneCh)
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("dedupe sweeper panicked", zap.Any("panic", r))
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := c.dedupe.Sweep(c.now()); n > 0 {
				c.logger.Debug("swept dedupe keys", zap.Int("removed", n), zap.Int("remaining", c.dedupe.Len()))
			}
		case <-c.stopCh:
			return
		}
	}
}
