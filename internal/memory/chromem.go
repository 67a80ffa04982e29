package memory

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("reflectd.memory.chromem")

// listProbe is the text embedded once to rank every record for GetAll, since
// chromem collections cannot be enumerated directly.
const listProbe = "journal"

// ChromemConfig configures the embedded chromem-go backend.
type ChromemConfig struct {
	// Path of the persistence directory. Empty keeps the database in memory.
	Path       string
	Compress   bool
	Collection string
}

// ChromemGateway is a Gateway backed by an embedded chromem-go database.
type ChromemGateway struct {
	db         *chromem.DB
	collection *chromem.Collection
	embedder   Embedder
	logger     *zap.Logger
	now        func() time.Time

	probeMu sync.Mutex
	probe   []float32
}

var (
	_ Gateway     = (*ChromemGateway)(nil)
	_ BatchWriter = (*ChromemGateway)(nil)
)

// NewChromemGateway opens (or creates) the chromem database and collection.
func NewChromemGateway(cfg ChromemConfig, embedder Embedder, logger *zap.Logger) (*ChromemGateway, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Collection == "" {
		cfg.Collection = "reflectd_memories"
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", cfg.Path, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	g := &ChromemGateway{
		db:       db,
		embedder: embedder,
		logger:   logger,
		now:      time.Now,
	}

	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, g.embeddingFunc())
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", cfg.Collection, err)
	}
	g.collection = collection

	logger.Info("chromem memory gateway initialized",
		zap.String("path", cfg.Path),
		zap.Bool("compress", cfg.Compress),
		zap.String("collection", cfg.Collection),
		zap.Int("records", collection.Count()),
	)
	return g, nil
}

func (g *ChromemGateway) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return g.embedder.EmbedQuery(ctx, text)
	}
}

// SupportsBatch implements BatchWriter.
func (g *ChromemGateway) SupportsBatch() bool { return true }

// Add embeds and stores records in one call.
func (g *ChromemGateway) Add(ctx context.Context, records []NewRecord, opts AddOptions) (AddResult, error) {
	ctx, span := chromemTracer.Start(ctx, "memory.chromem.Add")
	defer span.End()
	span.SetAttributes(attribute.Int("record_count", len(records)))

	if len(records) == 0 {
		return AddResult{Success: true}, nil
	}
	if err := validateRecords(records); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return AddResult{}, err
	}

	texts := make([]string, len(records))
	for i, r := range records {
		texts[i] = r.Text
	}
	vectors, err := g.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return AddResult{}, fmt.Errorf("embedding records: %w", err)
	}
	if len(vectors) != len(records) {
		err := fmt.Errorf("embedder returned %d vectors for %d records", len(vectors), len(records))
		span.SetStatus(codes.Error, err.Error())
		return AddResult{}, err
	}

	now := g.now()
	ids := make([]string, len(records))
	docs := make([]chromem.Document, len(records))
	for i, r := range records {
		ids[i] = uuid.New().String()
		docs[i] = chromem.Document{
			ID:        ids[i],
			Content:   r.Text,
			Metadata:  recordMetadata(r, opts.UserID, now),
			Embedding: vectors[i],
		}
	}

	if err := g.collection.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return AddResult{}, fmt.Errorf("adding documents: %w", err)
	}

	span.SetStatus(codes.Ok, "success")
	g.logger.Debug("stored memories", zap.Int("count", len(docs)))
	return AddResult{Success: true, IDs: ids}, nil
}

// Search returns up to opts.Limit records ranked by similarity to query.
func (g *ChromemGateway) Search(ctx context.Context, query string, opts SearchOptions) (SearchResult, error) {
	ctx, span := chromemTracer.Start(ctx, "memory.chromem.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("limit", opts.Limit))

	if strings.TrimSpace(query) == "" || opts.Limit <= 0 {
		return SearchResult{Results: []Hit{}}, nil
	}

	// chromem requires nResults <= document count.
	k := opts.Limit
	count := g.collection.Count()
	if count == 0 {
		return SearchResult{Results: []Hit{}}, nil
	}
	if k > count {
		k = count
	}

	results, err := g.collection.Query(ctx, query, k, userFilter(opts.UserID), nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return SearchResult{}, fmt.Errorf("querying collection: %w", err)
	}

	hits := make([]Hit, len(results))
	for i, r := range results {
		hits[i] = Hit{Record: recordFromMetadata(r.ID, r.Content, r.Metadata), Score: float64(r.Similarity)}
	}

	span.SetAttributes(attribute.Int("results_count", len(hits)))
	span.SetStatus(codes.Ok, "success")
	return SearchResult{Results: hits, Total: len(hits)}, nil
}

// GetAll lists every record, newest first.
func (g *ChromemGateway) GetAll(ctx context.Context, opts ListOptions) (SearchResult, error) {
	ctx, span := chromemTracer.Start(ctx, "memory.chromem.GetAll")
	defer span.End()

	count := g.collection.Count()
	if count == 0 {
		return SearchResult{Results: []Hit{}}, nil
	}

	probe, err := g.listProbe(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return SearchResult{}, fmt.Errorf("embedding list probe: %w", err)
	}

	results, err := g.collection.QueryEmbedding(ctx, probe, count, userFilter(opts.UserID), nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return SearchResult{}, fmt.Errorf("listing collection: %w", err)
	}

	hits := make([]Hit, len(results))
	for i, r := range results {
		hits[i] = Hit{Record: recordFromMetadata(r.ID, r.Content, r.Metadata)}
	}
	sortNewestFirst(hits)

	span.SetAttributes(attribute.Int("results_count", len(hits)))
	span.SetStatus(codes.Ok, "success")
	return SearchResult{Results: hits, Total: len(hits)}, nil
}

// Delete removes a record by ID.
func (g *ChromemGateway) Delete(ctx context.Context, id string) error {
	ctx, span := chromemTracer.Start(ctx, "memory.chromem.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("id", id))

	if _, err := g.collection.GetByID(ctx, id); err != nil {
		span.SetStatus(codes.Error, "not found")
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if err := g.collection.Delete(ctx, nil, nil, id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting %s: %w", id, err)
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Close releases the gateway. chromem persists on every write.
func (g *ChromemGateway) Close() error {
	g.logger.Info("chromem memory gateway closed")
	return nil
}

func (g *ChromemGateway) listProbe(ctx context.Context) ([]float32, error) {
	g.probeMu.Lock()
	defer g.probeMu.Unlock()
	if g.probe != nil {
		return g.probe, nil
	}
	v, err := g.embedder.EmbedQuery(ctx, listProbe)
	if err != nil {
		return nil, err
	}
	g.probe = v
	return v, nil
}

func userFilter(userID string) map[string]string {
	if userID == "" {
		return nil
	}
	return map[string]string{MetaUserID: userID}
}
