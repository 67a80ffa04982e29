package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var qdrantTracer = otel.Tracer("reflectd.memory.qdrant")

// Payload keys specific to the Qdrant backend.
const (
	payloadText     = "text"
	payloadRecordID = "record_id"
)

// QdrantConfig configures the Qdrant gRPC backend.
type QdrantConfig struct {
	Host           string
	Port           int
	Collection     string
	VectorSize     uint64
	UseTLS         bool
	MaxMessageSize int
	MaxRetries     int
	RetryBackoff   time.Duration
}

// ApplyDefaults fills zero fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "reflectd_memories"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
}

// QdrantGateway is a Gateway backed by Qdrant over native gRPC.
type QdrantGateway struct {
	client   *qdrant.Client
	embedder Embedder
	config   QdrantConfig
	logger   *zap.Logger
	now      func() time.Time
}

var (
	_ Gateway     = (*QdrantGateway)(nil)
	_ BatchWriter = (*QdrantGateway)(nil)
)

// NewQdrantGateway connects to Qdrant and ensures the collection exists.
func NewQdrantGateway(ctx context.Context, cfg QdrantConfig, embedder Embedder, logger *zap.Logger) (*QdrantGateway, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	if !cfg.UseTLS {
		logger.Warn("qdrant gRPC using plaintext (TLS disabled)", zap.String("host", cfg.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant: %w", err)
	}

	g := &QdrantGateway{
		client:   client,
		embedder: embedder,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}

	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(initCtx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("qdrant health check failed: %w", err)
	}
	if err := g.ensureCollection(initCtx); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("qdrant memory gateway initialized",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("collection", cfg.Collection),
	)
	return g, nil
}

func (g *QdrantGateway) ensureCollection(ctx context.Context) error {
	exists, err := g.client.CollectionExists(ctx, g.config.Collection)
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", g.config.Collection, err)
	}
	if exists {
		return nil
	}
	err = g.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: g.config.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     g.config.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", g.config.Collection, err)
	}
	return nil
}

// SupportsBatch implements BatchWriter.
func (g *QdrantGateway) SupportsBatch() bool { return true }

// Add embeds records and upserts them as one batch.
func (g *QdrantGateway) Add(ctx context.Context, records []NewRecord, opts AddOptions) (AddResult, error) {
	ctx, span := qdrantTracer.Start(ctx, "memory.qdrant.Add")
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
	points := make([]*qdrant.PointStruct, len(records))
	for i, r := range records {
		ids[i] = uuid.New().String()
		payload := make(map[string]*qdrant.Value)
		for k, v := range recordMetadata(r, opts.UserID, now) {
			payload[k] = stringValue(v)
		}
		payload[payloadText] = stringValue(r.Text)
		payload[payloadRecordID] = stringValue(ids[i])

		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(ids[i]),
			Vectors: qdrant.NewVectors(vectors[i]...),
			Payload: payload,
		}
	}

	err = g.retry(ctx, "upsert", func() error {
		_, err := g.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: g.config.Collection,
			Points:         points,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return AddResult{}, err
	}

	span.SetStatus(codes.Ok, "success")
	return AddResult{Success: true, IDs: ids}, nil
}

// Search returns up to opts.Limit records ranked by cosine similarity.
func (g *QdrantGateway) Search(ctx context.Context, query string, opts SearchOptions) (SearchResult, error) {
	ctx, span := qdrantTracer.Start(ctx, "memory.qdrant.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("limit", opts.Limit))

	if strings.TrimSpace(query) == "" || opts.Limit <= 0 {
		return SearchResult{Results: []Hit{}}, nil
	}

	vector, err := g.embedder.EmbedQuery(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return SearchResult{}, fmt.Errorf("embedding query: %w", err)
	}

	var points []*qdrant.ScoredPoint
	err = g.retry(ctx, "query", func() error {
		res, err := g.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: g.config.Collection,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(opts.Limit)),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         userCondition(opts.UserID),
		})
		points = res
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return SearchResult{}, err
	}

	hits := make([]Hit, len(points))
	for i, p := range points {
		hits[i] = Hit{Record: recordFromPayload(p.Payload), Score: float64(p.Score)}
	}
	span.SetAttributes(attribute.Int("results_count", len(hits)))
	span.SetStatus(codes.Ok, "success")
	return SearchResult{Results: hits, Total: len(hits)}, nil
}

// GetAll scrolls through every record, newest first.
func (g *QdrantGateway) GetAll(ctx context.Context, opts ListOptions) (SearchResult, error) {
	ctx, span := qdrantTracer.Start(ctx, "memory.qdrant.GetAll")
	defer span.End()

	const pageSize = 256
	var (
		hits   []Hit
		offset *qdrant.PointId
	)
	for {
		var resp *qdrant.ScrollResponse
		err := g.retry(ctx, "scroll", func() error {
			res, err := g.client.GetPointsClient().Scroll(ctx, &qdrant.ScrollPoints{
				CollectionName: g.config.Collection,
				Filter:         userCondition(opts.UserID),
				Limit:          qdrant.PtrOf(uint32(pageSize)),
				Offset:         offset,
				WithPayload:    qdrant.NewWithPayload(true),
			})
			resp = res
			return err
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return SearchResult{}, err
		}
		for _, p := range resp.GetResult() {
			hits = append(hits, Hit{Record: recordFromPayload(p.Payload)})
		}
		offset = resp.GetNextPageOffset()
		if offset == nil {
			break
		}
	}
	if hits == nil {
		hits = []Hit{}
	}
	sortNewestFirst(hits)

	span.SetStatus(codes.Ok, "success")
	return SearchResult{Results: hits, Total: len(hits)}, nil
}

// Delete removes a record by ID.
func (g *QdrantGateway) Delete(ctx context.Context, id string) error {
	ctx, span := qdrantTracer.Start(ctx, "memory.qdrant.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("id", id))

	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}

	err := g.retry(ctx, "delete", func() error {
		_, err := g.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: g.config.Collection,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
					Filter: &qdrant.Filter{
						Must: []*qdrant.Condition{keywordCondition(payloadRecordID, id)},
					},
				},
			},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Close closes the gRPC connection.
func (g *QdrantGateway) Close() error {
	return g.client.Close()
}

// retry runs op with exponential backoff while it fails transiently.
func (g *QdrantGateway) retry(ctx context.Context, name string, op func() error) error {
	backoff := g.config.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return fmt.Errorf("qdrant %s failed: %w", name, err)
		}
		if attempt >= g.config.MaxRetries {
			return fmt.Errorf("qdrant %s failed after %d retries: %w", name, g.config.MaxRetries, err)
		}
		g.logger.Debug("retrying qdrant operation", zap.String("operation", name), zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return fmt.Errorf("qdrant %s canceled: %w", name, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

// isTransient reports whether a gRPC error is worth retrying.
func isTransient(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	}
	return false
}

func stringValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

func keywordCondition(key, value string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key:   key,
				Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: value}},
			},
		},
	}
}

func userCondition(userID string) *qdrant.Filter {
	if userID == "" {
		return nil
	}
	return &qdrant.Filter{Must: []*qdrant.Condition{keywordCondition(MetaUserID, userID)}}
}

// recordFromPayload rebuilds a Record from string payload values.
func recordFromPayload(payload map[string]*qdrant.Value) Record {
	md := make(map[string]string, len(payload))
	for k, v := range payload {
		if k == payloadText || k == payloadRecordID {
			continue
		}
		if s, ok := v.GetKind().(*qdrant.Value_StringValue); ok {
			md[k] = s.StringValue
		}
	}
	return recordFromMetadata(payload[payloadRecordID].GetStringValue(), payload[payloadText].GetStringValue(), md)
}
