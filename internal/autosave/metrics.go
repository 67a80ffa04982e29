package autosave

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reflectd/internal/memory"
)

const instrumentationName = "github.com/fyrsmithlabs/reflectd/internal/autosave"

// Metrics instruments the coalescer.
type Metrics struct {
	enqueued  metric.Int64Counter
	written   metric.Int64Counter
	failed    metric.Int64Counter
	batchSize metric.Int64Histogram
}

// NewMetrics creates autosave metrics on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	meter := otel.Meter(instrumentationName)
	m := &Metrics{}
	var err error

	m.enqueued, err = meter.Int64Counter(
		"reflectd.autosave.enqueued_total",
		metric.WithDescription("Enqueue calls by source and outcome"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		logger.Warn("failed to create enqueued counter", zap.Error(err))
	}

	m.written, err = meter.Int64Counter(
		"reflectd.autosave.written_total",
		metric.WithDescription("Records written to the memory gateway"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		logger.Warn("failed to create written counter", zap.Error(err))
	}

	m.failed, err = meter.Int64Counter(
		"reflectd.autosave.failed_total",
		metric.WithDescription("Records dropped because a flush failed"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		logger.Warn("failed to create failed counter", zap.Error(err))
	}

	m.batchSize, err = meter.Int64Histogram(
		"reflectd.autosave.batch_size",
		metric.WithDescription("Items per flushed batch"),
		metric.WithUnit("{item}"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 15, 20, 25, 50),
	)
	if err != nil {
		logger.Warn("failed to create batch size histogram", zap.Error(err))
	}
	return m
}

// RecordEnqueue counts one Enqueue outcome.
func (m *Metrics) RecordEnqueue(ctx context.Context, source memory.Source, status Status) {
	if m.enqueued == nil {
		return
	}
	m.enqueued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", string(source)),
		attribute.String("status", string(status)),
	))
}

// RecordFlush records one flushed batch.
func (m *Metrics) RecordFlush(ctx context.Context, size, written, failed int) {
	if m.batchSize != nil {
		m.batchSize.Record(ctx, int64(size))
	}
	if m.written != nil && written > 0 {
		m.written.Add(ctx, int64(written))
	}
	if m.failed != nil && failed > 0 {
		m.failed.Add(ctx, int64(failed))
	}
}
