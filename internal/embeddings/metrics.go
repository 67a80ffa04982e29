package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// callMetrics instruments the embed calls of one provider.
type callMetrics struct {
	base []attribute.KeyValue

	latency metric.Float64Histogram
	texts   metric.Int64Histogram
	calls   metric.Int64Counter
}

func newCallMetrics(provider, model string, logger *zap.Logger) *callMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := otel.Meter("reflectd.embeddings")
	m := &callMetrics{base: []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("model", model),
	}}

	var err error
	if m.latency, err = meter.Float64Histogram("reflectd.embeddings.call_duration_seconds",
		metric.WithDescription("Latency of embed calls"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 10),
	); err != nil {
		logger.Warn("embeddings latency histogram unavailable", zap.Error(err))
	}
	if m.texts, err = meter.Int64Histogram("reflectd.embeddings.texts_per_call",
		metric.WithDescription("Texts embedded per call"),
		metric.WithExplicitBucketBoundaries(1, 5, 25, 100),
	); err != nil {
		logger.Warn("embeddings batch histogram unavailable", zap.Error(err))
	}
	if m.calls, err = meter.Int64Counter("reflectd.embeddings.calls_total",
		metric.WithDescription("Embed calls by operation and outcome"),
	); err != nil {
		logger.Warn("embeddings call counter unavailable", zap.Error(err))
	}
	return m
}

// observe records one call that began at start.
func (m *callMetrics) observe(ctx context.Context, op string, start time.Time, n int, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(append(m.base, attribute.String("operation", op))...)

	if m.latency != nil {
		m.latency.Record(ctx, time.Since(start).Seconds(), attrs)
	}
	if m.texts != nil && n > 0 {
		m.texts.Record(ctx, int64(n), attrs)
	}
	if m.calls != nil {
		m.calls.Add(ctx, 1, metric.WithAttributes(append(m.base,
			attribute.String("operation", op),
			attribute.String("outcome", outcome))...))
	}
}
