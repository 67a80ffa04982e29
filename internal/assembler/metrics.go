package assembler

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/reflectd/internal/assembler"

// Metrics counts bundles by the tier that produced them.
type Metrics struct {
	requests metric.Int64Counter
}

// NewMetrics creates assembler metrics on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	m := &Metrics{}
	var err error
	m.requests, err = otel.Meter(instrumentationName).Int64Counter(
		"reflectd.context.requests_total",
		metric.WithDescription("Context bundles assembled, by retrieval tier"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn("failed to create context requests counter", zap.Error(err))
	}
	return m
}

// RecordTier counts one bundle.
func (m *Metrics) RecordTier(ctx context.Context, tier Tier) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", string(tier))))
}
