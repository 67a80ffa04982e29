package mcp

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reflectd/internal/memory"
)

var (
	// errInvalidArgs marks tool calls rejected before touching any service.
	errInvalidArgs = errors.New("invalid arguments")
	errFlush       = errors.New("flushing memories")
)

// toolMetrics counts tool calls, failures by reason and in-flight calls.
type toolMetrics struct {
	invocations metric.Int64Counter
	failures    metric.Int64Counter
	duration    metric.Float64Histogram
	inflight    metric.Int64UpDownCounter
}

func newToolMetrics(logger *zap.Logger) *toolMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := otel.Meter("reflectd.mcp")
	m := &toolMetrics{}

	var err error
	if m.invocations, err = meter.Int64Counter("reflectd.mcp.tool.invocations_total",
		metric.WithDescription("MCP tool calls")); err != nil {
		logger.Warn("mcp invocation counter unavailable", zap.Error(err))
	}
	if m.failures, err = meter.Int64Counter("reflectd.mcp.tool.errors_total",
		metric.WithDescription("Failed MCP tool calls by reason")); err != nil {
		logger.Warn("mcp error counter unavailable", zap.Error(err))
	}
	if m.duration, err = meter.Float64Histogram("reflectd.mcp.tool.duration_seconds",
		metric.WithDescription("MCP tool call latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.5, 1, 5)); err != nil {
		logger.Warn("mcp duration histogram unavailable", zap.Error(err))
	}
	if m.inflight, err = meter.Int64UpDownCounter("reflectd.mcp.tool.active_requests",
		metric.WithDescription("MCP tool calls in progress")); err != nil {
		logger.Warn("mcp in-flight gauge unavailable", zap.Error(err))
	}
	return m
}

// begin marks a call to tool as started. The returned func ends it.
func (m *toolMetrics) begin(ctx context.Context, tool string) func(err error) {
	start := time.Now()
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	if m.inflight != nil {
		m.inflight.Add(ctx, 1, attrs)
	}
	return func(err error) {
		if m.inflight != nil {
			m.inflight.Add(ctx, -1, attrs)
		}
		if m.invocations != nil {
			m.invocations.Add(ctx, 1, attrs)
		}
		if m.duration != nil {
			m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
		}
		if err != nil && m.failures != nil {
			m.failures.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tool", tool),
				attribute.String("reason", failureReason(err))))
		}
	}
}

// failureReason maps an error to a low-cardinality label.
func failureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, memory.ErrNotConfigured):
		return "not_configured"
	case errors.Is(err, memory.ErrRecordNotFound):
		return "not_found"
	case errors.Is(err, memory.ErrEmptyText), errors.Is(err, errInvalidArgs):
		return "validation_error"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	case errors.Is(err, errFlush):
		return "storage_error"
	default:
		return "internal_error"
	}
}
