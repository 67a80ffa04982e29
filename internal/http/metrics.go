package http

import (
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// requestMetrics returns middleware counting requests, their latency and the
// number in flight. Streaming routes stay in flight until the stream ends.
func requestMetrics(meter metric.Meter, logger *zap.Logger) echo.MiddlewareFunc {
	total, err := meter.Int64Counter("reflectd.http.requests_total",
		metric.WithDescription("HTTP requests by method, route and status"))
	if err != nil {
		logger.Warn("http request counter unavailable", zap.Error(err))
	}
	latency, err := meter.Float64Histogram("reflectd.http.request_duration_seconds",
		metric.WithDescription("HTTP request latency by method, route and status"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.25, 1, 5, 30, 120))
	if err != nil {
		logger.Warn("http latency histogram unavailable", zap.Error(err))
	}
	inflight, err := meter.Int64UpDownCounter("reflectd.http.active_requests",
		metric.WithDescription("HTTP requests in flight, open event streams included"))
	if err != nil {
		logger.Warn("http in-flight gauge unavailable", zap.Error(err))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			if inflight != nil {
				inflight.Add(ctx, 1)
				defer inflight.Add(ctx, -1)
			}

			err := next(c)
			if err != nil {
				// Resolve the status before labelling.
				c.Error(err)
				err = nil
			}

			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", routeLabel(c.Path())),
				attribute.Int("status", c.Response().Status),
			)
			if total != nil {
				total.Add(ctx, 1, attrs)
			}
			if latency != nil {
				latency.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			return err
		}
	}
}

// routeLabel returns the registered route pattern, so thread IDs never become
// label values.
func routeLabel(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
