// Package nudge requests follow-up prompt suggestions ("nudges") after a
// companion turn completes. Generation happens elsewhere; this package only
// publishes the request.
package nudge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ErrNotConfigured is returned by Unconfigured.
var ErrNotConfigured = errors.New("nudge requester not configured")

// Request describes the turn nudges should be generated for.
type Request struct {
	ThreadID    string    `json:"threadId"`
	MessageID   string    `json:"messageId"`
	UserID      string    `json:"userId,omitempty"`
	Text        string    `json:"text"`
	Realtime    bool      `json:"realtime"`
	RequestedAt time.Time `json:"requestedAt"`
}

// Requester asks for nudge generation.
type Requester interface {
	RequestNudges(ctx context.Context, req Request) error
}

// Unconfigured fails fast without I/O.
type Unconfigured struct{}

func (Unconfigured) RequestNudges(context.Context, Request) error { return ErrNotConfigured }

// Publisher is the subset of *nats.Conn used by NATSRequester.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSRequester publishes nudge requests to a NATS subject.
type NATSRequester struct {
	pub     Publisher
	subject string
	logger  *zap.Logger
}

// NewNATSRequester creates a requester publishing to subject.
func NewNATSRequester(pub Publisher, subject string, logger *zap.Logger) *NATSRequester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSRequester{pub: pub, subject: subject, logger: logger}
}

// RequestNudges publishes req as JSON.
func (r *NATSRequester) RequestNudges(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal nudge request: %w", err)
	}
	if err := r.pub.Publish(r.subject, data); err != nil {
		return fmt.Errorf("publish nudge request: %w", err)
	}
	r.logger.Debug("nudge requested",
		zap.String("subject", r.subject),
		zap.String("thread.id", req.ThreadID),
		zap.String("message_id", req.MessageID))
	return nil
}

// Connect dials NATS the way the daemon does, retrying a lost server.
func Connect(url string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("reflectd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return nc, nil
}
