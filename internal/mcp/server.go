// Package mcp exposes journal context and memory writes to assistants over
// the Model Context Protocol.
//
// Tools:
//   - journal_context: assemble a grounding bundle for a query
//   - memory_save: queue text for the memory store, optionally flushing
//   - memory_forget: delete one memory or every memory of a source
package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reflectd/internal/autosave"
	"github.com/fyrsmithlabs/reflectd/internal/companion"
	"github.com/fyrsmithlabs/reflectd/internal/memory"
)

// Saver is the autosave surface used by the tools; *autosave.Coalescer implements it.
type Saver interface {
	autosave.Enqueuer
	Flush(ctx context.Context) (autosave.FlushResult, error)
}

// Server is an MCP server backed by the reflectd services.
type Server struct {
	mcp     *mcp.Server
	context companion.ContextSource
	saver   Saver
	gateway memory.Gateway
	metrics *toolMetrics
	logger  *zap.Logger
	// userID scopes calls that do not name a user.
	userID string
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "reflectd").
	Name string

	// Version is the server version (default: "0.1.0").
	Version string

	// DefaultUserID is used when a tool call omits user_id.
	DefaultUserID string

	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "reflectd",
		Version: "0.1.0",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates an MCP server. A nil gateway runs degraded: saves are
// still queued and forget calls fail with memory.ErrNotConfigured.
func NewServer(cfg *Config, source companion.ContextSource, saver Saver, gateway memory.Gateway) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if source == nil {
		return nil, errors.New("context source is required")
	}
	if saver == nil {
		return nil, errors.New("saver is required")
	}
	if gateway == nil {
		gateway = memory.Unconfigured{}
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		context: source,
		saver:   saver,
		gateway: gateway,
		metrics: newToolMetrics(cfg.Logger),
		logger:  cfg.Logger,
		userID:  cfg.DefaultUserID,
	}
	s.registerTools()
	return s, nil
}

// Run serves MCP on the stdio transport until ctx is done or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	return s.RunTransport(ctx, &mcp.StdioTransport{})
}

// RunTransport serves MCP on t.
func (s *Server) RunTransport(ctx context.Context, t mcp.Transport) error {
	if err := s.mcp.Run(ctx, t); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

func (s *Server) user(id string) string {
	if id != "" {
		return id
	}
	return s.userID
}
