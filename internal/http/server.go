// Package http serves the reflectd API.
//
// Routes cover context assembly, memory writes, journal entries, thread
// content and messages, streamed answers and settings. Thread events and
// answers stream as Server-Sent Events.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reflectd/internal/autosave"
	"github.com/fyrsmithlabs/reflectd/internal/companion"
	"github.com/fyrsmithlabs/reflectd/internal/journal"
	"github.com/fyrsmithlabs/reflectd/internal/llm"
	"github.com/fyrsmithlabs/reflectd/internal/logging"
	"github.com/fyrsmithlabs/reflectd/internal/memory"
	"github.com/fyrsmithlabs/reflectd/internal/reflection"
	"github.com/fyrsmithlabs/reflectd/internal/settings"
	"github.com/fyrsmithlabs/reflectd/internal/telemetry"
	"github.com/fyrsmithlabs/reflectd/internal/thread"
)

// HeaderUserID carries the caller's user ID.
const HeaderUserID = "X-User-ID"

// Saver is the autosave surface used by the API; *autosave.Coalescer implements it.
type Saver interface {
	autosave.Enqueuer
	Flush(ctx context.Context) (autosave.FlushResult, error)
	Pending() int
	Invalidate(source memory.Source, sourceID string) int
}

// Trigger is the reflection surface; *reflection.Controller implements it.
type Trigger interface {
	ContentChanged(threadID, content string, opts reflection.EditOptions)
	State(threadID string) reflection.State
	Cancel(threadID string)
}

// Asker answers questions; *companion.Service implements it.
type Asker interface {
	Ask(ctx context.Context, req companion.AskRequest) (companion.Answer, error)
}

// Threads is the thread store surface; *thread.Store implements it.
type Threads interface {
	Messages(threadID string) []thread.Message
	Cursor(threadID string) (thread.Cursor, bool)
	SetContent(threadID, content string)
	Subscribe(threadID string) (<-chan thread.Event, func())
}

// SettingsStore reads and updates user settings; *settings.Store implements it.
type SettingsStore interface {
	settings.Provider
	Update(p settings.Patch) (settings.Settings, error)
}

// Capability is one optional backend reported by /health.
type Capability struct {
	Name       string
	Configured bool
	Detail     string
}

// Dependencies are the services behind the API.
type Dependencies struct {
	Context   companion.ContextSource
	Saver     Saver
	Gateway   memory.Gateway
	Entries   journal.Store
	Threads   Threads
	Trigger   Trigger
	Companion Asker
	Settings  SettingsStore

	Capabilities []Capability
	Telemetry    *telemetry.Telemetry
}

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string
	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
}

// Server provides HTTP endpoints for reflectd.
type Server struct {
	echo   *echo.Echo
	deps   Dependencies
	logger *zap.Logger
	config *Config

	// closing ends long-lived event streams on Shutdown.
	closing   chan struct{}
	closeOnce sync.Once
}

// NewServer creates a new HTTP server.
func NewServer(deps Dependencies, logger *zap.Logger, cfg *Config) (*Server, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 9191}
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if deps.Gateway == nil {
		deps.Gateway = memory.Unconfigured{}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestMetrics(otel.Meter("reflectd.http"), logger))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			ctx := logging.WithRequestID(req.Context(), c.Response().Header().Get(echo.HeaderXRequestID))
			if user := req.Header.Get(HeaderUserID); user != "" {
				ctx = logging.WithUserID(ctx, user)
			}
			c.SetRequest(req.WithContext(ctx))

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logging.For(ctx, logger).Info("http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return nil
		}
	})

	s := &Server{
		echo:    e,
		deps:    deps,
		logger:  logger,
		config:  cfg,
		closing: make(chan struct{}),
	}
	s.registerRoutes(newPromRegistry(deps))
	return s, nil
}

func (d Dependencies) validate() error {
	switch {
	case d.Context == nil:
		return errors.New("context source is required")
	case d.Saver == nil:
		return errors.New("saver is required")
	case d.Entries == nil:
		return errors.New("entry store is required")
	case d.Threads == nil:
		return errors.New("thread store is required")
	case d.Trigger == nil:
		return errors.New("reflection trigger is required")
	case d.Companion == nil:
		return errors.New("companion is required")
	case d.Settings == nil:
		return errors.New("settings store is required")
	}
	return nil
}

func (s *Server) registerRoutes(metrics http.Handler) {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(metrics))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/context", s.handleContext)

	v1.POST("/memories", s.handleSaveMemory)
	v1.POST("/memories/flush", s.handleFlush)
	v1.GET("/memories", s.handleListMemories)
	v1.DELETE("/memories/:id", s.handleDeleteMemory)

	v1.GET("/entries", s.handleListEntries)
	v1.POST("/entries", s.handlePutEntry)
	v1.DELETE("/entries/:id", s.handleDeleteEntry)

	v1.PUT("/threads/:thread/content", s.handleContent)
	v1.GET("/threads/:thread/messages", s.handleMessages)
	v1.GET("/threads/:thread/events", s.handleEvents)
	v1.POST("/threads/:thread/ask", s.handleAsk)

	v1.GET("/settings", s.handleGetSettings)
	v1.PUT("/settings", s.handlePutSettings)
}

// Start starts the HTTP server. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown ends open event streams and waits for in-flight requests, such as
// streaming answers, to finish within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	s.closeOnce.Do(func() { close(s.closing) })
	return s.echo.Shutdown(ctx)
}

// Addr returns the listening address, or nil before Start has bound it.
func (s *Server) Addr() net.Addr {
	return s.echo.ListenerAddr()
}

// ServeHTTP lets the server be mounted or driven by httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

func userID(c echo.Context) string {
	return c.Request().Header.Get(HeaderUserID)
}

// httpError maps domain errors to HTTP status codes.
func (s *Server) httpError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, memory.ErrNotConfigured), errors.Is(err, llm.ErrNotConfigured):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, autosave.ErrClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, memory.ErrRecordNotFound), errors.Is(err, journal.ErrEntryNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, memory.ErrEmptyText), errors.Is(err, journal.ErrEmptyContent),
		errors.Is(err, settings.ErrInvalid), errors.Is(err, companion.ErrEmptyQuestion):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	logging.For(c.Request().Context(), s.logger).Error("request failed", zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}
