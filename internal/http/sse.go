package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/reflectd/internal/companion"
	"github.com/fyrsmithlabs/reflectd/internal/stream"
)

// sseWriter writes Server-Sent Events to an echo response.
type sseWriter struct {
	resp *echo.Response
}

func startSSE(c echo.Context) *sseWriter {
	h := c.Response().Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()
	return &sseWriter{resp: c.Response()}
}

func (w *sseWriter) event(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w.resp, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	w.resp.Flush()
	return nil
}

func (w *sseWriter) heartbeat() {
	fmt.Fprint(w.resp, ": heartbeat\n\n")
	w.resp.Flush()
}

// handleEvents streams thread events until the client disconnects.
//
// SSE event types:
//   - snapshot: the thread's messages at subscription time
//   - created, updated: a message was created or changed
//   - content: the thread's editor content changed
func (s *Server) handleEvents(c echo.Context) error {
	threadID := c.Param("thread")
	events, unsubscribe := s.deps.Threads.Subscribe(threadID)
	defer unsubscribe()

	w := startSSE(c)
	if err := w.event("snapshot", s.deps.Threads.Messages(threadID)); err != nil {
		return nil
	}

	ticker := time.NewTicker(s.config.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := w.event(string(ev.Type), ev); err != nil {
				return nil
			}
		case <-ticker.C:
			w.heartbeat()
		case <-c.Request().Context().Done():
			return nil
		case <-s.closing:
			return nil
		}
	}
}

// handleAsk streams an answer as token events followed by one done event, or
// an error event if generation failed.
func (s *Server) handleAsk(c echo.Context) error {
	var req AskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Question) == "" {
		return s.httpError(c, companion.ErrEmptyQuestion)
	}

	w := startSSE(c)
	answer, err := s.deps.Companion.Ask(c.Request().Context(), companion.AskRequest{
		ThreadID: c.Param("thread"),
		UserID:   userID(c),
		Question: req.Question,
		OnToken: func(token string) {
			_ = w.event("token", TokenEvent{Token: token})
		},
	})
	switch {
	case err != nil:
		_ = w.event("error", ErrorEvent{Error: err.Error()})
	case answer.Result.Outcome == stream.OutcomeFailed:
		msg := "generation failed"
		if answer.Result.Err != nil {
			msg = answer.Result.Err.Error()
		}
		_ = w.event("error", ErrorEvent{Error: msg})
	default:
		_ = w.event("done", answer)
	}
	return nil
}
