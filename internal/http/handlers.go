package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reflectd/internal/assembler"
	"github.com/fyrsmithlabs/reflectd/internal/autosave"
	"github.com/fyrsmithlabs/reflectd/internal/journal"
	"github.com/fyrsmithlabs/reflectd/internal/logging"
	"github.com/fyrsmithlabs/reflectd/internal/memory"
	"github.com/fyrsmithlabs/reflectd/internal/reflection"
	"github.com/fyrsmithlabs/reflectd/internal/settings"
	"github.com/fyrsmithlabs/reflectd/internal/thread"
)

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{
		Status:       "ok",
		Version:      s.config.Version,
		Capabilities: make(map[string]CapabilityStatus, len(s.deps.Capabilities)),
		Autosave:     AutosaveStatus{Pending: s.deps.Saver.Pending()},
	}
	for _, capability := range s.deps.Capabilities {
		resp.Capabilities[capability.Name] = CapabilityStatus{Configured: capability.Configured, Detail: capability.Detail}
		if !capability.Configured {
			resp.Status = "degraded"
		}
	}
	if s.deps.Telemetry != nil {
		h := s.deps.Telemetry.Health()
		resp.Telemetry = &h
		if h.Degraded {
			resp.Status = "degraded"
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleContext(c echo.Context) error {
	var req ContextRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query field is required")
	}

	b := s.deps.Context.GetContext(c.Request().Context(), req.Query, assembler.Options{
		UserID:      userID(c),
		MaxResults:  req.MaxResults,
		MinResults:  req.MinResults,
		SnippetSize: req.SnippetSize,
	})
	return c.JSON(http.StatusOK, ContextResponse{Text: b.Text, RelatedEntries: b.RelatedEntries, Tier: b.Tier})
}

func (s *Server) handleSaveMemory(c echo.Context) error {
	var req SaveMemoryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	source := memory.Source(req.Source)
	if source == "" {
		source = memory.SourceJournal
	}
	if !source.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown source "+req.Source)
	}

	status := s.deps.Saver.Enqueue(req.Text, autosave.Options{
		UserID:   userID(c),
		Source:   source,
		SourceID: req.SourceID,
		Metadata: req.Metadata,
	})
	switch status {
	case autosave.StatusEmpty:
		return echo.NewHTTPError(http.StatusBadRequest, "text field is required")
	case autosave.StatusClosed:
		return s.httpError(c, autosave.ErrClosed)
	}
	return c.JSON(http.StatusAccepted, SaveMemoryResponse{Status: status, Pending: s.deps.Saver.Pending()})
}

func (s *Server) handleFlush(c echo.Context) error {
	res, err := s.deps.Saver.Flush(c.Request().Context())
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleListMemories(c echo.Context) error {
	res, err := s.deps.Gateway.GetAll(c.Request().Context(), memory.ListOptions{UserID: userID(c)})
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleDeleteMemory(c echo.Context) error {
	if err := s.deps.Gateway.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return s.httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListEntries(c echo.Context) error {
	entries, err := s.deps.Entries.Entries(c.Request().Context())
	if err != nil {
		return s.httpError(c, err)
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	return c.JSON(http.StatusOK, entries)
}

// handlePutEntry stores an entry and queues its content for memory. An
// update first forgets the previous version: its pending and deduplicated
// writes as well as the memories already saved.
func (s *Server) handlePutEntry(c echo.Context) error {
	var req EntryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	log := logging.For(ctx, s.logger)

	status := http.StatusCreated
	if req.ID != "" {
		_, err := s.deps.Entries.GetEntryByID(ctx, req.ID)
		switch {
		case err == nil:
			status = http.StatusOK
			s.deps.Saver.Invalidate(memory.SourceJournal, req.ID)
			s.forget(c, req.ID)
		case !errors.Is(err, journal.ErrEntryNotFound):
			return s.httpError(c, err)
		}
	}

	e, err := s.deps.Entries.Put(ctx, journal.Entry{ID: req.ID, Title: req.Title, Content: req.Content})
	if err != nil {
		return s.httpError(c, err)
	}
	saved := s.deps.Saver.Enqueue(e.Content, autosave.Options{
		UserID:   userID(c),
		Source:   memory.SourceJournal,
		SourceID: e.ID,
		Metadata: map[string]string{"title": e.Title},
	})
	log.Debug("entry stored", zap.String("entry_id", e.ID), zap.String("autosave", string(saved)))
	return c.JSON(status, EntryResponse{Entry: e, Autosave: saved})
}

// handleDeleteEntry removes an entry, forgets its memories and cancels any
// reflection pending on its thread.
func (s *Server) handleDeleteEntry(c echo.Context) error {
	id := c.Param("id")
	if err := s.deps.Entries.Delete(c.Request().Context(), id); err != nil {
		return s.httpError(c, err)
	}
	s.deps.Trigger.Cancel(thread.EntryThreadID(id))
	s.deps.Saver.Invalidate(memory.SourceJournal, id)
	return c.JSON(http.StatusOK, DeleteEntryResponse{ID: id, Forgotten: s.forget(c, id)})
}

// forget removes the memories of an entry. Failures are logged; the entry
// store remains the source of truth.
func (s *Server) forget(c echo.Context, entryID string) int {
	log := logging.For(c.Request().Context(), s.logger)
	n, err := memory.ForgetSource(c.Request().Context(), s.deps.Gateway, userID(c), entryID)
	switch {
	case errors.Is(err, memory.ErrNotConfigured):
		log.Debug("memory not configured, nothing to forget", zap.String("entry_id", entryID))
	case err != nil:
		log.Warn("forgetting entry memories", zap.String("entry_id", entryID), zap.Error(err))
	}
	return n
}

func (s *Server) handleContent(c echo.Context) error {
	var req ContentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	threadID := c.Param("thread")

	s.deps.Threads.SetContent(threadID, req.Content)
	s.deps.Trigger.ContentChanged(threadID, req.Content, reflection.EditOptions{
		UserID:         userID(c),
		EditingStarted: req.EditingStarted,
		Quick:          req.Quick,
	})
	return c.JSON(http.StatusAccepted, ContentResponse{State: s.deps.Trigger.State(threadID)})
}

func (s *Server) handleMessages(c echo.Context) error {
	threadID := c.Param("thread")
	resp := MessagesResponse{ThreadID: threadID, Messages: s.deps.Threads.Messages(threadID)}
	if resp.Messages == nil {
		resp.Messages = []thread.Message{}
	}
	if cur, ok := s.deps.Threads.Cursor(threadID); ok {
		resp.Cursor = &cur
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetSettings(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Settings.Current())
}

func (s *Server) handlePutSettings(c echo.Context) error {
	var patch settings.Patch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	updated, err := s.deps.Settings.Update(patch)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, updated)
}
