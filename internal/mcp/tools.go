package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reflectd/internal/assembler"
	"github.com/fyrsmithlabs/reflectd/internal/autosave"
	"github.com/fyrsmithlabs/reflectd/internal/memory"
)

type journalContextInput struct {
	Query      string `json:"query" jsonschema:"What the assistant wants grounding for"`
	UserID     string `json:"user_id,omitempty" jsonschema:"Journal owner; defaults to the server's user"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"Maximum memories to include (default: 4)"`
}

type entryRef struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

type journalContextOutput struct {
	Text           string     `json:"text" jsonschema:"Context bundle; empty when there is nothing to ground on"`
	RelatedEntries []entryRef `json:"related_entries" jsonschema:"Journal entries the bundle draws on"`
	Tier           string     `json:"tier" jsonschema:"Retrieval tier that produced the bundle"`
}

type memorySaveInput struct {
	Text     string            `json:"text" jsonschema:"Text to remember"`
	Source   string            `json:"source,omitempty" jsonschema:"journal, conversation or realtime-reflection (default: conversation)"`
	SourceID string            `json:"source_id,omitempty" jsonschema:"Entry or thread the text came from"`
	UserID   string            `json:"user_id,omitempty" jsonschema:"Journal owner; defaults to the server's user"`
	Metadata map[string]string `json:"metadata,omitempty" jsonschema:"Extra string metadata stored with the memory"`
	Flush    bool              `json:"flush,omitempty" jsonschema:"Write immediately instead of waiting for the next batch"`
}

type memorySaveOutput struct {
	Status  string                `json:"status" jsonschema:"accepted, duplicate, empty or closed"`
	Flushed *autosave.FlushResult `json:"flushed,omitempty" jsonschema:"Flush summary when flush was requested"`
}

type memoryForgetInput struct {
	ID       string `json:"id,omitempty" jsonschema:"Memory ID to delete"`
	SourceID string `json:"source_id,omitempty" jsonschema:"Delete every memory saved from this entry or thread"`
	UserID   string `json:"user_id,omitempty" jsonschema:"Journal owner; defaults to the server's user"`
}

type memoryForgetOutput struct {
	Deleted int `json:"deleted" jsonschema:"Number of memories removed"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "journal_context",
		Description: "Retrieve a compact context bundle from the user's journal and saved memories to ground a reply",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args journalContextInput) (*mcp.CallToolResult, journalContextOutput, error) {
		out, err := instrument(ctx, s.metrics, "journal_context", func() (journalContextOutput, error) {
			return s.journalContext(ctx, args)
		})
		if err != nil {
			return nil, journalContextOutput{}, err
		}
		summary := fmt.Sprintf("No journal context for %q", args.Query)
		if out.Text != "" {
			summary = fmt.Sprintf("Context from %d related entries (%s tier)", len(out.RelatedEntries), out.Tier)
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: summary}}}, out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_save",
		Description: "Save text to the journal memory store. Duplicates within the dedupe window are dropped",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args memorySaveInput) (*mcp.CallToolResult, memorySaveOutput, error) {
		out, err := instrument(ctx, s.metrics, "memory_save", func() (memorySaveOutput, error) {
			return s.memorySave(ctx, args)
		})
		if err != nil {
			return nil, memorySaveOutput{}, err
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "Memory " + out.Status}}}, out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_forget",
		Description: "Delete a saved memory by ID, or every memory saved from an entry or thread",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args memoryForgetInput) (*mcp.CallToolResult, memoryForgetOutput, error) {
		out, err := instrument(ctx, s.metrics, "memory_forget", func() (memoryForgetOutput, error) {
			return s.memoryForget(ctx, args)
		})
		if err != nil {
			return nil, memoryForgetOutput{}, err
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("Deleted %d memories", out.Deleted)}},
		}, out, nil
	})
}

func instrument[T any](ctx context.Context, m *toolMetrics, tool string, fn func() (T, error)) (T, error) {
	done := m.begin(ctx, tool)
	out, err := fn()
	done(err)
	return out, err
}

func (s *Server) journalContext(ctx context.Context, args journalContextInput) (journalContextOutput, error) {
	if args.Query == "" {
		return journalContextOutput{}, fmt.Errorf("%w: query is required", errInvalidArgs)
	}
	b := s.context.GetContext(ctx, args.Query, assembler.Options{
		UserID:     s.user(args.UserID),
		MaxResults: args.MaxResults,
	})
	out := journalContextOutput{Text: b.Text, Tier: string(b.Tier), RelatedEntries: make([]entryRef, 0, len(b.RelatedEntries))}
	for _, e := range b.RelatedEntries {
		out.RelatedEntries = append(out.RelatedEntries, entryRef{ID: e.ID, Title: e.Title})
	}
	return out, nil
}

func (s *Server) memorySave(ctx context.Context, args memorySaveInput) (memorySaveOutput, error) {
	source := memory.Source(args.Source)
	if source == "" {
		source = memory.SourceConversation
	}
	if !source.Valid() {
		return memorySaveOutput{}, fmt.Errorf("%w: unknown source %q", errInvalidArgs, args.Source)
	}

	status := s.saver.Enqueue(args.Text, autosave.Options{
		UserID:   s.user(args.UserID),
		Source:   source,
		SourceID: args.SourceID,
		Metadata: args.Metadata,
	})
	out := memorySaveOutput{Status: string(status)}
	if status == autosave.StatusEmpty {
		return out, memory.ErrEmptyText
	}
	if args.Flush && status == autosave.StatusAccepted {
		res, err := s.saver.Flush(ctx)
		if err != nil {
			return out, fmt.Errorf("%w: %w", errFlush, err)
		}
		out.Flushed = &res
	}
	s.logger.Debug("memory saved via mcp", zap.String("status", out.Status), zap.String("source", string(source)))
	return out, nil
}

func (s *Server) memoryForget(ctx context.Context, args memoryForgetInput) (memoryForgetOutput, error) {
	switch {
	case args.ID != "" && args.SourceID != "":
		return memoryForgetOutput{}, fmt.Errorf("%w: provide id or source_id, not both", errInvalidArgs)
	case args.ID != "":
		if err := s.gateway.Delete(ctx, args.ID); err != nil {
			return memoryForgetOutput{}, err
		}
		return memoryForgetOutput{Deleted: 1}, nil
	case args.SourceID != "":
		n, err := memory.ForgetSource(ctx, s.gateway, s.user(args.UserID), args.SourceID)
		return memoryForgetOutput{Deleted: n}, err
	default:
		return memoryForgetOutput{}, fmt.Errorf("%w: id or source_id is required", errInvalidArgs)
	}
}
