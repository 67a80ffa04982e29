// Package assembler builds the context bundle that grounds companion replies.
//
// Retrieval runs in tiers and the first tier that produces something wins:
// semantic search over stored memories, then embedding similarity against
// journal entries, then a word-overlap heuristic. Provider failures degrade
// to the next tier; GetContext itself never fails.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reflectd/internal/embeddings"
	"github.com/fyrsmithlabs/reflectd/internal/journal"
	"github.com/fyrsmithlabs/reflectd/internal/logging"
	"github.com/fyrsmithlabs/reflectd/internal/memory"
	"github.com/fyrsmithlabs/reflectd/internal/textutil"
)

var tracer = otel.Tracer("reflectd.assembler")

// Separator joins semantic snippets in a bundle.
const Separator = "\n\n---\n\n"

// Tier names the retrieval step that produced a bundle.
type Tier string

const (
	TierSemantic  Tier = "semantic"
	TierEmbedding Tier = "embedding"
	TierHeuristic Tier = "heuristic"
	TierEmpty     Tier = "empty"
)

// Bundle is the grounding text handed to the LLM and the entries it cites.
type Bundle struct {
	Text           string          `json:"text"`
	RelatedEntries []journal.Entry `json:"relatedEntries"`
	Tier           Tier            `json:"tier"`
}

// Empty reports whether the bundle has nothing to ground on.
func (b *Bundle) Empty() bool {
	return b == nil || b.Text == ""
}

// Options tune one GetContext call. Zero fields take the assembler defaults.
type Options struct {
	UserID      string
	MaxResults  int
	MinResults  int
	SnippetSize int
}

// DefaultOptions returns the stock retrieval limits.
func DefaultOptions() Options {
	return Options{MaxResults: 4, MinResults: 1, SnippetSize: 400}
}

func (o Options) withDefaults(d Options) Options {
	if o.MaxResults <= 0 {
		o.MaxResults = d.MaxResults
	}
	if o.MinResults <= 0 {
		o.MinResults = d.MinResults
	}
	if o.SnippetSize <= 0 {
		o.SnippetSize = d.SnippetSize
	}
	return o
}

// Assembler retrieves context bundles.
type Assembler struct {
	gateway  memory.Gateway
	entries  journal.Reader
	embedder embeddings.Embedder
	defaults Options
	metrics  *Metrics
	logger   *zap.Logger
}

// New creates an Assembler. embedder may be nil, which skips the embedding tier.
func New(gateway memory.Gateway, entries journal.Reader, embedder embeddings.Embedder, defaults Options, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gateway == nil {
		gateway = memory.Unconfigured{}
	}
	return &Assembler{
		gateway:  gateway,
		entries:  entries,
		embedder: embedder,
		defaults: defaults.withDefaults(DefaultOptions()),
		metrics:  NewMetrics(logger),
		logger:   logger,
	}
}

// GetContext returns the best available bundle for query.
func (a *Assembler) GetContext(ctx context.Context, query string, opts Options) *Bundle {
	ctx, span := tracer.Start(ctx, "assembler.GetContext")
	defer span.End()

	opts = opts.withDefaults(a.defaults)
	log := logging.For(ctx, a.logger)

	b := a.assemble(ctx, log, query, opts)
	span.SetAttributes(
		attribute.String("tier", string(b.Tier)),
		attribute.Int("related_entries", len(b.RelatedEntries)),
		attribute.Int("text_length", textutil.RuneLen(b.Text)),
	)
	a.metrics.RecordTier(ctx, b.Tier)
	log.Debug("context assembled",
		zap.String("tier", string(b.Tier)),
		zap.Int("related_entries", len(b.RelatedEntries)))
	return b
}

func (a *Assembler) assemble(ctx context.Context, log *zap.Logger, query string, opts Options) *Bundle {
	if b, ok := a.semantic(ctx, log, query, opts); ok {
		return b
	}

	entries := a.candidates(ctx, log)
	if len(entries) == 0 {
		return emptyBundle()
	}

	tokens := textutil.Tokens(query)
	if a.embedder != nil {
		best, err := a.bestByEmbedding(ctx, query, entries)
		if err == nil {
			return citedBundle(best, tokens, opts.SnippetSize, TierEmbedding)
		}
		log.Warn("embedding tier failed, using heuristic", zap.Error(err))
	}
	return citedBundle(bestByOverlap(tokens, entries), tokens, opts.SnippetSize, TierHeuristic)
}

func (a *Assembler) semantic(ctx context.Context, log *zap.Logger, query string, opts Options) (*Bundle, bool) {
	res, err := a.gateway.Search(ctx, query, memory.SearchOptions{UserID: opts.UserID, Limit: opts.MaxResults})
	if err != nil {
		if errors.Is(err, memory.ErrNotConfigured) {
			log.Debug("semantic tier skipped", zap.Error(err))
		} else {
			log.Warn("semantic tier failed", zap.Error(err))
		}
		return nil, false
	}
	hits := res.Results
	if len(hits) > opts.MaxResults {
		hits = hits[:opts.MaxResults]
	}
	if len(hits) < opts.MinResults || len(hits) == 0 {
		return nil, false
	}

	snippets := make([]string, 0, len(hits))
	related := []journal.Entry{}
	seen := make(map[string]struct{})
	for _, h := range hits {
		snippets = append(snippets, textutil.Truncate(h.Text, opts.SnippetSize))

		id := h.SourceID
		if id == "" {
			id = h.Metadata[memory.MetaSourceID]
		}
		if id == "" || a.entries == nil {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		entry, err := a.entries.GetEntryByID(ctx, id)
		if err != nil {
			if !errors.Is(err, journal.ErrEntryNotFound) {
				log.Warn("resolving related entry", zap.String("entry_id", id), zap.Error(err))
			}
			continue
		}
		related = append(related, entry)
	}

	return &Bundle{
		Text:           strings.Join(snippets, Separator),
		RelatedEntries: related,
		Tier:           TierSemantic,
	}, true
}

func (a *Assembler) candidates(ctx context.Context, log *zap.Logger) []journal.Entry {
	if a.entries == nil {
		return nil
	}
	entries, err := a.entries.Entries(ctx)
	if err != nil {
		log.Warn("listing journal entries", zap.Error(err))
		return nil
	}
	out := entries[:0:0]
	for _, e := range entries {
		if strings.TrimSpace(e.Content) != "" {
			out = append(out, e)
		}
	}
	return out
}

// bestByEmbedding embeds the query and every entry in one call.
func (a *Assembler) bestByEmbedding(ctx context.Context, query string, entries []journal.Entry) (journal.Entry, error) {
	texts := make([]string, 0, len(entries)+1)
	texts = append(texts, query)
	for _, e := range entries {
		texts = append(texts, e.Content)
	}
	vectors, err := a.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return journal.Entry{}, err
	}
	if len(vectors) != len(texts) {
		return journal.Entry{}, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(texts))
	}

	best, bestScore := 0, -2.0
	for i := range entries {
		score := embeddings.Cosine(vectors[0], vectors[i+1])
		if score > bestScore || (score == bestScore && newer(entries[i], entries[best])) {
			best, bestScore = i, score
		}
	}
	return entries[best], nil
}

// bestByOverlap scores entries by how many of their words occur in the query.
// Ties go to the most recent entry; with no overlap the most recent entry wins.
func bestByOverlap(queryTokens []string, entries []journal.Entry) journal.Entry {
	want := make(map[string]struct{}, len(queryTokens))
	for _, t := range queryTokens {
		want[t] = struct{}{}
	}

	best, bestScore := -1, 0
	for i, e := range entries {
		score := 0
		for _, tok := range textutil.Tokens(e.Content) {
			if _, ok := want[tok]; ok {
				score++
			}
		}
		if score == 0 {
			continue
		}
		if best < 0 || score > bestScore || (score == bestScore && newer(e, entries[best])) {
			best, bestScore = i, score
		}
	}
	if best >= 0 {
		return entries[best]
	}
	return mostRecent(entries)
}

func mostRecent(entries []journal.Entry) journal.Entry {
	best := 0
	for i := range entries {
		if newer(entries[i], entries[best]) {
			best = i
		}
	}
	return entries[best]
}

func newer(a, b journal.Entry) bool {
	return a.CreatedAt.After(b.CreatedAt)
}

// CitationMarker returns the inline marker citing an entry.
func CitationMarker(entryID string) string {
	return "[cite:" + entryID + "]"
}

func citedBundle(e journal.Entry, queryTokens []string, snippetSize int, tier Tier) *Bundle {
	return &Bundle{
		Text:           CitationMarker(e.ID) + " " + textutil.Window(e.Content, queryTokens, snippetSize),
		RelatedEntries: []journal.Entry{e},
		Tier:           tier,
	}
}

func emptyBundle() *Bundle {
	return &Bundle{Text: "", RelatedEntries: []journal.Entry{}, Tier: TierEmpty}
}
