package assembler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/reflectd/internal/embeddings"
	"github.com/fyrsmithlabs/reflectd/internal/journal"
	"github.com/fyrsmithlabs/reflectd/internal/logging"
	"github.com/fyrsmithlabs/reflectd/internal/memory"
	"github.com/fyrsmithlabs/reflectd/internal/telemetry"
)

// fakeGateway returns canned search results.
type fakeGateway struct {
	memory.Unconfigured
	hits    []memory.Hit
	err     error
	queries []memory.SearchOptions
}

func (g *fakeGateway) Search(_ context.Context, _ string, opts memory.SearchOptions) (memory.SearchResult, error) {
	g.queries = append(g.queries, opts)
	if g.err != nil {
		return memory.SearchResult{}, g.err
	}
	return memory.SearchResult{Results: g.hits, Total: len(g.hits)}, nil
}

func hit(text, sourceID string) memory.Hit {
	return memory.Hit{Record: memory.Record{
		Text:     text,
		Source:   memory.SourceJournal,
		SourceID: sourceID,
		Metadata: map[string]string{memory.MetaSourceID: sourceID},
	}}
}

var day = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func entry(id, content string, age int) journal.Entry {
	return journal.Entry{ID: id, Content: content, CreatedAt: day.Add(-time.Duration(age) * time.Hour)}
}

func TestGetContext_EmptyEverything(t *testing.T) {
	a := New(&fakeGateway{}, journal.NewMemoryStore(), nil, Options{}, nil)

	b := a.GetContext(context.Background(), "anything", Options{})
	require.NotNil(t, b)
	assert.Equal(t, "", b.Text)
	assert.NotNil(t, b.RelatedEntries)
	assert.Empty(t, b.RelatedEntries)
	assert.True(t, b.Empty())
	assert.Equal(t, TierEmpty, b.Tier)
}

func TestGetContext_SemanticTier(t *testing.T) {
	entries := journal.NewMemoryStore(entry("e1", "pizza night", 1))
	gw := &fakeGateway{hits: []memory.Hit{
		hit("We had pizza night with the neighbours.", "e1"),
		hit("A chat about pizza toppings.", "thread-7"),
		hit("Pizza again, same entry.", "e1"),
	}}
	a := New(gw, entries, nil, Options{}, nil)

	b := a.GetContext(context.Background(), "pizza", Options{UserID: "u1"})
	assert.Equal(t, TierSemantic, b.Tier)
	assert.Equal(t, strings.Join([]string{
		"We had pizza night with the neighbours.",
		"A chat about pizza toppings.",
		"Pizza again, same entry.",
	}, Separator), b.Text)
	require.Len(t, b.RelatedEntries, 1, "unresolvable and duplicate sources are not related entries")
	assert.Equal(t, "e1", b.RelatedEntries[0].ID)

	require.Len(t, gw.queries, 1)
	assert.Equal(t, "u1", gw.queries[0].UserID)
	assert.Equal(t, 4, gw.queries[0].Limit)
}

func TestGetContext_SemanticSnippetsTruncated(t *testing.T) {
	long := strings.Repeat("word ", 200)
	gw := &fakeGateway{hits: []memory.Hit{hit(long, ""), hit(long, ""), hit(long, ""), hit(long, "")}}
	a := New(gw, journal.NewMemoryStore(), nil, Options{}, nil)

	b := a.GetContext(context.Background(), "word", Options{SnippetSize: 50})
	parts := strings.Split(b.Text, Separator)
	require.Len(t, parts, 4)
	for _, p := range parts {
		assert.LessOrEqual(t, len([]rune(p)), 50)
		assert.True(t, strings.HasSuffix(p, "…"))
	}
	assert.LessOrEqual(t, len([]rune(b.Text)), 4*50+3*len(Separator))
}

func TestGetContext_BelowMinResultsFallsThrough(t *testing.T) {
	gw := &fakeGateway{hits: []memory.Hit{hit("one weak hit", "")}}
	entries := journal.NewMemoryStore(entry("e1", "Notes about the garden.", 0))
	a := New(gw, entries, nil, Options{}, nil)

	b := a.GetContext(context.Background(), "garden", Options{MinResults: 2})
	assert.Equal(t, TierHeuristic, b.Tier)
	assert.True(t, strings.HasPrefix(b.Text, "[cite:e1] "))
}

func TestGetContext_GatewayErrorFallsThrough(t *testing.T) {
	log := logging.NewTestLogger()
	gw := &fakeGateway{err: errors.New("connection refused")}
	entries := journal.NewMemoryStore(entry("e1", "Rainy day thoughts.", 0))
	a := New(gw, entries, nil, Options{}, log.Logger)

	b := a.GetContext(context.Background(), "rain", Options{})
	assert.Equal(t, TierHeuristic, b.Tier)
	log.AssertLogged(t, zapcore.WarnLevel, "semantic tier failed")
}

func TestGetContext_NotConfiguredIsQuiet(t *testing.T) {
	log := logging.NewTestLogger()
	a := New(memory.Unconfigured{}, journal.NewMemoryStore(), nil, Options{}, log.Logger)

	a.GetContext(context.Background(), "q", Options{})
	log.AssertNotLogged(t, zapcore.WarnLevel, "semantic tier")
}

// Scenario: no embedder, no memories, one entry about hiking.
func TestGetContext_HeuristicHiking(t *testing.T) {
	entries := journal.NewMemoryStore(
		entry("hike", "Today I wandered into the mountains and enjoyed a long hike.", 2),
	)
	a := New(&fakeGateway{}, entries, nil, Options{}, nil)

	b := a.GetContext(context.Background(), "mountain hike", Options{})
	assert.Contains(t, b.Text, "[cite:")
	require.Len(t, b.RelatedEntries, 1)
	assert.Equal(t, "hike", b.RelatedEntries[0].ID)
}

func TestGetContext_HeuristicScoringAndTies(t *testing.T) {
	entries := journal.NewMemoryStore(
		entry("old-match", "coffee and books", 10),
		entry("new-match", "books then coffee", 1),
		entry("weak", "coffee only", 0),
		entry("none", "nothing relevant", 0),
	)
	a := New(&fakeGateway{}, entries, nil, Options{}, nil)

	b := a.GetContext(context.Background(), "coffee books", Options{})
	require.Len(t, b.RelatedEntries, 1)
	assert.Equal(t, "new-match", b.RelatedEntries[0].ID, "tie on score goes to the most recent entry")
}

func TestGetContext_HeuristicNoOverlapPicksMostRecent(t *testing.T) {
	entries := journal.NewMemoryStore(
		entry("older", "alpha beta", 5),
		entry("newest", "gamma delta", 1),
	)
	a := New(&fakeGateway{}, entries, nil, Options{}, nil)

	b := a.GetContext(context.Background(), "zeta", Options{})
	require.Len(t, b.RelatedEntries, 1)
	assert.Equal(t, "newest", b.RelatedEntries[0].ID)
	assert.Equal(t, "[cite:newest] gamma delta", b.Text)
}

func TestGetContext_EmbeddingTier(t *testing.T) {
	emb := embeddings.NewHashEmbedder(128)
	entries := journal.NewMemoryStore(
		entry("work", "Long meeting about budget planning.", 0),
		entry("sea", "Swimming in the ocean at sunset with waves.", 3),
	)
	a := New(&fakeGateway{}, entries, emb, Options{}, nil)

	b := a.GetContext(context.Background(), "ocean waves", Options{})
	assert.Equal(t, TierEmbedding, b.Tier)
	require.Len(t, b.RelatedEntries, 1)
	assert.Equal(t, "sea", b.RelatedEntries[0].ID)
	assert.Equal(t, 1, emb.Calls(), "query and entries are embedded in one call")
}

func TestGetContext_EmbedderFailureFallsToHeuristic(t *testing.T) {
	emb := embeddings.NewHashEmbedder(32)
	emb.FailWith(errors.New("quota exceeded"))
	entries := journal.NewMemoryStore(entry("e1", "tea in the garden", 0))
	a := New(&fakeGateway{}, entries, emb, Options{}, nil)

	b := a.GetContext(context.Background(), "garden", Options{})
	assert.Equal(t, TierHeuristic, b.Tier)
	assert.Equal(t, "e1", b.RelatedEntries[0].ID)
}

func TestGetContext_WindowCentredOnQueryToken(t *testing.T) {
	content := strings.Repeat("filler ", 100) + "lighthouse " + strings.Repeat("padding ", 100)
	entries := journal.NewMemoryStore(entry("e1", content, 0))
	a := New(&fakeGateway{}, entries, nil, Options{}, nil)

	b := a.GetContext(context.Background(), "lighthouse", Options{SnippetSize: 60})
	assert.Contains(t, b.Text, "lighthouse")
	snippet := strings.TrimPrefix(b.Text, "[cite:e1] ")
	assert.LessOrEqual(t, len([]rune(snippet)), 60)
}

// Round trip through a real gateway: the top semantic hit resolves to its entry.
func TestGetContext_SourceIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	emb := embeddings.NewHashEmbedder(64)
	gw, err := memory.NewChromemGateway(memory.ChromemConfig{}, emb, nil)
	require.NoError(t, err)

	store := journal.NewMemoryStore()
	e, err := store.Put(ctx, journal.Entry{Content: "Learning to bake sourdough bread."})
	require.NoError(t, err)

	_, err = gw.Add(ctx, []memory.NewRecord{
		{Text: "Learning to bake sourdough bread.", Source: memory.SourceJournal, SourceID: e.ID},
		{Text: "Unrelated chat about taxes.", Source: memory.SourceConversation, SourceID: "global"},
	}, memory.AddOptions{})
	require.NoError(t, err)

	a := New(gw, store, emb, Options{}, nil)
	b := a.GetContext(ctx, "sourdough bread", Options{MaxResults: 1})
	assert.Equal(t, TierSemantic, b.Tier)
	require.Len(t, b.RelatedEntries, 1)
	assert.Equal(t, e.ID, b.RelatedEntries[0].ID)
}

func TestGetContext_RecordsTierMetric(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	tel.Install(t)

	a := New(&fakeGateway{}, journal.NewMemoryStore(entry("e1", "x y z", 0)), nil, Options{}, nil)
	a.GetContext(context.Background(), "y", Options{})
	a.GetContext(context.Background(), "y", Options{})

	assert.Equal(t, int64(2), tel.CounterValue(t, "reflectd.context.requests_total", attribute.String("tier", "heuristic")))
}
