package logging

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger is a debug-level logger that keeps every entry for assertions.
type TestLogger struct {
	Logger *zap.Logger
	logs   *observer.ObservedLogs
}

// NewTestLogger creates a TestLogger.
func NewTestLogger() *TestLogger {
	core, logs := observer.New(zapcore.DebugLevel)
	return &TestLogger{Logger: zap.New(core), logs: logs}
}

// All returns the entries logged so far.
func (t *TestLogger) All() []observer.LoggedEntry { return t.logs.All() }

func (t *TestLogger) matching(level zapcore.Level, snippet string) []observer.LoggedEntry {
	var out []observer.LoggedEntry
	for _, e := range t.logs.All() {
		if e.Level == level && strings.Contains(e.Message, snippet) {
			out = append(out, e)
		}
	}
	return out
}

// AssertLogged fails tb unless an entry at level contains snippet.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, snippet string) {
	tb.Helper()
	assert.NotEmpty(tb, t.matching(level, snippet), "no %v entry containing %q in %v", level, snippet, t.messages())
}

// AssertNotLogged fails tb if an entry at level contains snippet.
func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, snippet string) {
	tb.Helper()
	assert.Empty(tb, t.matching(level, snippet), "unexpected %v entry containing %q", level, snippet)
}

// AssertField fails tb unless an entry whose message contains snippet
// carries key with value want.
func (t *TestLogger) AssertField(tb testing.TB, snippet, key string, want any) {
	tb.Helper()
	for _, e := range t.logs.FilterMessageSnippet(snippet).All() {
		if got, ok := e.ContextMap()[key]; ok && assert.ObjectsAreEqual(want, got) {
			return
		}
	}
	tb.Errorf("no entry containing %q with %s=%v", snippet, key, want)
}

func (t *TestLogger) messages() []string {
	entries := t.logs.All()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Level.String() + ": " + e.Message
	}
	return out
}
