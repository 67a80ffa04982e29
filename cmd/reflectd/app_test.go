package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/reflectd/internal/companion"
	"github.com/fyrsmithlabs/reflectd/internal/config"
	apihttp "github.com/fyrsmithlabs/reflectd/internal/http"
	"github.com/fyrsmithlabs/reflectd/internal/journal"
	"github.com/fyrsmithlabs/reflectd/internal/llm"
	"github.com/fyrsmithlabs/reflectd/internal/logging"
	"github.com/fyrsmithlabs/reflectd/internal/memory"
	"github.com/fyrsmithlabs/reflectd/internal/stream"
	"github.com/fyrsmithlabs/reflectd/internal/telemetry"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Embeddings.Provider = "none"
	cfg.LLM.Provider = "none"
	cfg.Memory.Chromem.Path = filepath.Join(t.TempDir(), "memory")
	cfg.Journal.Path = filepath.Join(t.TempDir(), "journal.db")
	cfg.Autosave.SweepInterval = 0
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeout = config.Duration(2 * time.Second)
	return cfg
}

func capabilities(a *app) map[string]bool {
	out := make(map[string]bool, len(a.capabilities))
	for _, c := range a.capabilities {
		out[c.Name] = c.Configured
	}
	return out
}

func TestNewApp_Degraded(t *testing.T) {
	tl := logging.NewTestLogger()
	a, err := newApp(context.Background(), testConfig(t), tl.Logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		a.shutdown(context.Background())
		a.closeResources()
	})

	assert.Equal(t, map[string]bool{
		"embeddings": false,
		"memory":     false,
		"llm":        false,
		"nudges":     false,
	}, capabilities(a))
	assert.IsType(t, memory.Unconfigured{}, a.gateway)
	assert.IsType(t, &journal.SQLiteStore{}, a.entries)
	assert.Nil(t, a.embedder)
	tl.AssertLogged(t, zapcore.WarnLevel, "running degraded")
}

func TestNewApp_InMemoryJournal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Journal.Path = ""

	a, err := newApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.closeResources()
	defer a.shutdown(context.Background())

	assert.IsType(t, &journal.MemoryStore{}, a.entries)
}

func TestNewApp_BadJournalPath(t *testing.T) {
	cfg := testConfig(t)
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	cfg.Journal.Path = filepath.Join(blocker, "journal.db")

	_, err := newApp(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opening journal")
}

func TestNewApp_NATSNudges(t *testing.T) {
	ns, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second))
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	cfg := testConfig(t)
	cfg.NATS.Enabled = true
	cfg.NATS.URL = ns.ClientURL()

	a, err := newApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.closeResources()

	assert.True(t, capabilities(a)["nudges"])
	require.NotNil(t, a.nats)

	a.shutdown(context.Background())
	assert.Eventually(t, a.nats.IsClosed, time.Second, 10*time.Millisecond)
}

func TestNewApp_NATSUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.NATS.Enabled = true
	cfg.NATS.URL = "nats://127.0.0.1:1"

	a, err := newApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.closeResources()
	defer a.shutdown(context.Background())

	assert.False(t, capabilities(a)["nudges"])
	assert.Nil(t, a.nats)
}

func TestApp_HealthReportsDegraded(t *testing.T) {
	a, err := newApp(context.Background(), testConfig(t), nil)
	require.NoError(t, err)
	defer a.closeResources()
	defer a.shutdown(context.Background())

	tel, err := telemetry.New(context.Background(), telemetry.NewDefaultConfig())
	require.NoError(t, err)

	srv, err := a.httpServer(tel)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body apihttp.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.False(t, body.Capabilities["llm"].Configured)
	assert.Equal(t, "no provider configured", body.Capabilities["llm"].Detail)
}

func TestServe_StopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	a, err := newApp(context.Background(), cfg, nil)
	require.NoError(t, err)

	tel, err := telemetry.New(context.Background(), telemetry.NewDefaultConfig())
	require.NoError(t, err)
	srv, err := a.httpServer(tel)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, a, srv, tel) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	assert.Nil(t, a.closers)
}

func TestServe_InFlightAnswerIsAutosaved(t *testing.T) {
	cfg := testConfig(t)
	cfg.Autosave.BatchFlush = config.Duration(time.Hour)
	log := logging.NewTestLogger()
	a, err := newApp(context.Background(), cfg, log.Logger)
	require.NoError(t, err)

	relay := stream.New(a.threads, a.coalescer, a.settings, nil, stream.WithThrottle(0))
	a.companion = companion.New(companion.Dependencies{
		Context:  a.assembler,
		Provider: &llm.Scripted{Tokens: []string{"Slow ", "answer."}, Delay: 200 * time.Millisecond},
		Threads:  a.threads,
		Relay:    relay,
		Saver:    a.coalescer,
	}, companion.Config{AnswerWithoutContext: true}, nil)

	tel, err := telemetry.New(context.Background(), telemetry.NewDefaultConfig())
	require.NoError(t, err)
	srv, err := a.httpServer(tel)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- serve(ctx, a, srv, tel) }()
	require.Eventually(t, func() bool { return srv.Addr() != nil }, 2*time.Second, 5*time.Millisecond)

	body, err := json.Marshal(apihttp.AskRequest{Question: "What did I do today?"})
	require.NoError(t, err)
	resp, err := http.Post("http://"+srv.Addr().String()+"/api/v1/threads/global/ask", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() && !strings.HasPrefix(scanner.Text(), "event: token") {
	}
	cancel()
	for scanner.Scan() {
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	log.AssertField(t, "autosave drained", "failed", int64(2))
}

func TestApp_MCPTools(t *testing.T) {
	a, err := newApp(context.Background(), testConfig(t), nil)
	require.NoError(t, err)
	defer a.closeResources()
	defer a.shutdown(context.Background())

	srv, err := a.mcpServer()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverT, clientT := mcp.NewInMemoryTransports()
	go func() { _ = srv.RunTransport(ctx, serverT) }()

	client := mcp.NewClient(&mcp.Implementation{Name: "test", Version: "0"}, nil)
	session, err := client.Connect(ctx, clientT, nil)
	require.NoError(t, err)
	defer session.Close()

	res, err := session.ListTools(ctx, nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"journal_context", "memory_save", "memory_forget"}, names)
}
