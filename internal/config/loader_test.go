package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Autosave.DedupeTTL.Duration())
	assert.Equal(t, 2*time.Second, cfg.Autosave.BatchFlush.Duration())
	assert.Equal(t, 25, cfg.Autosave.MaxBatchSize)
	assert.Equal(t, 2000, cfg.Autosave.MaxTextLen)
	assert.Equal(t, 2000*time.Millisecond, cfg.Reflection.Debounce.Duration())
	assert.Equal(t, 1500*time.Millisecond, cfg.Reflection.QuickDebounce.Duration())
	assert.InDelta(t, 0.90, cfg.Reflection.SimilarityThreshold, 1e-9)
	assert.Equal(t, 30, cfg.Reflection.MinLength)
	assert.Equal(t, 400, cfg.Context.SnippetSize)
	assert.Equal(t, 4, cfg.Context.MaxResults)
	assert.Equal(t, 1, cfg.Context.MinResults)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8181
memory:
  provider: qdrant
  qdrant:
    host: qdrant.internal
    collection: journal
autosave:
  batch_flush: 500ms
  max_batch_size: 10
reflection:
  similarity_threshold: 0.8
  auto_reflect: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8181, cfg.Server.Port)
	assert.Equal(t, "qdrant", cfg.Memory.Provider)
	assert.Equal(t, "qdrant.internal", cfg.Memory.Qdrant.Host)
	assert.Equal(t, "journal", cfg.Memory.Qdrant.Collection)
	assert.Equal(t, 6334, cfg.Memory.Qdrant.Port, "unset nested fields keep defaults")
	assert.Equal(t, 500*time.Millisecond, cfg.Autosave.BatchFlush.Duration())
	assert.Equal(t, 10, cfg.Autosave.MaxBatchSize)
	assert.InDelta(t, 0.8, cfg.Reflection.SimilarityThreshold, 1e-9)
	assert.False(t, cfg.Reflection.AutoReflect)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 8181\n")
	t.Setenv("REFLECTD_SERVER_PORT", "7171")
	t.Setenv("REFLECTD_AUTOSAVE_DEDUPE_TTL", "45s")
	t.Setenv("REFLECTD_LLM_API_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7171, cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Autosave.DedupeTTL.Duration())
	assert.Equal(t, "sk-test", cfg.LLM.APIKey.Value())
}

func TestLoad_InvalidConfigRejected(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown memory provider", "memory:\n  provider: redis\n"},
		{"threshold above one", "reflection:\n  similarity_threshold: 1.5\n"},
		{"min results above max", "context:\n  max_results: 2\n  min_results: 3\n"},
		{"negative duration", "autosave:\n  batch_flush: -1s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad_RejectsWorldWritableFile(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs on windows")
	}
	path := writeConfig(t, "server:\n  port: 8181\n")
	require.NoError(t, os.Chmod(path, 0666))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "server.port", envKey("REFLECTD_SERVER_PORT"))
	assert.Equal(t, "autosave.batch_flush", envKey("REFLECTD_AUTOSAVE_BATCH_FLUSH"))
	assert.Equal(t, "debug", envKey("REFLECTD_DEBUG"))
}
