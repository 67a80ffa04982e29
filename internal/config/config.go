// Package config provides configuration loading for reflectd.
//
// Configuration is assembled from hardcoded defaults, an optional YAML file,
// and REFLECTD_-prefixed environment variables, in that order of precedence
// (lowest to highest).
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/reflectd/internal/logging"
	"github.com/fyrsmithlabs/reflectd/internal/telemetry"
)

// Config holds the complete reflectd configuration.
type Config struct {
	Server     ServerConfig      `koanf:"server"`
	Logging    logging.Config    `koanf:"logging"`
	Telemetry  telemetry.Config  `koanf:"telemetry"`
	Memory     MemoryConfig      `koanf:"memory"`
	Embeddings EmbeddingsConfig  `koanf:"embeddings"`
	LLM        LLMConfig         `koanf:"llm"`
	Autosave   AutosaveConfig    `koanf:"autosave"`
	Reflection ReflectionConfig  `koanf:"reflection"`
	Context    ContextConfig     `koanf:"context"`
	Journal    JournalConfig     `koanf:"journal"`
	NATS       NATSConfig        `koanf:"nats"`
	Companion  CompanionConfig   `koanf:"companion"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// MemoryConfig selects and configures the semantic memory backend.
type MemoryConfig struct {
	// Provider is "chromem", "qdrant" or "none".
	Provider string        `koanf:"provider"`
	Chromem  ChromemConfig `koanf:"chromem"`
	Qdrant   QdrantConfig  `koanf:"qdrant"`
}

// ChromemConfig holds embedded chromem-go settings.
type ChromemConfig struct {
	Path       string `koanf:"path"`
	Compress   bool   `koanf:"compress"`
	Collection string `koanf:"collection"`
}

// QdrantConfig holds Qdrant gRPC client settings.
type QdrantConfig struct {
	Host           string `koanf:"host"`
	Port           int    `koanf:"port"`
	Collection     string `koanf:"collection"`
	VectorSize     uint64 `koanf:"vector_size"`
	UseTLS         bool   `koanf:"use_tls"`
	MaxMessageSize int    `koanf:"max_message_size"`
}

// EmbeddingsConfig holds embedding provider configuration.
type EmbeddingsConfig struct {
	// Provider is "tei", "fastembed", "genai" or "none".
	Provider   string  `koanf:"provider"`
	BaseURL    string  `koanf:"base_url"`
	Model      string  `koanf:"model"`
	APIKey     Secret  `koanf:"api_key"`
	CacheDir   string  `koanf:"cache_dir"`
	RateLimit  float64 `koanf:"rate_limit"`
	Dimensions int     `koanf:"dimensions"` // genai output size
}

// LLMConfig holds streaming LLM provider configuration.
type LLMConfig struct {
	// Provider is "openai", "ollama", "genai" or "none".
	Provider       string `koanf:"provider"`
	BaseURL        string `koanf:"base_url"`
	APIKey         Secret `koanf:"api_key"`
	ReasoningModel string `koanf:"reasoning_model"`
	RealtimeModel  string `koanf:"realtime_model"`
}

// AutosaveConfig tunes the memory write coalescer.
type AutosaveConfig struct {
	DedupeTTL        Duration `koanf:"dedupe_ttl"`
	DedupeMaxEntries int      `koanf:"dedupe_max_entries"`
	SweepInterval    Duration `koanf:"sweep_interval"`
	BatchFlush       Duration `koanf:"batch_flush"`
	MaxBatchSize     int      `koanf:"max_batch_size"`
	MaxTextLen       int      `koanf:"max_text_len"`
}

// ReflectionConfig tunes realtime reflection triggering.
type ReflectionConfig struct {
	Debounce            Duration `koanf:"debounce"`
	QuickDebounce       Duration `koanf:"quick_debounce"`
	SimilarityThreshold float64  `koanf:"similarity_threshold"`
	MinLength           int      `koanf:"min_length"`
	FullContentLimit    int      `koanf:"full_content_limit"`
	AutoReflect         bool     `koanf:"auto_reflect"`
	Nudges              bool     `koanf:"nudges"`
}

// ContextConfig holds context assembly defaults.
type ContextConfig struct {
	MaxResults  int `koanf:"max_results"`
	MinResults  int `koanf:"min_results"`
	SnippetSize int `koanf:"snippet_size"`
}

// JournalConfig locates the journal entry database.
type JournalConfig struct {
	// Path of the SQLite database. Empty keeps entries in memory.
	Path string `koanf:"path"`
}

// NATSConfig configures nudge publication.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
	Subject string `koanf:"subject"`
}

// CompanionConfig tunes the question-answering flow.
type CompanionConfig struct {
	AnswerWithoutContext bool `koanf:"answer_without_context"`
}

// Default returns a configuration populated with defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9191,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging:   *logging.NewDefaultConfig(),
		Telemetry: *telemetry.NewDefaultConfig(),
		Memory: MemoryConfig{
			Provider: "chromem",
			Chromem: ChromemConfig{
				Path:       "~/.config/reflectd/memory",
				Compress:   true,
				Collection: "reflectd_memories",
			},
			Qdrant: QdrantConfig{
				Host:           "localhost",
				Port:           6334,
				Collection:     "reflectd_memories",
				VectorSize:     384,
				MaxMessageSize: 50 * 1024 * 1024,
			},
		},
		Embeddings: EmbeddingsConfig{
			Provider:  "fastembed",
			BaseURL:   "http://localhost:8080",
			Model:     "BAAI/bge-small-en-v1.5",
			RateLimit: 20,
		},
		LLM: LLMConfig{
			Provider:       "none",
			ReasoningModel: "gpt-4o",
			RealtimeModel:  "gpt-4o-mini",
		},
		Autosave: AutosaveConfig{
			DedupeTTL:        Duration(30 * time.Second),
			DedupeMaxEntries: 4096,
			SweepInterval:    Duration(10 * time.Second),
			BatchFlush:       Duration(2 * time.Second),
			MaxBatchSize:     25,
			MaxTextLen:       2000,
		},
		Reflection: ReflectionConfig{
			Debounce:            Duration(2000 * time.Millisecond),
			QuickDebounce:       Duration(1500 * time.Millisecond),
			SimilarityThreshold: 0.90,
			MinLength:           30,
			FullContentLimit:    1200,
			AutoReflect:         true,
			Nudges:              true,
		},
		Context: ContextConfig{
			MaxResults:  4,
			MinResults:  1,
			SnippetSize: 400,
		},
		NATS: NATSConfig{
			URL:     "nats://127.0.0.1:4222",
			Subject: "reflectd.nudges.request",
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d", c.Server.Port))
	}
	switch c.Memory.Provider {
	case "chromem", "qdrant", "none":
	default:
		errs = append(errs, fmt.Errorf("unsupported memory provider: %q", c.Memory.Provider))
	}
	switch c.Embeddings.Provider {
	case "tei", "fastembed", "genai", "none":
	default:
		errs = append(errs, fmt.Errorf("unsupported embeddings provider: %q", c.Embeddings.Provider))
	}
	switch c.LLM.Provider {
	case "openai", "ollama", "genai", "none":
	default:
		errs = append(errs, fmt.Errorf("unsupported llm provider: %q", c.LLM.Provider))
	}
	if c.Autosave.MaxBatchSize <= 0 {
		errs = append(errs, errors.New("autosave.max_batch_size must be positive"))
	}
	if c.Autosave.MaxTextLen <= 0 {
		errs = append(errs, errors.New("autosave.max_text_len must be positive"))
	}
	if c.Autosave.DedupeMaxEntries <= 0 {
		errs = append(errs, errors.New("autosave.dedupe_max_entries must be positive"))
	}
	if t := c.Reflection.SimilarityThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("reflection.similarity_threshold must be within [0,1], got %v", t))
	}
	if c.Reflection.MinLength < 0 {
		errs = append(errs, errors.New("reflection.min_length cannot be negative"))
	}
	if c.Context.MaxResults <= 0 {
		errs = append(errs, errors.New("context.max_results must be positive"))
	}
	if c.Context.MinResults <= 0 || c.Context.MinResults > c.Context.MaxResults {
		errs = append(errs, fmt.Errorf("context.min_results must be within [1,%d]", c.Context.MaxResults))
	}
	if c.Context.SnippetSize <= 1 {
		errs = append(errs, errors.New("context.snippet_size must be greater than 1"))
	}
	if c.NATS.Enabled && c.NATS.Subject == "" {
		errs = append(errs, errors.New("nats.subject is required when nats is enabled"))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	return errors.Join(errs...)
}
