package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reflectd/internal/assembler"
	"github.com/fyrsmithlabs/reflectd/internal/autosave"
	"github.com/fyrsmithlabs/reflectd/internal/companion"
	"github.com/fyrsmithlabs/reflectd/internal/config"
	"github.com/fyrsmithlabs/reflectd/internal/embeddings"
	apihttp "github.com/fyrsmithlabs/reflectd/internal/http"
	"github.com/fyrsmithlabs/reflectd/internal/journal"
	"github.com/fyrsmithlabs/reflectd/internal/llm"
	"github.com/fyrsmithlabs/reflectd/internal/memory"
	"github.com/fyrsmithlabs/reflectd/internal/nudge"
	"github.com/fyrsmithlabs/reflectd/internal/reflection"
	"github.com/fyrsmithlabs/reflectd/internal/settings"
	"github.com/fyrsmithlabs/reflectd/internal/stream"
	"github.com/fyrsmithlabs/reflectd/internal/thread"
)

// app holds every wired component of the daemon.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	embedder  embeddings.Provider
	gateway   memory.Gateway
	entries   journal.Store
	threads   *thread.Store
	settings  *settings.Store
	coalescer *autosave.Coalescer
	assembler *assembler.Assembler
	companion *companion.Service
	trigger   *reflection.Controller
	nats      *nats.Conn

	capabilities []apihttp.Capability
	closers      []io.Closer
}

// newApp wires the pipeline from cfg. Optional backends that are absent or
// fail to start are replaced by fail-fast stand-ins and reported as
// unconfigured capabilities.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &app{cfg: cfg, logger: logger, threads: thread.NewStore(logger.Named("thread"))}

	a.initEmbedder(ctx)
	a.initGateway(ctx)
	if err := a.initEntries(); err != nil {
		a.closeResources()
		return nil, err
	}

	st, err := settings.NewStore(settings.Settings{
		AutoReflect:                   cfg.Reflection.AutoReflect,
		ReflectionSimilarityThreshold: cfg.Reflection.SimilarityThreshold,
		ReflectionMinLength:           cfg.Reflection.MinLength,
		Nudges:                        cfg.Reflection.Nudges,
	})
	if err != nil {
		a.closeResources()
		return nil, fmt.Errorf("initial settings: %w", err)
	}
	a.settings = st

	a.coalescer = autosave.New(a.gateway, autosave.Config{
		DedupeTTL:        cfg.Autosave.DedupeTTL.Duration(),
		DedupeMaxEntries: cfg.Autosave.DedupeMaxEntries,
		SweepInterval:    cfg.Autosave.SweepInterval.Duration(),
		BatchFlush:       cfg.Autosave.BatchFlush.Duration(),
		MaxBatchSize:     cfg.Autosave.MaxBatchSize,
		MaxTextLen:       cfg.Autosave.MaxTextLen,
	}, logger.Named("autosave"))

	// A nil interface keeps the assembler and the similarity gate on their
	// embedder-free paths.
	var embedder embeddings.Embedder
	if a.embedder != nil {
		embedder = a.embedder
	}
	a.assembler = assembler.New(a.gateway, a.entries, embedder, assembler.Options{
		MaxResults:  cfg.Context.MaxResults,
		MinResults:  cfg.Context.MinResults,
		SnippetSize: cfg.Context.SnippetSize,
	}, logger.Named("assembler"))

	relay := stream.New(a.threads, a.coalescer, a.settings, logger.Named("stream"), stream.WithNudger(a.initNudger()))
	a.companion = companion.New(companion.Dependencies{
		Context:  a.assembler,
		Provider: a.initLLM(ctx),
		Threads:  a.threads,
		Relay:    relay,
		Saver:    a.coalescer,
	}, companion.Config{AnswerWithoutContext: cfg.Companion.AnswerWithoutContext}, logger.Named("companion"))

	a.trigger = reflection.NewController(reflection.Config{
		Debounce:         cfg.Reflection.Debounce.Duration(),
		QuickDebounce:    cfg.Reflection.QuickDebounce.Duration(),
		FullContentLimit: cfg.Reflection.FullContentLimit,
	}, a.settings, embeddings.NewSimilarity(embedder), a.threads, a.companion, logger.Named("reflection"))

	for _, c := range a.capabilities {
		if !c.Configured {
			logger.Warn("running degraded", zap.String("capability", c.Name), zap.String("detail", c.Detail))
		}
	}
	return a, nil
}

func (a *app) degraded(name, detail string) {
	a.capabilities = append(a.capabilities, apihttp.Capability{Name: name, Detail: detail})
}

func (a *app) configured(name, detail string) {
	a.capabilities = append(a.capabilities, apihttp.Capability{Name: name, Configured: true, Detail: detail})
}

func (a *app) initEmbedder(ctx context.Context) {
	c := a.cfg.Embeddings
	p, err := embeddings.NewProvider(ctx, embeddings.ProviderConfig{
		Provider:   c.Provider,
		Model:      c.Model,
		BaseURL:    c.BaseURL,
		APIKey:     c.APIKey.Value(),
		CacheDir:   c.CacheDir,
		RateLimit:  c.RateLimit,
		Dimensions: c.Dimensions,
	}, a.logger.Named("embeddings"))
	switch {
	case errors.Is(err, embeddings.ErrNotConfigured):
		a.degraded("embeddings", "no provider configured")
	case err != nil:
		a.degraded("embeddings", err.Error())
	default:
		a.embedder = p
		a.closers = append(a.closers, p)
		a.configured("embeddings", c.Provider)
	}
}

func (a *app) initGateway(ctx context.Context) {
	a.gateway = memory.Unconfigured{}
	c := a.cfg.Memory
	if c.Provider == "none" {
		a.degraded("memory", "no provider configured")
		return
	}
	if a.embedder == nil {
		a.degraded("memory", c.Provider+" requires an embedding provider")
		return
	}

	log := a.logger.Named("memory")
	switch c.Provider {
	case "chromem":
		g, err := memory.NewChromemGateway(memory.ChromemConfig{
			Path:       c.Chromem.Path,
			Compress:   c.Chromem.Compress,
			Collection: c.Chromem.Collection,
		}, a.embedder, log)
		if err != nil {
			a.degraded("memory", err.Error())
			return
		}
		a.gateway = g
		a.closers = append(a.closers, g)
	case "qdrant":
		size := c.Qdrant.VectorSize
		if size == 0 {
			size = uint64(a.embedder.Dimension())
		}
		g, err := memory.NewQdrantGateway(ctx, memory.QdrantConfig{
			Host:           c.Qdrant.Host,
			Port:           c.Qdrant.Port,
			Collection:     c.Qdrant.Collection,
			VectorSize:     size,
			UseTLS:         c.Qdrant.UseTLS,
			MaxMessageSize: c.Qdrant.MaxMessageSize,
		}, a.embedder, log)
		if err != nil {
			a.degraded("memory", err.Error())
			return
		}
		a.gateway = g
		a.closers = append(a.closers, g)
	}
	a.configured("memory", c.Provider)
}

func (a *app) initEntries() error {
	if a.cfg.Journal.Path == "" {
		a.entries = journal.NewMemoryStore()
		return nil
	}
	s, err := journal.NewSQLiteStore(a.cfg.Journal.Path, a.logger.Named("journal"))
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	a.entries = s
	a.closers = append(a.closers, s)
	return nil
}

func (a *app) initLLM(ctx context.Context) llm.Provider {
	c := a.cfg.LLM
	p, err := llm.NewProvider(ctx, llm.Config{
		Provider:       c.Provider,
		BaseURL:        c.BaseURL,
		APIKey:         c.APIKey.Value(),
		ReasoningModel: c.ReasoningModel,
		RealtimeModel:  c.RealtimeModel,
	}, a.logger.Named("llm"))
	switch {
	case errors.Is(err, llm.ErrNotConfigured):
		a.degraded("llm", "no provider configured")
		return llm.Unconfigured{}
	case err != nil:
		a.degraded("llm", err.Error())
		return llm.Unconfigured{}
	}
	a.configured("llm", c.Provider)
	return p
}

func (a *app) initNudger() nudge.Requester {
	c := a.cfg.NATS
	if !c.Enabled {
		a.degraded("nudges", "nats disabled")
		return nudge.Unconfigured{}
	}
	nc, err := nudge.Connect(c.URL, a.logger.Named("nats"))
	if err != nil {
		a.degraded("nudges", err.Error())
		return nudge.Unconfigured{}
	}
	a.nats = nc
	a.configured("nudges", c.Subject)
	return nudge.NewNATSRequester(nc, c.Subject, a.logger.Named("nudge"))
}

// shutdown stops the producers of memory writes, then drains the coalescer
// and closes NATS. Callers stop their transport first so in-flight requests
// can still enqueue.
func (a *app) shutdown(ctx context.Context) {
	a.trigger.Stop()

	res := a.coalescer.Close(ctx)
	a.logger.Info("autosave drained",
		zap.Int("written", res.Written),
		zap.Int("failed", res.Failed))

	if a.nats != nil {
		if err := a.nats.Drain(); err != nil {
			a.logger.Warn("draining nats", zap.Error(err))
			a.nats.Close()
		}
	}
}

// closeResources releases stores and providers in reverse order of creation.
func (a *app) closeResources() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("closing resource", zap.Error(err))
		}
	}
	a.closers = nil
}
