package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/reflectd/internal/config"
	apihttp "github.com/fyrsmithlabs/reflectd/internal/http"
	"github.com/fyrsmithlabs/reflectd/internal/logging"
	"github.com/fyrsmithlabs/reflectd/internal/telemetry"
)

// bootstrap loads configuration and builds the logger and telemetry shared
// by every subcommand.
func bootstrap(ctx context.Context) (*config.Config, *zap.Logger, *telemetry.Telemetry, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}
	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("initializing logger: %w", err)
	}

	cfg.Telemetry.ServiceVersion = version
	tel, err := telemetry.New(ctx, &cfg.Telemetry)
	if err != nil {
		_ = logging.Sync(logger)
		return nil, nil, nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	if h := tel.Health(); h.Degraded {
		logger.Warn("telemetry degraded", zap.Strings("reasons", h.Reasons))
	}
	return cfg, logger, tel, nil
}

func runServe(ctx context.Context) error {
	cfg, logger, tel, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = logging.Sync(logger) }()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return err
	}

	srv, err := a.httpServer(tel)
	if err != nil {
		a.shutdown(context.Background())
		a.closeResources()
		_ = tel.Shutdown(context.Background())
		return fmt.Errorf("creating http server: %w", err)
	}

	return serve(ctx, a, srv, tel)
}

func (a *app) httpServer(tel *telemetry.Telemetry) (*apihttp.Server, error) {
	return apihttp.NewServer(apihttp.Dependencies{
		Context:      a.assembler,
		Saver:        a.coalescer,
		Gateway:      a.gateway,
		Entries:      a.entries,
		Threads:      a.threads,
		Trigger:      a.trigger,
		Companion:    a.companion,
		Settings:     a.settings,
		Capabilities: a.capabilities,
		Telemetry:    tel,
	}, a.logger.Named("http"), &apihttp.Config{
		Host:    a.cfg.Server.Host,
		Port:    a.cfg.Server.Port,
		Version: version,
	})
}

// serve runs srv until ctx is cancelled. It then stops the listener, letting
// in-flight requests finish, and drains the pipeline. Each phase gets the
// configured shutdown timeout.
func serve(ctx context.Context, a *app, srv *apihttp.Server, tel *telemetry.Telemetry) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("http server listening",
			zap.String("host", a.cfg.Server.Host),
			zap.Int("port", a.cfg.Server.Port),
			zap.String("version", version))
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")

		timeout := a.cfg.Server.ShutdownTimeout.Duration()
		httpCtx, cancelHTTP := context.WithTimeout(context.Background(), timeout)
		defer cancelHTTP()

		var errs []error
		if err := srv.Shutdown(httpCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}

		drainCtx, cancelDrain := context.WithTimeout(context.Background(), timeout)
		defer cancelDrain()

		a.shutdown(drainCtx)
		a.closeResources()
		if err := tel.Shutdown(drainCtx); err != nil {
			a.logger.Warn("telemetry shutdown", zap.Error(err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.Info("shutdown complete")
	return nil
}
