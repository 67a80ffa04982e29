package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reflectd/internal/logging"
	"github.com/fyrsmithlabs/reflectd/internal/mcp"
)

func runMCP(ctx context.Context) error {
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
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		a.shutdown(shutdownCtx)
		a.closeResources()
		_ = tel.Shutdown(shutdownCtx)
	}()

	return a.runMCP(ctx)
}

func (a *app) mcpServer() (*mcp.Server, error) {
	return mcp.NewServer(&mcp.Config{
		Name:    "reflectd",
		Version: version,
		Logger:  a.logger.Named("mcp"),
	}, a.assembler, a.coalescer, a.gateway)
}

func (a *app) runMCP(ctx context.Context) error {
	srv, err := a.mcpServer()
	if err != nil {
		return fmt.Errorf("creating mcp server: %w", err)
	}
	err = srv.Run(ctx)
	if errors.Is(ctx.Err(), context.Canceled) {
		a.logger.Info("mcp server stopped", zap.Error(err))
		return nil
	}
	return err
}
