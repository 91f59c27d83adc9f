package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/quietbay/ledgerd/internal/config"
	"github.com/quietbay/ledgerd/internal/ledger"
	"github.com/quietbay/ledgerd/internal/storage"
	"github.com/quietbay/ledgerd/internal/telemetry"
)

// core bundles the pieces every subcommand needs: config, the file
// logger and an open, migrated store.
type core struct {
	cfg    config.Config
	logger *slog.Logger
	closer io.Closer
	engine *storage.Engine
	store  *ledger.Store
}

func openCore(ctx context.Context, quietLogs bool) (*core, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(logger)

	engine, err := storage.Open(cfg.DBPath, logger)
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := ledger.New(engine, logger)
	if err := store.InitSchema(ctx); err != nil {
		engine.Close()
		closer.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &core{cfg: cfg, logger: logger, closer: closer, engine: engine, store: store}, nil
}

func (c *core) Close() {
	_ = c.engine.Close()
	_ = c.closer.Close()
}
