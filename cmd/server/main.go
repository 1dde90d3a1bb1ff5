// Meridian - Offline-First Record Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

// Command server runs the Meridian sync daemon: it keeps the local
// record store reconciled with the configured backend and serves the
// operational HTTP surface.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomtom215/meridian/internal/bus"
	"github.com/tomtom215/meridian/internal/config"
	"github.com/tomtom215/meridian/internal/engine"
	"github.com/tomtom215/meridian/internal/logging"
	"github.com/tomtom215/meridian/internal/ops"
	"github.com/tomtom215/meridian/internal/outbox"
	"github.com/tomtom215/meridian/internal/storage"
	"github.com/tomtom215/meridian/internal/supervisor"
	"github.com/tomtom215/meridian/internal/wire"
)

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("meridian exited")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Caller: cfg.Log.Caller,
	})
	logging.Info().Strs("models", cfg.Models.Names).Msg("meridian starting")

	store, err := storage.Open(cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	queueDB, err := storage.OpenQueueDB(cfg.Store)
	if err != nil {
		return err
	}
	defer queueDB.Close()

	queue, err := outbox.NewQueue(queueDB)
	if err != nil {
		return err
	}

	client, err := wire.NewHTTPClient(cfg.Wire, wire.StaticTokenSource(cfg.Wire.AuthToken))
	if err != nil {
		return err
	}

	b := bus.New()
	defer b.Close()

	buildEngine := func() (*engine.Engine, error) {
		return engine.New(engine.Params{
			Config:     cfg.Engine,
			ModelTypes: cfg.Models.Names,
			Store:      store,
			Queue:      queue,
			Client:     client,
			Bus:        b,
		})
	}
	engineSvc := supervisor.NewEngineService(buildEngine)

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddSyncService(engineSvc)
	if cfg.Ops.Enabled {
		tree.AddOpsService(ops.NewServer(cfg.Ops, engineSvc))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logging.Info().Msg("meridian stopped")
	return nil
}
