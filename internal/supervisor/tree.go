// Meridian - Offline-First Record Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

// Package supervisor arranges the process's long-running services under
// a suture supervision tree.
//
// The tree has two layers: sync (the engine) and ops (the HTTP
// surface). Layering isolates failures - an ops listener crash never
// tears down syncing, and vice versa.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TreeConfig holds supervisor tree configuration.
type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff.
	FailureThreshold float64

	// FailureDecay is the rate at which failures decay, in seconds.
	FailureDecay float64

	// FailureBackoff is the wait once the threshold is exceeded.
	FailureBackoff time.Duration

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultTreeConfig returns suture's documented defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree is the supervision hierarchy.
type Tree struct {
	root *suture.Supervisor
	sync *suture.Supervisor
	ops  *suture.Supervisor
}

// NewTree builds the tree. Services are added via AddSyncService and
// AddOpsService before Serve.
func NewTree(logger *slog.Logger, cfg TreeConfig) *Tree {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5.0
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = 30.0
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = 15 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	handler := &sutureslog.Handler{Logger: logger}
	rootSpec := suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}

	root := suture.New("meridian", rootSpec)
	syncLayer := suture.New("sync-layer", childSpec)
	opsLayer := suture.New("ops-layer", childSpec)

	root.Add(syncLayer)
	root.Add(opsLayer)

	return &Tree{root: root, sync: syncLayer, ops: opsLayer}
}

// AddSyncService supervises a service in the sync layer.
func (t *Tree) AddSyncService(svc suture.Service) {
	t.sync.Add(svc)
}

// AddOpsService supervises a service in the ops layer.
func (t *Tree) AddOpsService(svc suture.Service) {
	t.ops.Add(svc)
}

// Serve runs the tree until ctx is cancelled or the tree gives up.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}
