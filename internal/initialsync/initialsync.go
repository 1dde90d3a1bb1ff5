// Meridian - Offline-First Record Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

// Package initialsync hydrates the local store from the backend's
// paged sync query.
//
// Pages are handed to the reconciliation orchestrator as if they were
// subscription deliveries, so hydration and live events share one
// serialized application path per model. The engine restarts hydration
// from the beginning on retry; no cursor is persisted.
package initialsync

import (
	"context"
	"fmt"

	"github.com/tomtom215/meridian/internal/logging"
	"github.com/tomtom215/meridian/internal/metrics"
	"github.com/tomtom215/meridian/internal/reconcile"
	"github.com/tomtom215/meridian/internal/syncerr"
	"github.com/tomtom215/meridian/internal/wire"
)

// Runner executes the initial sync across all registered models.
type Runner struct {
	client   wire.Client
	orch     *reconcile.Orchestrator
	pageSize int
}

// NewRunner builds a runner feeding orch.
func NewRunner(client wire.Client, orch *reconcile.Orchestrator, pageSize int) *Runner {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Runner{client: client, orch: orch, pageSize: pageSize}
}

// Run hydrates every model to completion. Models are synced
// sequentially; pages within a model are fetched in token order. Any
// failure aborts the whole run for the engine to retry.
func (r *Runner) Run(ctx context.Context, modelTypes []string) error {
	for _, mt := range modelTypes {
		if err := r.syncModel(ctx, mt); err != nil {
			return fmt.Errorf("initial sync %s: %w", mt, err)
		}
	}
	logging.Info().Int("models", len(modelTypes)).Msg("initial sync complete")
	return nil
}

// syncModel pages through one model's sync query.
func (r *Runner) syncModel(ctx context.Context, modelType string) error {
	nextToken := ""
	pages := 0

	for {
		if err := ctx.Err(); err != nil {
			return syncerr.E(syncerr.KindCancelled, "initialsync", err)
		}

		resp, err := r.client.Query(ctx, wire.NewSyncRequest(modelType, r.pageSize, nextToken))
		if err != nil {
			return err
		}
		if resp.HasErrors() {
			return syncerr.E(syncerr.KindTransportRetryable, "initialsync",
				fmt.Errorf("sync query rejected: %s", resp.Errors[0].Message))
		}

		page, err := wire.DecodeSyncPage(resp)
		if err != nil {
			return syncerr.E(syncerr.KindTransportRetryable, "initialsync", err)
		}

		for i := range page.Items {
			if err := r.orch.Inject(modelType, page.Items[i]); err != nil {
				return syncerr.E(syncerr.KindCancelled, "initialsync", err)
			}
		}

		pages++
		metrics.InitialSyncPages.WithLabelValues(modelType).Inc()

		if page.NextToken == "" {
			logging.Debug().Str("model", modelType).Int("pages", pages).Msg("model hydrated")
			return nil
		}
		nextToken = page.NextToken
	}
}
