// Meridian - Offline-First Record Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

// Package reconcile applies remote change events to the local store.
//
// One ModelQueue per model type serializes application; the
// Orchestrator aggregates the per-model queues into a single readiness
// signal and event stream. The Apply primitive is shared with the
// mutation error processor, which reconciles conflicting records to the
// server's authoritative state through the same path.
package reconcile

import (
	"context"
	"fmt"

	"github.com/tomtom215/meridian/internal/bus"
	"github.com/tomtom215/meridian/internal/models"
	"github.com/tomtom215/meridian/internal/storage"
	"github.com/tomtom215/meridian/internal/syncerr"
)

// Apply writes the remote state to the local store and announces it on
// the application bus.
//
// Write order is load-bearing: the record row first, the metadata row
// last. A crash between the two leaves the old version in place, so the
// interrupted event is re-applied on its next delivery instead of being
// dropped as stale.
func Apply(ctx context.Context, store storage.Adapter, b *bus.Bus, ms models.MutationSync) (models.MutationEvent, error) {
	if err := ms.Validate(); err != nil {
		return models.MutationEvent{}, syncerr.E(syncerr.KindInvariant, "reconcile.apply", err)
	}

	meta := ms.Metadata
	if meta.Deleted {
		if err := store.DeleteRecord(ctx, meta.ModelType, meta.ID); err != nil {
			return models.MutationEvent{}, syncerr.E(syncerr.KindStorage, "reconcile.apply", err)
		}
	} else {
		if err := store.SaveRecord(ctx, ms.Record); err != nil {
			return models.MutationEvent{}, syncerr.E(syncerr.KindStorage, "reconcile.apply", err)
		}
	}

	if err := store.SaveMetadata(ctx, meta); err != nil {
		return models.MutationEvent{}, syncerr.E(syncerr.KindStorage, "reconcile.apply", err)
	}

	ev := models.MutationEventFromRemote(ms)
	if err := b.PublishSyncReceived(ctx, ev); err != nil {
		return models.MutationEvent{}, fmt.Errorf("publish sync received: %w", err)
	}
	return ev, nil
}
