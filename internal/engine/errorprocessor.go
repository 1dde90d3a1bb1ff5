// Meridian - Offline-First Record Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package engine

import (
	"context"
	"fmt"

	"github.com/tomtom215/meridian/internal/bus"
	"github.com/tomtom215/meridian/internal/logging"
	"github.com/tomtom215/meridian/internal/metrics"
	"github.com/tomtom215/meridian/internal/models"
	"github.com/tomtom215/meridian/internal/reconcile"
	"github.com/tomtom215/meridian/internal/storage"
	"github.com/tomtom215/meridian/internal/syncerr"
	"github.com/tomtom215/meridian/internal/wire"
)

// ErrorProcessor classifies the backend's rejection of one outgoing
// mutation and reconciles the local store accordingly.
//
// Process always completes: a single error of an unclassified type is
// routed to the user error handler, and a response carrying several
// errors is logged and absorbed. A returned error is
// logged by the dispatcher; nothing is retried automatically at this
// layer.
type ErrorProcessor struct {
	store     storage.Adapter
	bus       *bus.Bus
	client    wire.Client
	conflicts ConflictHandler
	errors    ErrorHandler
}

// NewErrorProcessor wires the processor. Nil handlers fall back to the
// defaults (adopt remote, log).
func NewErrorProcessor(store storage.Adapter, b *bus.Bus, client wire.Client, conflicts ConflictHandler, errors ErrorHandler) *ErrorProcessor {
	if conflicts == nil {
		conflicts = DefaultConflictHandler
	}
	if errors == nil {
		errors = defaultErrorHandler
	}
	return &ErrorProcessor{
		store:     store,
		bus:       b,
		client:    client,
		conflicts: conflicts,
		errors:    errors,
	}
}

// Process implements outbox.ErrorProcessor.
func (p *ErrorProcessor) Process(ctx context.Context, m models.MutationEvent, respErr *wire.ResponseError) error {
	ge, ok := respErr.Single()
	if !ok {
		// Multi-error responses carry nothing actionable.
		logging.Warn().
			Str("mutation_id", m.ID).
			Int("errors", len(respErr.Errors)).
			Msg("mutation rejected with non-singular error response")
		return nil
	}

	switch ge.ErrorType {
	case wire.ErrorTypeConditionalCheck:
		if err := p.bus.PublishConditionalSaveFailed(ctx, m); err != nil {
			return err
		}
		return nil

	case wire.ErrorTypeConflictUnhandled:
		return p.processConflict(ctx, m, ge)

	default:
		// Unclassified rejection: hand to the user and complete.
		p.errors(respErr)
		return nil
	}
}

// processConflict resolves a ConflictUnhandled rejection per the
// mutation type and the remote state's deletion flag.
func (p *ErrorProcessor) processConflict(ctx context.Context, m models.MutationEvent, ge *wire.GraphQLError) error {
	remote, err := ge.RemoteModel()
	if err != nil {
		return fmt.Errorf("conflict for mutation %s: %w", m.ID, err)
	}

	switch m.Type {
	case models.MutationCreate:
		return syncerr.E(syncerr.KindInvariant, "engine.conflict",
			fmt.Errorf("mutation %s: a create should never conflict", m.ID))

	case models.MutationDelete:
		if remote.Metadata.Deleted {
			// Both sides deleted; nothing to reconcile.
			return nil
		}
		// The backend resurrected the record; recreate it locally.
		if _, err := reconcile.Apply(ctx, p.store, p.bus, remote); err != nil {
			return err
		}
		return nil

	case models.MutationUpdate:
		if remote.Metadata.Deleted {
			// Remote won with a delete: tombstone locally.
			if _, err := reconcile.Apply(ctx, p.store, p.bus, remote); err != nil {
				return err
			}
			return nil
		}
		return p.resolveUpdateConflict(ctx, m, remote)

	default:
		return syncerr.E(syncerr.KindInvariant, "engine.conflict",
			fmt.Errorf("mutation %s: unknown type %q", m.ID, m.Type))
	}
}

// resolveUpdateConflict asks the application to pick a side.
func (p *ErrorProcessor) resolveUpdateConflict(ctx context.Context, m models.MutationEvent, remote models.MutationSync) error {
	res := p.conflicts(ctx, Conflict{
		Local:         m.Record(),
		Remote:        remote.Record,
		RemoteVersion: remote.Metadata.Version,
	})
	metrics.ConflictResolutions.WithLabelValues(res.Disposition().String()).Inc()

	switch res.Disposition() {
	case DispositionApplyRemote:
		if _, err := reconcile.Apply(ctx, p.store, p.bus, remote); err != nil {
			return err
		}
		return nil

	case DispositionRetryLocal:
		p.retryUpstream(ctx, m, m.Record(), remote.Metadata.Version)
		return nil

	case DispositionRetryWith:
		replacement := res.Model()
		if replacement == nil {
			return syncerr.E(syncerr.KindInvariant, "engine.conflict",
				fmt.Errorf("mutation %s: RetryWith resolution carries no model", m.ID))
		}
		p.retryUpstream(ctx, m, *replacement, remote.Metadata.Version)
		return nil

	default:
		return syncerr.E(syncerr.KindInvariant, "engine.conflict",
			fmt.Errorf("mutation %s: unknown disposition %d", m.ID, res.Disposition()))
	}
}

// retryUpstream re-sends a record with the remote version as the
// expected version. Any further rejection goes to the user error
// handler; it is not looped back through conflict processing.
func (p *ErrorProcessor) retryUpstream(ctx context.Context, m models.MutationEvent, rec models.Record, expectedVersion uint64) {
	retry := m
	retry.JSON = rec.Payload
	retry.Version = &expectedVersion

	resp, err := p.client.Mutate(ctx, wire.NewMutationRequest(retry))
	if err != nil {
		p.errors(fmt.Errorf("conflict retry for mutation %s: %w", m.ID, err))
		return
	}
	if resp.HasErrors() {
		p.errors(fmt.Errorf("conflict retry for mutation %s: %w", m.ID, &wire.ResponseError{Errors: resp.Errors}))
		return
	}
	logging.Debug().Str("mutation_id", m.ID).Uint64("expected_version", expectedVersion).Msg("conflict retry accepted")
}
