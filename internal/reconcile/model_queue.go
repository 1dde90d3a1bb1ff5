// Meridian - Offline-First Record Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package reconcile

import (
	"context"

	"github.com/tomtom215/meridian/internal/bus"
	"github.com/tomtom215/meridian/internal/logging"
	"github.com/tomtom215/meridian/internal/metrics"
	"github.com/tomtom215/meridian/internal/models"
	"github.com/tomtom215/meridian/internal/storage"
	"github.com/tomtom215/meridian/internal/wire"
)

// ConnState is the aggregate-level view of one model's subscription.
type ConnState int

const (
	ConnDisconnected ConnState = iota
	ConnConnected
	ConnFailed
)

// String returns the state name.
func (s ConnState) String() string {
	switch s {
	case ConnConnected:
		return "connected"
	case ConnFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// AppliedFunc observes every event applied to the store.
type AppliedFunc func(ev models.MutationEvent)

// ConnectionFunc observes connection-state transitions. err is non-nil
// only for ConnFailed.
type ConnectionFunc func(modelType string, state ConnState, err error)

// ModelQueue applies one model type's incoming MutationSync payloads to
// the local store in arrival order, with at most one application in
// flight.
//
// The queue is created subscribed but not draining: data deliveries are
// buffered in memory until Start, then replayed FIFO ahead of newly
// arrived events. A store failure completes the event as failed and the
// queue moves on; it never stalls on one bad record.
type ModelQueue struct {
	modelType string
	store     storage.Adapter
	bus       *bus.Bus
	sub       wire.Subscription

	onApplied    AppliedFunc
	onConnection ConnectionFunc

	ctx     context.Context
	cancel  context.CancelFunc
	startCh chan struct{}
	inject  chan injectRequest
	drained chan struct{}
}

// injectRequest carries an out-of-band event and its completion signal.
type injectRequest struct {
	ms   models.MutationSync
	done chan struct{}
}

// NewModelQueue wires a queue to its subscription stream and begins
// buffering. Call Start to begin draining.
func NewModelQueue(ctx context.Context, modelType string, store storage.Adapter, b *bus.Bus, sub wire.Subscription, onApplied AppliedFunc, onConnection ConnectionFunc) *ModelQueue {
	qctx, cancel := context.WithCancel(ctx)
	mq := &ModelQueue{
		modelType:    modelType,
		store:        store,
		bus:          b,
		sub:          sub,
		onApplied:    onApplied,
		onConnection: onConnection,
		ctx:          qctx,
		cancel:       cancel,
		startCh:      make(chan struct{}),
		inject:       make(chan injectRequest),
		drained:      make(chan struct{}),
	}
	go mq.run()
	return mq
}

// Start begins draining. Buffered events are processed in arrival order
// before live ones. Idempotent.
func (mq *ModelQueue) Start() {
	select {
	case <-mq.startCh:
	default:
		close(mq.startCh)
	}
}

// Cancel drops the subscription and abandons buffered work. Idempotent.
func (mq *ModelQueue) Cancel() {
	mq.sub.Cancel()
	mq.cancel()
}

// Inject hands the queue an event from outside the subscription stream
// (initial sync pages). It blocks until the queue has applied the event,
// preserving per-model serialization, and reports false after
// cancellation.
func (mq *ModelQueue) Inject(ms models.MutationSync) bool {
	req := injectRequest{ms: ms, done: make(chan struct{})}
	select {
	case mq.inject <- req:
	case <-mq.ctx.Done():
		return false
	}
	select {
	case <-req.done:
		return true
	case <-mq.ctx.Done():
		return false
	}
}

// run is the single drain goroutine: buffers until started, then
// applies events strictly serially.
func (mq *ModelQueue) run() {
	defer close(mq.drained)

	started := false
	var buffer []models.MutationSync

	startCh := mq.startCh
	for {
		select {
		case <-mq.ctx.Done():
			return

		case <-startCh:
			started = true
			startCh = nil
			for _, ms := range buffer {
				mq.process(ms)
			}
			buffer = nil

		case req := <-mq.inject:
			// Initial sync only runs after Start; apply immediately to
			// keep the caller's paging synchronous with store writes.
			mq.process(req.ms)
			close(req.done)

		case ev, ok := <-mq.sub.Events():
			if !ok {
				mq.terminate()
				return
			}
			mq.handle(ev, started, &buffer)
		}
	}
}

// handle routes one subscription delivery.
func (mq *ModelQueue) handle(ev wire.SubscriptionEvent, started bool, buffer *[]models.MutationSync) {
	switch {
	case ev.Connection != nil:
		switch *ev.Connection {
		case wire.Connected:
			metrics.SubscriptionReconnects.WithLabelValues(mq.modelType).Inc()
			mq.onConnection(mq.modelType, ConnConnected, nil)
		default:
			mq.onConnection(mq.modelType, ConnDisconnected, nil)
		}

	case ev.Data != nil:
		if ev.Data.HasErrors() {
			logging.Warn().
				Str("model", mq.modelType).
				Str("error", ev.Data.Errors[0].Message).
				Msg("subscription delivered an error payload; skipping")
			return
		}
		ms, err := models.DecodeMutationSync(ev.Data.Data)
		if err != nil {
			logging.Warn().Err(err).Str("model", mq.modelType).Msg("dropping undecodable subscription event")
			metrics.EventsFailed.WithLabelValues(mq.modelType).Inc()
			return
		}
		if !started {
			*buffer = append(*buffer, ms)
			return
		}
		mq.process(ms)
	}
}

// terminate reports the subscription's terminal completion.
func (mq *ModelQueue) terminate() {
	if err := mq.sub.Err(); err != nil {
		mq.onConnection(mq.modelType, ConnFailed, err)
		return
	}
	mq.onConnection(mq.modelType, ConnDisconnected, nil)
}

// process applies one event to the store per the reconciliation rule:
// stale versions drop, deletions tombstone, everything else upserts.
// Metadata is always written last.
func (mq *ModelQueue) process(ms models.MutationSync) {
	ctx := mq.ctx

	current, err := mq.store.QueryMetadata(ctx, ms.Metadata.ID)
	if err != nil {
		logging.Error().Err(err).
			Str("model", mq.modelType).
			Str("id", ms.Metadata.ID).
			Msg("reconcile: metadata read failed; skipping event")
		metrics.EventsFailed.WithLabelValues(mq.modelType).Inc()
		return
	}

	if current != nil && ms.Metadata.Version <= current.Version {
		// Stale or duplicate delivery; dropping keeps versions monotonic.
		metrics.EventsDropped.WithLabelValues(mq.modelType).Inc()
		logging.Debug().
			Str("model", mq.modelType).
			Str("id", ms.Metadata.ID).
			Uint64("event_version", ms.Metadata.Version).
			Uint64("local_version", current.Version).
			Msg("reconcile: dropping stale event")
		return
	}

	ev, err := Apply(ctx, mq.store, mq.bus, ms)
	if err != nil {
		logging.Error().Err(err).
			Str("model", mq.modelType).
			Str("id", ms.Metadata.ID).
			Msg("reconcile: apply failed; skipping event")
		metrics.EventsFailed.WithLabelValues(mq.modelType).Inc()
		return
	}

	metrics.EventsApplied.WithLabelValues(mq.modelType).Inc()
	mq.onApplied(ev)
}
