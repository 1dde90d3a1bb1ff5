// Meridian - Offline-First Record Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package reconcile

import (
	"context"
	"fmt"
	"sync"

	"github.com/tomtom215/meridian/internal/bus"
	"github.com/tomtom215/meridian/internal/logging"
	"github.com/tomtom215/meridian/internal/models"
	"github.com/tomtom215/meridian/internal/storage"
	"github.com/tomtom215/meridian/internal/wire"
)

// Event is one delivery on the orchestrator's publisher: either the
// one-time Initialized signal or an applied mutation.
type Event struct {
	Initialized bool
	Mutation    *models.MutationEvent
}

// Orchestrator owns one ModelQueue per registered model type and lifts
// them into a single stream.
//
// Connection transitions from all queues funnel through one mutex, so
// two models connecting simultaneously cannot both observe "last one
// in": exactly one transition emits Initialized. Any queue failing
// completes the publisher with that failure.
type Orchestrator struct {
	queues map[string]*ModelQueue

	events chan Event
	done   chan struct{}

	mu          sync.Mutex
	conn        map[string]ConnState
	initialized bool
	failed      bool
	err         error
}

// NewOrchestrator subscribes every model type and wires its queue.
// Queues start buffering immediately; call Start to begin draining.
func NewOrchestrator(ctx context.Context, modelTypes []string, store storage.Adapter, b *bus.Bus, client wire.Client) (*Orchestrator, error) {
	o := &Orchestrator{
		queues: make(map[string]*ModelQueue, len(modelTypes)),
		events: make(chan Event, 64),
		done:   make(chan struct{}),
		conn:   make(map[string]ConnState, len(modelTypes)),
	}

	for _, mt := range modelTypes {
		sub, err := client.Subscribe(ctx, wire.NewSubscriptionRequest(mt))
		if err != nil {
			o.Cancel()
			return nil, fmt.Errorf("subscribe %s: %w", mt, err)
		}
		o.conn[mt] = ConnDisconnected
		o.queues[mt] = NewModelQueue(ctx, mt, store, b, sub, o.onApplied, o.onConnection)
	}

	return o, nil
}

// Start begins draining every queue.
func (o *Orchestrator) Start() {
	for _, q := range o.queues {
		q.Start()
	}
}

// Events is the aggregate publisher. It yields Initialized exactly once
// when every model first connects, then one event per applied mutation.
// Done() signals terminal completion.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// Done closes on terminal completion; Err then reports the cause.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Err reports the terminal failure, nil after Cancel.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Cancel cancels every queue. Idempotent; takes precedence over a
// concurrent failure.
func (o *Orchestrator) Cancel() {
	for _, q := range o.queues {
		q.Cancel()
	}
	o.finish(nil)
}

// Inject routes an out-of-band event (initial sync page item) through
// the model's queue, preserving per-model serialization.
func (o *Orchestrator) Inject(modelType string, ms models.MutationSync) error {
	q, ok := o.queues[modelType]
	if !ok {
		return fmt.Errorf("inject: unknown model type %q", modelType)
	}
	if !q.Inject(ms) {
		return fmt.Errorf("inject: queue %s is cancelled", modelType)
	}
	return nil
}

// onApplied forwards an applied mutation to the publisher.
func (o *Orchestrator) onApplied(ev models.MutationEvent) {
	o.emit(Event{Mutation: &ev})
}

// onConnection folds one queue's transition into the aggregate state.
func (o *Orchestrator) onConnection(modelType string, state ConnState, err error) {
	o.mu.Lock()
	o.conn[modelType] = state

	if state == ConnFailed {
		o.mu.Unlock()
		logging.Error().Err(err).Str("model", modelType).Msg("subscription failed")
		o.finish(err)
		return
	}

	emitInit := false
	if state == ConnConnected && !o.initialized && o.allConnected() {
		o.initialized = true
		emitInit = true
	}
	o.mu.Unlock()

	if emitInit {
		logging.Info().Int("models", len(o.conn)).Msg("all model subscriptions connected")
		o.emit(Event{Initialized: true})
	}
}

// allConnected must be called with mu held.
func (o *Orchestrator) allConnected() bool {
	for _, st := range o.conn {
		if st != ConnConnected {
			return false
		}
	}
	return true
}

// emit delivers unless the publisher has completed.
func (o *Orchestrator) emit(ev Event) {
	select {
	case <-o.done:
	case o.events <- ev:
	}
}

// finish completes the publisher exactly once. A nil error marks
// cancellation; cancellation wins over a racing failure.
func (o *Orchestrator) finish(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failed {
		if err == nil {
			o.err = nil
		}
		return
	}
	o.failed = true
	o.err = err
	close(o.done)
}
