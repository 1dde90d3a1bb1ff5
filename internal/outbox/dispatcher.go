// Meridian - Offline-First Record Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/tomtom215/meridian/internal/logging"
	"github.com/tomtom215/meridian/internal/metrics"
	"github.com/tomtom215/meridian/internal/models"
	"github.com/tomtom215/meridian/internal/syncerr"
	"github.com/tomtom215/meridian/internal/wire"
)

// pollInterval is the safety-net cadence for re-checking the queue when
// no enqueue notification arrives.
const pollInterval = time.Second

// ErrorProcessor consumes the backend's rejection of one mutation.
// A returned error is logged; the mutation is consumed either way.
type ErrorProcessor interface {
	Process(ctx context.Context, ev models.MutationEvent, respErr *wire.ResponseError) error
}

// Dispatcher drains the queue one mutation at a time.
//
// Invariant: the loop never has two outstanding wire mutations. A
// transport failure parks the queue and surfaces on Fatal() for the
// engine to make the retry/terminate decision; the failed mutation
// stays queued.
type Dispatcher struct {
	queue     *Queue
	client    wire.Client
	processor ErrorProcessor

	wake chan struct{}

	// fatal carries the terminal dispatch error to the engine.
	fatal chan error

	// Control, all guarded by mu (start/stop handshake).
	mu       sync.Mutex
	running  bool
	stopping bool
	cancel   context.CancelFunc
	stopDone chan struct{}
}

// NewDispatcher builds a dispatcher over the queue.
func NewDispatcher(queue *Queue, client wire.Client, processor ErrorProcessor) *Dispatcher {
	return &Dispatcher{
		queue:     queue,
		client:    client,
		processor: processor,
		wake:      make(chan struct{}, 1),
		fatal:     make(chan error, 1),
	}
}

// Start begins draining. It returns immediately; the loop runs until
// Pause, ctx cancellation, or a fatal transport error.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()

	for d.stopping {
		stopDone := d.stopDone
		d.mu.Unlock()
		<-stopDone
		d.mu.Lock()
	}

	if d.running {
		d.mu.Unlock()
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.stopDone = make(chan struct{})
	done := d.stopDone
	d.mu.Unlock()

	go d.run(loopCtx, done)
	logging.Info().Msg("outbox dispatcher started")
}

// Pause cancels the loop's context, which also cancels an in-flight
// mutation, and returns once the loop has exited. Safe to call when not
// running.
func (d *Dispatcher) Pause() {
	d.mu.Lock()
	if !d.running || d.stopping {
		d.mu.Unlock()
		return
	}
	d.cancel()
	d.running = false
	d.stopping = true
	done := d.stopDone
	d.mu.Unlock()

	<-done

	d.mu.Lock()
	d.stopping = false
	d.mu.Unlock()

	logging.Info().Msg("outbox dispatcher paused")
}

// Notify wakes the loop after an enqueue. Non-blocking.
func (d *Dispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Fatal surfaces the terminal dispatch error. At most one is sent per
// Start.
func (d *Dispatcher) Fatal() <-chan error {
	return d.fatal
}

// run is the dispatch loop goroutine.
func (d *Dispatcher) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if err := d.dispatchPending(ctx); err != nil {
			if syncerr.KindOf(err) == syncerr.KindCancelled {
				return
			}
			select {
			case d.fatal <- err:
			default:
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		case <-ticker.C:
		}
	}
}

// dispatchPending sends queued mutations until the queue is empty.
// Returns nil when drained, or the terminal error.
func (d *Dispatcher) dispatchPending(ctx context.Context) error {
	for {
		head, err := d.queue.DequeueHead(ctx)
		if err != nil {
			return err
		}
		if head == nil {
			return nil
		}

		if err := d.dispatchOne(ctx, *head); err != nil {
			return err
		}
	}
}

// dispatchOne sends a single mutation and settles its outcome.
func (d *Dispatcher) dispatchOne(ctx context.Context, ev models.MutationEvent) error {
	resp, err := d.client.Mutate(ctx, wire.NewMutationRequest(ev))
	if err != nil {
		// Transport failure: the mutation stays queued; the engine
		// decides whether to restart. InProcess is cleared on the next
		// engine start.
		return err
	}

	if resp.HasErrors() {
		metrics.MutationsFailed.Inc()
		respErr := &wire.ResponseError{Errors: resp.Errors}
		if perr := d.processor.Process(ctx, ev, respErr); perr != nil {
			logging.Error().Err(perr).
				Str("mutation_id", ev.ID).
				Str("model_id", ev.ModelID).
				Msg("mutation error processor failed")
		}
	} else {
		metrics.MutationsDispatched.Inc()
		logging.Debug().
			Str("mutation_id", ev.ID).
			Str("model_id", ev.ModelID).
			Str("type", string(ev.Type)).
			Msg("mutation acknowledged")
	}

	// The mutation is consumed whether the backend accepted it or the
	// error processor absorbed the rejection.
	return d.queue.MarkProcessed(ctx, ev.ID)
}
