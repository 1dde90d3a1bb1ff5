// Meridian - Offline-First Record Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

// Package engine is the top-level sync lifecycle state machine.
//
// One driver goroutine walks the startup sequence (pause everything,
// clear crash-recovery state, connect subscriptions, hydrate, activate,
// start the mutation queue), forwards reconciled events to the
// publisher, and owns the retry-versus-terminate decision when a
// subsystem fails. Retries are whole-engine: the run is torn down and
// rebuilt from StorageReady after the policy's advised delay.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/meridian/internal/bus"
	"github.com/tomtom215/meridian/internal/config"
	"github.com/tomtom215/meridian/internal/initialsync"
	"github.com/tomtom215/meridian/internal/logging"
	"github.com/tomtom215/meridian/internal/metrics"
	"github.com/tomtom215/meridian/internal/models"
	"github.com/tomtom215/meridian/internal/outbox"
	"github.com/tomtom215/meridian/internal/reconcile"
	"github.com/tomtom215/meridian/internal/storage"
	"github.com/tomtom215/meridian/internal/wire"
)

// errStopped signals a cooperative stop through the run teardown path.
var errStopped = errors.New("engine stopped")

// Params wires the engine's collaborators. Store, Queue, Client, and
// Bus are required; nil Policy and handlers fall back to defaults.
type Params struct {
	Config     config.EngineConfig
	ModelTypes []string
	Store      storage.Adapter
	Queue      *outbox.Queue
	Client     wire.Client
	Bus        *bus.Bus

	Policy    Policy
	Conflicts ConflictHandler
	Errors    ErrorHandler
}

// Engine composes the reconciliation orchestrator, the initial sync
// runner, and the outgoing mutation dispatcher under one lifecycle.
type Engine struct {
	cfg        config.EngineConfig
	modelTypes []string
	store      storage.Adapter
	queue      *outbox.Queue
	client     wire.Client
	bus        *bus.Bus
	policy     Policy
	conflicts  ConflictHandler
	errors     ErrorHandler

	events chan Event
	stopCh chan struct{}
	done   chan struct{}

	stopOnce sync.Once

	mu          sync.Mutex
	state       State
	started     bool
	terminalErr error
	dispatcher  *outbox.Dispatcher
}

// New builds an engine. It does not touch the network until Start.
func New(p Params) (*Engine, error) {
	if p.Store == nil || p.Queue == nil || p.Client == nil || p.Bus == nil {
		return nil, fmt.Errorf("engine: store, queue, client, and bus are required")
	}
	if len(p.ModelTypes) == 0 {
		return nil, fmt.Errorf("engine: at least one model type is required")
	}
	if p.Policy == nil {
		p.Policy = NewExponentialPolicy(p.Config)
	}
	if p.Conflicts == nil {
		p.Conflicts = DefaultConflictHandler
	}
	if p.Errors == nil {
		p.Errors = defaultErrorHandler
	}

	return &Engine{
		cfg:        p.Config,
		modelTypes: p.ModelTypes,
		store:      p.Store,
		queue:      p.Queue,
		client:     p.Client,
		bus:        p.Bus,
		policy:     p.Policy,
		conflicts:  p.Conflicts,
		errors:     p.Errors,
		events:     make(chan Event, 256),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
		state:      StateNotStarted,
	}, nil
}

// Start launches the driver. It may be called once.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine: already started")
	}
	e.started = true
	e.mu.Unlock()

	go e.drive(ctx)
	return nil
}

// Stop requests a cooperative shutdown and blocks until cleanup has
// completed. Idempotent. Before Start it returns at once, but the stop
// request stays set: a later Start's run stops at its first stop check.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })

	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return
	}
	<-e.done
}

// Events is the engine publisher: one event per lifecycle transition,
// one per applied remote mutation, and a terminal event before close.
func (e *Engine) Events() <-chan Event { return e.events }

// Done closes after the terminal event has been emitted.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Err reports the terminal error, nil for a clean stop.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminalErr
}

// State reports the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Ready reports whether the engine is in steady-state syncing.
func (e *Engine) Ready() bool {
	return e.State() == StateSyncing
}

// Enqueue persists a local mutation and nudges the dispatcher.
func (e *Engine) Enqueue(ctx context.Context, ev models.MutationEvent) error {
	if err := e.queue.Enqueue(ctx, ev); err != nil {
		return err
	}
	e.mu.Lock()
	d := e.dispatcher
	e.mu.Unlock()
	if d != nil {
		d.Notify()
	}
	return nil
}

// drive is the engine driver goroutine: run, and on failure consult the
// retry policy for restart or termination.
func (e *Engine) drive(ctx context.Context) {
	defer close(e.done)

	attempt := 0
	for {
		err := e.runOnce(ctx)
		if err == nil || errors.Is(err, errStopped) {
			e.terminate(nil)
			return
		}

		e.setState(StateCleaningUp)
		e.setState(StateCleanedUp)
		e.emit(Event{Kind: EventCleanedUp})

		advice := e.policy.Advice(err, attempt)
		if !advice.Retry {
			e.terminate(err)
			return
		}

		attempt++
		metrics.EngineRestarts.Inc()
		logging.Warn().Err(err).
			Int("attempt", attempt).
			Dur("delay", advice.Delay).
			Msg("engine restarting after recoverable failure")

		select {
		case <-time.After(advice.Delay):
		case <-e.stopCh:
			e.terminate(nil)
			return
		case <-ctx.Done():
			e.terminate(nil)
			return
		}
	}
}

// runOnce walks one full engine run. It returns nil or errStopped for a
// cooperative stop, any other error for a failure the driver judges.
func (e *Engine) runOnce(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.transition(StateStorageReady, EventStorageReady)

	// A fresh run has nothing draining yet; these transitions publish
	// the guarantee, not an action.
	e.transition(StateSubscriptionsPaused, EventSubscriptionsPaused)
	e.transition(StateMutationsPaused, EventMutationsPaused)

	// Crash recovery: no mutation may claim to be in flight.
	if err := e.queue.ClearInProcess(runCtx); err != nil {
		return err
	}
	e.transition(StateClearedMutationState, EventClearedStateOutgoingMutations)

	orch, err := reconcile.NewOrchestrator(runCtx, e.modelTypes, e.store, e.bus, e.client)
	if err != nil {
		return err
	}
	defer orch.Cancel()
	orch.Start()

	if err := e.awaitInitialized(orch); err != nil {
		return err
	}
	e.transition(StateSubscriptionsInitialized, EventSubscriptionsInitialized)

	runner := initialsync.NewRunner(e.client, orch, e.cfg.SyncPageSize)
	if err := e.runInitialSync(runCtx, cancel, runner); err != nil {
		return err
	}
	e.transition(StateInitialSyncDone, EventPerformedInitialSync)

	e.transition(StateSubscriptionsActivated, EventSubscriptionsActivated)

	processor := NewErrorProcessor(e.store, e.bus, e.client, e.conflicts, e.errors)
	dispatcher := outbox.NewDispatcher(e.queue, e.client, processor)
	dispatcher.Start(runCtx)
	defer func() {
		e.setDispatcher(nil)
		dispatcher.Pause()
	}()
	e.setDispatcher(dispatcher)
	e.transition(StateMutationQueueStarted, EventMutationQueueStarted)

	e.transition(StateSyncing, EventSyncStarted)
	if err := e.bus.PublishReady(runCtx); err != nil {
		logging.Warn().Err(err).Msg("ready notification failed")
	}

	return e.steadyState(runCtx, orch, dispatcher)
}

// runInitialSync runs hydration while staying responsive to Stop: a
// stop request cancels the run context and waits the runner out.
func (e *Engine) runInitialSync(ctx context.Context, cancel context.CancelFunc, runner *initialsync.Runner) error {
	result := make(chan error, 1)
	go func() { result <- runner.Run(ctx, e.modelTypes) }()

	select {
	case err := <-result:
		return err
	case <-e.stopCh:
		cancel()
		<-result
		return errStopped
	}
}

// awaitInitialized forwards early mutation events while waiting for the
// aggregate connected signal.
func (e *Engine) awaitInitialized(orch *reconcile.Orchestrator) error {
	for {
		select {
		case ev := <-orch.Events():
			if ev.Initialized {
				return nil
			}
			if ev.Mutation != nil {
				e.emit(Event{Kind: EventMutation, Mutation: ev.Mutation})
			}
		case <-orch.Done():
			return e.orchestratorError(orch)
		case <-e.stopCh:
			return errStopped
		}
	}
}

// steadyState forwards reconciled events until something terminates the
// run.
func (e *Engine) steadyState(ctx context.Context, orch *reconcile.Orchestrator, dispatcher *outbox.Dispatcher) error {
	for {
		select {
		case ev := <-orch.Events():
			if ev.Mutation != nil {
				e.emit(Event{Kind: EventMutation, Mutation: ev.Mutation})
			}
		case <-orch.Done():
			return e.orchestratorError(orch)
		case err := <-dispatcher.Fatal():
			return err
		case <-e.stopCh:
			return errStopped
		case <-ctx.Done():
			return errStopped
		}
	}
}

// orchestratorError normalizes a completed orchestrator into an error.
func (e *Engine) orchestratorError(orch *reconcile.Orchestrator) error {
	if err := orch.Err(); err != nil {
		return err
	}
	return fmt.Errorf("engine: subscriptions completed unexpectedly")
}

// terminate emits the terminal event and closes the publisher.
func (e *Engine) terminate(err error) {
	e.mu.Lock()
	e.terminalErr = err
	e.state = StateTerminated
	e.mu.Unlock()
	metrics.EngineState.Set(float64(StateTerminated))

	if err != nil {
		logging.Error().Err(err).Msg("engine terminated")
	} else {
		logging.Info().Msg("engine stopped")
	}

	e.emit(Event{Kind: EventTerminated, Err: err})
	close(e.events)
}

// transition records a state and publishes its event.
func (e *Engine) transition(s State, k EventKind) {
	e.setState(s)
	e.emit(Event{Kind: k})
	logging.Debug().Str("state", s.String()).Msg("engine state transition")
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	metrics.EngineState.Set(float64(s))
}

func (e *Engine) setDispatcher(d *outbox.Dispatcher) {
	e.mu.Lock()
	e.dispatcher = d
	e.mu.Unlock()
}

// emit delivers on the publisher, dropping (with a log) if the consumer
// has fallen far behind. Lifecycle progress must not deadlock on an
// absent reader.
func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		logging.Warn().Str("event", ev.Kind.String()).Msg("engine publisher full; dropping event")
	}
}
