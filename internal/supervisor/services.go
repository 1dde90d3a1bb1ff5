// Meridian - Offline-First Record Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package supervisor

import (
	"context"
	"sync"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/meridian/internal/engine"
	"github.com/tomtom215/meridian/internal/logging"
)

// EngineService runs the sync engine as a suture.Service. A fresh
// engine is built per Serve invocation because an engine's lifecycle is
// single-use; suture restarts therefore get a clean state machine.
//
// The service doubles as the readiness probe for the ops server,
// delegating to whichever engine is currently running.
type EngineService struct {
	build func() (*engine.Engine, error)

	mu      sync.Mutex
	current *engine.Engine
}

// NewEngineService wraps an engine factory.
func NewEngineService(build func() (*engine.Engine, error)) *EngineService {
	return &EngineService{build: build}
}

// Serve implements suture.Service.
func (s *EngineService) Serve(ctx context.Context) error {
	eng, err := s.build()
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.current = eng
	s.mu.Unlock()

	// Drain the publisher so lifecycle events reach the log even with
	// no other observer attached.
	for {
		select {
		case ev, ok := <-eng.Events():
			if !ok {
				if err := eng.Err(); err != nil {
					return err
				}
				// Clean termination: the engine was asked to stop.
				return suture.ErrDoNotRestart
			}
			logEngineEvent(ev)
		case <-ctx.Done():
			eng.Stop()
			return ctx.Err()
		}
	}
}

// Ready reports whether the current engine is in steady-state syncing.
func (s *EngineService) Ready() bool {
	if eng := s.engine(); eng != nil {
		return eng.Ready()
	}
	return false
}

// State reports the current engine's lifecycle state.
func (s *EngineService) State() engine.State {
	if eng := s.engine(); eng != nil {
		return eng.State()
	}
	return engine.StateNotStarted
}

// Err reports the current engine's terminal error.
func (s *EngineService) Err() error {
	if eng := s.engine(); eng != nil {
		return eng.Err()
	}
	return nil
}

func (s *EngineService) engine() *engine.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func logEngineEvent(ev engine.Event) {
	switch ev.Kind {
	case engine.EventMutation:
		if ev.Mutation != nil {
			logging.Debug().
				Str("model", ev.Mutation.ModelName).
				Str("id", ev.Mutation.ModelID).
				Str("type", string(ev.Mutation.Type)).
				Msg("sync received")
		}
	case engine.EventTerminated:
		logging.Info().Err(ev.Err).Msg("engine run ended")
	default:
		logging.Info().Str("event", ev.Kind.String()).Msg("engine transition")
	}
}
