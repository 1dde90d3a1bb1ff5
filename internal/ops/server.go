// Meridian - Offline-First Record Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

// Package ops serves the operational HTTP surface: liveness and
// readiness probes, Prometheus metrics, and an engine state snapshot
// for debugging.
package ops

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/meridian/internal/config"
	"github.com/tomtom215/meridian/internal/engine"
	"github.com/tomtom215/meridian/internal/logging"
)

// EngineProbe is the view of the engine the ops endpoints need.
// *engine.Engine and the supervisor's engine service both satisfy it.
type EngineProbe interface {
	Ready() bool
	State() engine.State
	Err() error
}

// Server exposes the ops endpoints for one engine.
type Server struct {
	cfg    config.OpsConfig
	engine EngineProbe
	http   *http.Server
}

// NewServer builds the server; it does not listen until Serve.
func NewServer(cfg config.OpsConfig, eng EngineProbe) *Server {
	s := &Server{cfg: cfg, engine: eng}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.RateLimitReqs > 0 {
		r.Use(httprate.LimitByIP(cfg.RateLimitReqs, cfg.RateLimitWindow))
	}
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet},
		}))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/debug/engine", s.handleEngineState)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Serve runs the server until ctx is cancelled. Implements
// suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.http.Addr).Msg("ops server listening")
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
		<-errCh
		return ctx.Err()
	}
}

// handleHealthz reports process liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports readiness: the engine must be in steady-state
// syncing.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.engine.Ready() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{
		"status": "not_ready",
		"state":  s.engine.State().String(),
	})
}

// handleEngineState snapshots the engine for debugging.
func (s *Server) handleEngineState(w http.ResponseWriter, r *http.Request) {
	snapshot := map[string]any{
		"state": s.engine.State().String(),
		"ready": s.engine.Ready(),
	}
	if err := s.engine.Err(); err != nil {
		snapshot["terminal_error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Debug().Err(err).Msg("ops response write failed")
	}
}
