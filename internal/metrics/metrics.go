// Meridian - Offline-First Record Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

// Package metrics defines the Prometheus collectors for Meridian.
// Collectors are registered on the default registry via promauto and
// served by the ops server's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Reconciliation (incoming events)

	EventsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_reconcile_events_applied_total",
			Help: "Remote events applied to the local store, per model",
		},
		[]string{"model"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_reconcile_events_dropped_total",
			Help: "Remote events dropped as stale (version at or below local), per model",
		},
		[]string{"model"},
	)

	EventsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_reconcile_events_failed_total",
			Help: "Remote events that failed to apply and were skipped, per model",
		},
		[]string{"model"},
	)

	// Outgoing mutation queue

	OutboxDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meridian_outbox_depth",
			Help: "Pending mutations in the outgoing queue",
		},
	)

	MutationsDispatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_outbox_dispatched_total",
			Help: "Mutations acknowledged by the backend",
		},
	)

	MutationsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_outbox_failed_total",
			Help: "Mutations rejected by the backend",
		},
	)

	ConflictResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_conflict_resolutions_total",
			Help: "Conflict handler outcomes by disposition",
		},
		[]string{"disposition"},
	)

	// Engine lifecycle

	EngineRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_engine_restarts_total",
			Help: "Whole-engine restarts after recoverable failures",
		},
	)

	EngineState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meridian_engine_state",
			Help: "Current engine state as an ordinal (see engine.State)",
		},
	)

	InitialSyncPages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_initial_sync_pages_total",
			Help: "Initial sync pages ingested, per model",
		},
		[]string{"model"},
	)

	// Wire client

	WireRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_wire_requests_total",
			Help: "One-shot wire requests by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	SubscriptionReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_wire_subscription_connects_total",
			Help: "Subscription connection attempts, per model",
		},
		[]string{"model"},
	)
)

// RecordWireRequest tracks a one-shot request outcome.
func RecordWireRequest(operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	WireRequests.WithLabelValues(operation, outcome).Inc()
}
