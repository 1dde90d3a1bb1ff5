// Meridian - Offline-First Record Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package engine

import (
	"context"

	"github.com/tomtom215/meridian/internal/logging"
	"github.com/tomtom215/meridian/internal/models"
)

// Conflict is the divergence presented to the application's conflict
// handler: the locally mutated record and the backend's authoritative
// state at RemoteVersion.
type Conflict struct {
	Local         models.Record
	Remote        models.Record
	RemoteVersion uint64
}

// Disposition is the conflict handler's decision.
type Disposition int

const (
	// DispositionApplyRemote discards the local mutation and reconciles
	// the store to the remote state.
	DispositionApplyRemote Disposition = iota

	// DispositionRetryLocal re-sends the local record with the remote
	// version as the expected version.
	DispositionRetryLocal

	// DispositionRetryWith re-sends a caller-supplied record instead.
	DispositionRetryWith
)

// String returns the disposition name.
func (d Disposition) String() string {
	switch d {
	case DispositionRetryLocal:
		return "retry_local"
	case DispositionRetryWith:
		return "retry_with"
	default:
		return "apply_remote"
	}
}

// Resolution is the conflict handler's verdict. Construct with
// ApplyRemote, RetryLocal, or RetryWith.
type Resolution struct {
	disposition Disposition
	model       *models.Record
}

// ApplyRemote resolves by adopting the remote state.
func ApplyRemote() Resolution {
	return Resolution{disposition: DispositionApplyRemote}
}

// RetryLocal resolves by re-sending the local record.
func RetryLocal() Resolution {
	return Resolution{disposition: DispositionRetryLocal}
}

// RetryWith resolves by re-sending rec.
func RetryWith(rec models.Record) Resolution {
	return Resolution{disposition: DispositionRetryWith, model: &rec}
}

// Disposition returns the decision.
func (r Resolution) Disposition() Disposition { return r.disposition }

// Model returns the replacement record for DispositionRetryWith.
func (r Resolution) Model() *models.Record { return r.model }

// ConflictHandler resolves one conflict. It is called at most once per
// rejected mutation and may block; the mutation waits on its verdict.
type ConflictHandler func(ctx context.Context, c Conflict) Resolution

// DefaultConflictHandler adopts the remote state.
func DefaultConflictHandler(context.Context, Conflict) Resolution {
	return ApplyRemote()
}

// ErrorHandler receives per-mutation failures that reached a terminal
// outcome without engine involvement.
type ErrorHandler func(err error)

// defaultErrorHandler logs the failure.
func defaultErrorHandler(err error) {
	logging.Error().Err(err).Msg("unhandled mutation error")
}
