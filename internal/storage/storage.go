// Meridian - Offline-First Record Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

// Package storage provides the local persistent store for records and
// their sync metadata.
//
// The engine accesses the store only through the Adapter interface;
// BadgerStore is the production implementation. Individual operations
// are atomic, but the engine deliberately avoids multi-operation
// transactions: remote reconciliation writes the record first and the
// metadata last, so a crash between the two leaves a stale version
// that is safely re-applied on the next delivery.
package storage

import (
	"context"

	"github.com/tomtom215/meridian/internal/models"
)

// Adapter is the store contract the sync engine consumes.
//
// QueryMetadata returns (nil, nil) when no metadata row exists for the
// id. DeleteRecord on a missing record is a no-op, not an error.
type Adapter interface {
	// SaveRecord upserts a record row.
	SaveRecord(ctx context.Context, rec models.Record) error

	// SaveMetadata upserts the metadata row for a record id.
	SaveMetadata(ctx context.Context, meta models.SyncMetadata) error

	// DeleteRecord removes a record row, leaving metadata untouched.
	DeleteRecord(ctx context.Context, modelType, id string) error

	// QueryRecords returns all record rows of one model type.
	QueryRecords(ctx context.Context, modelType string) ([]models.Record, error)

	// QueryMetadata returns the metadata row for an id, or nil.
	QueryMetadata(ctx context.Context, id string) (*models.SyncMetadata, error)
}
