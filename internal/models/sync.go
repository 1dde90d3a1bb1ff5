// Meridian - Offline-First Record Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package models

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Record is an application payload identified by a stable string id and
// a model-type tag. The payload is opaque to the engine; it is carried
// as raw JSON and only ever handed back to the application or shipped
// to the backend verbatim.
type Record struct {
	ID        string          `json:"id"`
	ModelType string          `json:"model_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Validate checks required fields.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("record: missing id")
	}
	if r.ModelType == "" {
		return fmt.Errorf("record %s: missing model type", r.ID)
	}
	return nil
}

// SyncMetadata is the server-arbitrated version row for one record id.
// Exactly one metadata row exists per id, independent of whether a
// record row exists: a row with Deleted=true and no record row is a
// tombstone.
//
// Version is monotonically non-decreasing for the lifetime of the
// store. LastChangedAt is unix seconds as reported by the backend.
type SyncMetadata struct {
	ID            string `json:"id"`
	ModelType     string `json:"model_type"`
	Version       uint64 `json:"version"`
	LastChangedAt int64  `json:"last_changed_at"`
	Deleted       bool   `json:"deleted"`
}

// MutationSync is the unit exchanged with the backend: a record
// together with its version metadata. Subscriptions, sync pages, and
// conflict error payloads all carry this shape.
type MutationSync struct {
	Record   Record       `json:"record"`
	Metadata SyncMetadata `json:"sync_metadata"`
}

// Validate checks that the payload is internally consistent.
func (m *MutationSync) Validate() error {
	if m.Metadata.ID == "" {
		return fmt.Errorf("mutation sync: missing metadata id")
	}
	if !m.Metadata.Deleted {
		if err := m.Record.Validate(); err != nil {
			return err
		}
		if m.Record.ID != m.Metadata.ID {
			return fmt.Errorf("mutation sync %s: record id %s does not match metadata", m.Metadata.ID, m.Record.ID)
		}
	}
	return nil
}

// DecodeMutationSync parses a backend payload into a MutationSync.
func DecodeMutationSync(data []byte) (MutationSync, error) {
	var ms MutationSync
	if err := json.Unmarshal(data, &ms); err != nil {
		return MutationSync{}, fmt.Errorf("decode mutation sync: %w", err)
	}
	if err := ms.Validate(); err != nil {
		return MutationSync{}, err
	}
	return ms, nil
}
