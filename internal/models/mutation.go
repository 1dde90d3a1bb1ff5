// Meridian - Offline-First Record Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package models

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// MutationType classifies a local mutation.
type MutationType string

const (
	MutationCreate MutationType = "create"
	MutationUpdate MutationType = "update"
	MutationDelete MutationType = "delete"
)

// Valid reports whether t is one of the known mutation types.
func (t MutationType) Valid() bool {
	switch t {
	case MutationCreate, MutationUpdate, MutationDelete:
		return true
	}
	return false
}

// MutationEvent is a locally originated mutation. It is persisted in
// the outgoing queue so pending work survives restarts, and it is also
// the payload of the sync-received notifications emitted after a remote
// event has been applied to the store.
//
// Invariant: at most one event per ModelID has InProcess=true at any
// time. The outgoing queue dispatches strictly one event at a time and
// clears stale flags on startup.
type MutationEvent struct {
	// ID uniquely identifies this queue entry.
	ID string `json:"id"`

	// ModelID is the id of the record the mutation applies to.
	ModelID string `json:"model_id"`

	// ModelName is the record's model type.
	ModelName string `json:"model_name"`

	// Type is create, update, or delete.
	Type MutationType `json:"mutation_type"`

	// JSON is the serialized record payload at mutation time.
	JSON json.RawMessage `json:"json,omitempty"`

	// CreatedAt orders the queue. Events for the same record leave the
	// queue in enqueue order.
	CreatedAt time.Time `json:"created_at"`

	// InProcess marks the event currently handed to the dispatcher.
	InProcess bool `json:"in_process"`

	// Version is the expected remote version for conditional mutations.
	// Nil for creates.
	Version *uint64 `json:"version,omitempty"`
}

// NewMutationEvent builds a queue entry for a local record mutation.
func NewMutationEvent(rec Record, mt MutationType, version *uint64) (MutationEvent, error) {
	if !mt.Valid() {
		return MutationEvent{}, fmt.Errorf("mutation event: unknown type %q", mt)
	}
	if err := rec.Validate(); err != nil {
		return MutationEvent{}, err
	}
	return MutationEvent{
		ID:        uuid.New().String(),
		ModelID:   rec.ID,
		ModelName: rec.ModelType,
		Type:      mt,
		JSON:      rec.Payload,
		CreatedAt: time.Now().UTC(),
		Version:   version,
	}, nil
}

// Record reconstructs the record carried by the event.
func (e *MutationEvent) Record() Record {
	return Record{ID: e.ModelID, ModelType: e.ModelName, Payload: e.JSON}
}

// MutationEventFromRemote derives the event published to the application
// bus after a remote MutationSync has been applied locally. The type is
// derived from the metadata: deleted maps to delete, version 1 to
// create, anything else to update.
func MutationEventFromRemote(ms MutationSync) MutationEvent {
	mt := MutationUpdate
	switch {
	case ms.Metadata.Deleted:
		mt = MutationDelete
	case ms.Metadata.Version == 1:
		mt = MutationCreate
	}
	v := ms.Metadata.Version
	return MutationEvent{
		ID:        uuid.New().String(),
		ModelID:   ms.Metadata.ID,
		ModelName: ms.Metadata.ModelType,
		Type:      mt,
		JSON:      ms.Record.Payload,
		CreatedAt: time.Unix(ms.Metadata.LastChangedAt, 0).UTC(),
		Version:   &v,
	}
}
