// Meridian - Offline-First Record Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package wire

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/tomtom215/meridian/internal/models"
)

// GraphQL documents. Records are opaque to Meridian, so the documents
// are generic over model type rather than generated per schema.
const (
	mutationDoc = `mutation Mutate($modelType: String!, $id: ID!, $mutationType: String!, $payload: AWSJSON, $expectedVersion: Int) {
  mutate(modelType: $modelType, id: $id, mutationType: $mutationType, payload: $payload, expectedVersion: $expectedVersion) {
    record { id model_type payload }
    sync_metadata { id model_type version last_changed_at deleted }
  }
}`

	syncDoc = `query Sync($modelType: String!, $limit: Int!, $nextToken: String) {
  sync(modelType: $modelType, limit: $limit, nextToken: $nextToken) {
    items { record { id model_type payload } sync_metadata { id model_type version last_changed_at deleted } }
    next_token
    started_at
  }
}`

	subscribeDoc = `subscription OnMutate($modelType: String!) {
  onMutate(modelType: $modelType) {
    record { id model_type payload }
    sync_metadata { id model_type version last_changed_at deleted }
  }
}`
)

// NewMutationRequest builds the upload request for a queued local
// mutation. The expected version is attached for updates and deletes so
// the backend can reject stale writes.
func NewMutationRequest(ev models.MutationEvent) *GraphQLRequest {
	vars := map[string]any{
		"modelType":    ev.ModelName,
		"id":           ev.ModelID,
		"mutationType": string(ev.Type),
	}
	if len(ev.JSON) > 0 {
		vars["payload"] = json.RawMessage(ev.JSON)
	}
	if ev.Version != nil {
		vars["expectedVersion"] = *ev.Version
	}
	return &GraphQLRequest{
		Query:         mutationDoc,
		OperationName: "Mutate",
		Variables:     vars,
	}
}

// NewSyncRequest builds one page of the initial hydration query.
func NewSyncRequest(modelType string, limit int, nextToken string) *GraphQLRequest {
	vars := map[string]any{
		"modelType": modelType,
		"limit":     limit,
	}
	if nextToken != "" {
		vars["nextToken"] = nextToken
	}
	return &GraphQLRequest{
		Query:         syncDoc,
		OperationName: "Sync",
		Variables:     vars,
	}
}

// NewSubscriptionRequest builds the per-model subscription request.
func NewSubscriptionRequest(modelType string) *GraphQLRequest {
	return &GraphQLRequest{
		Query:         subscribeDoc,
		OperationName: "OnMutate",
		Variables:     map[string]any{"modelType": modelType},
	}
}

// SyncPage is one page of the initial hydration query.
type SyncPage struct {
	Items     []models.MutationSync `json:"items"`
	NextToken string                `json:"next_token,omitempty"`
	StartedAt int64                 `json:"started_at,omitempty"`
}

// DecodeSyncPage extracts a sync page from a query response.
func DecodeSyncPage(resp *GraphQLResponse) (SyncPage, error) {
	if resp == nil || len(resp.Data) == 0 {
		return SyncPage{}, fmt.Errorf("decode sync page: empty response")
	}
	var page SyncPage
	if err := json.Unmarshal(resp.Data, &page); err != nil {
		return SyncPage{}, fmt.Errorf("decode sync page: %w", err)
	}
	return page, nil
}
