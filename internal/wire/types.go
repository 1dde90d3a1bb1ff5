// Meridian - Offline-First Record Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

// Package wire implements the GraphQL transport the engine speaks to
// the backend: one-shot queries and mutations over HTTP, and long-lived
// subscriptions over websocket (graphql-ws protocol).
//
// The engine consumes the Client interface only; tests substitute
// in-memory fakes.
package wire

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/tomtom215/meridian/internal/models"
)

// Remote error-type tags the engine classifies. These are opaque
// strings surfaced by the backend; the engine never parses beyond
// equality.
const (
	// ErrorTypeConditionalCheck marks a mutation rejected because the
	// expected version did not match.
	ErrorTypeConditionalCheck = "ConditionalCheck"

	// ErrorTypeConflictUnhandled marks a rejected mutation carrying the
	// authoritative remote state for conflict resolution.
	ErrorTypeConflictUnhandled = "ConflictUnhandled"
)

// GraphQLRequest is a query, mutation, or subscription request.
type GraphQLRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// GraphQLError is one error entry in a GraphQL response. Data carries
// the remote MutationSync for conflict errors.
type GraphQLError struct {
	Message   string          `json:"message"`
	ErrorType string          `json:"errorType,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// RemoteModel decodes the authoritative remote state attached to a
// conflict error.
func (e *GraphQLError) RemoteModel() (models.MutationSync, error) {
	if len(e.Data) == 0 {
		return models.MutationSync{}, fmt.Errorf("graphql error %q: no remote model attached", e.ErrorType)
	}
	return models.DecodeMutationSync(e.Data)
}

// GraphQLResponse is the body of a one-shot response or one
// subscription delivery.
type GraphQLResponse struct {
	Data   json.RawMessage `json:"data,omitempty"`
	Errors []GraphQLError  `json:"errors,omitempty"`
}

// HasErrors reports whether the backend attached any error entries.
func (r *GraphQLResponse) HasErrors() bool {
	return r != nil && len(r.Errors) > 0
}

// ResponseError wraps the error entries of a rejected mutation. It is
// the input handed to the mutation error processor.
type ResponseError struct {
	Errors []GraphQLError
}

func (e *ResponseError) Error() string {
	if len(e.Errors) == 0 {
		return "graphql response error"
	}
	msgs := make([]string, 0, len(e.Errors))
	for _, ge := range e.Errors {
		if ge.ErrorType != "" {
			msgs = append(msgs, ge.ErrorType+": "+ge.Message)
		} else {
			msgs = append(msgs, ge.Message)
		}
	}
	return "graphql response error: " + strings.Join(msgs, "; ")
}

// Single returns the sole error entry, or false when the response does
// not carry exactly one.
func (e *ResponseError) Single() (*GraphQLError, bool) {
	if len(e.Errors) != 1 {
		return nil, false
	}
	return &e.Errors[0], true
}

// ConnectionState describes a subscription's transport state.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

// String returns the state name.
func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// SubscriptionEvent is one delivery on a subscription stream: either a
// connection-state transition or a data payload. Exactly one field is
// non-nil.
type SubscriptionEvent struct {
	Connection *ConnectionState
	Data       *GraphQLResponse
}

// ConnectionEvent builds a connection-state delivery.
func ConnectionEvent(state ConnectionState) SubscriptionEvent {
	return SubscriptionEvent{Connection: &state}
}

// DataEvent builds a data delivery.
func DataEvent(resp *GraphQLResponse) SubscriptionEvent {
	return SubscriptionEvent{Data: resp}
}

// Subscription is a long-lived stream of subscription events. Events()
// closes on terminal completion; Err() then reports the terminal error,
// nil for a clean completion or cancellation.
type Subscription interface {
	Events() <-chan SubscriptionEvent
	Err() error
	Cancel()
}

// Client is the wire contract the engine consumes.
type Client interface {
	// Query runs a one-shot query.
	Query(ctx context.Context, req *GraphQLRequest) (*GraphQLResponse, error)

	// Mutate runs a one-shot mutation. A response carrying GraphQL
	// errors is returned with a nil error; transport failures are
	// returned as classified errors.
	Mutate(ctx context.Context, req *GraphQLRequest) (*GraphQLResponse, error)

	// Subscribe opens a long-lived subscription stream.
	Subscribe(ctx context.Context, req *GraphQLRequest) (Subscription, error)
}
