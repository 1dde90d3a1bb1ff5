// Meridian - Offline-First Record Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package wire

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/meridian/internal/config"
	"github.com/tomtom215/meridian/internal/syncerr"
)

func testWireConfig(endpoint string) config.WireConfig {
	return config.WireConfig{
		Endpoint:         endpoint,
		RequestTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		PingInterval:     30 * time.Second,
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(testWireConfig(srv.URL), StaticTokenSource("test-token"))
	if err != nil {
		t.Fatalf("NewHTTPClient failed: %v", err)
	}
	return c
}

func TestQueryRoundTrip(t *testing.T) {
	var gotAuth string
	var gotReq GraphQLRequest

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(GraphQLResponse{Data: json.RawMessage(`{"ok":true}`)})
	})

	resp, err := c.Query(context.Background(), NewSyncRequest("Post", 10, ""))
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if resp.HasErrors() {
		t.Fatalf("unexpected errors: %+v", resp.Errors)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("expected bearer token, got %q", gotAuth)
	}
	if gotReq.OperationName != "Sync" {
		t.Errorf("expected Sync operation, got %q", gotReq.OperationName)
	}
	if gotReq.Variables["modelType"] != "Post" {
		t.Errorf("expected modelType variable, got %v", gotReq.Variables["modelType"])
	}
}

func TestMutateReturnsGraphQLErrorsWithoutTransportError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(GraphQLResponse{
			Errors: []GraphQLError{{Message: "version mismatch", ErrorType: ErrorTypeConditionalCheck}},
		})
	})

	resp, err := c.Mutate(context.Background(), &GraphQLRequest{Query: "mutation {}"})
	if err != nil {
		t.Fatalf("Mutate must not fail on a GraphQL-level error: %v", err)
	}
	if !resp.HasErrors() {
		t.Fatal("expected response errors")
	}
	if resp.Errors[0].ErrorType != ErrorTypeConditionalCheck {
		t.Errorf("unexpected error type %q", resp.Errors[0].ErrorType)
	}
}

func TestServerErrorIsRetryable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.Query(context.Background(), &GraphQLRequest{Query: "query {}"})
	if err == nil {
		t.Fatal("expected error for HTTP 503")
	}
	if kind := syncerr.KindOf(err); kind != syncerr.KindTransportRetryable {
		t.Errorf("expected retryable kind, got %s", kind)
	}
}

func TestClientErrorIsFatal(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.Query(context.Background(), &GraphQLRequest{Query: "query {}"})
	if err == nil {
		t.Fatal("expected error for HTTP 401")
	}
	if kind := syncerr.KindOf(err); kind != syncerr.KindTransportFatal {
		t.Errorf("expected fatal kind, got %s", kind)
	}
}

func TestResponseErrorSingle(t *testing.T) {
	tests := []struct {
		name   string
		errors []GraphQLError
		want   bool
	}{
		{"no errors", nil, false},
		{"one error", []GraphQLError{{Message: "x"}}, true},
		{"two errors", []GraphQLError{{Message: "x"}, {Message: "y"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			re := &ResponseError{Errors: tt.errors}
			_, ok := re.Single()
			if ok != tt.want {
				t.Errorf("Single() = %v, want %v", ok, tt.want)
			}
		})
	}
}

func TestRemoteModelDecode(t *testing.T) {
	remote := map[string]any{
		"record": map[string]any{
			"id":         "id-1",
			"model_type": "Post",
			"payload":    map[string]string{"title": "remote"},
		},
		"sync_metadata": map[string]any{
			"id":         "id-1",
			"model_type": "Post",
			"version":    2,
		},
	}
	data, _ := json.Marshal(remote)

	ge := &GraphQLError{ErrorType: ErrorTypeConflictUnhandled, Data: data}
	ms, err := ge.RemoteModel()
	if err != nil {
		t.Fatalf("RemoteModel failed: %v", err)
	}
	if ms.Metadata.Version != 2 || ms.Record.ID != "id-1" {
		t.Errorf("unexpected remote model: %+v", ms)
	}

	empty := &GraphQLError{ErrorType: ErrorTypeConflictUnhandled}
	if _, err := empty.RemoteModel(); err == nil {
		t.Error("expected error for missing remote model")
	}
}

func TestDecodeSyncPage(t *testing.T) {
	data := json.RawMessage(`{"items":[{"record":{"id":"id-1","model_type":"Post","payload":{}},"sync_metadata":{"id":"id-1","model_type":"Post","version":1}}],"next_token":"t-2"}`)
	got, err := DecodeSyncPage(&GraphQLResponse{Data: data})
	if err != nil {
		t.Fatalf("DecodeSyncPage failed: %v", err)
	}
	if len(got.Items) != 1 || got.NextToken != "t-2" {
		t.Errorf("unexpected page: %+v", got)
	}
}
