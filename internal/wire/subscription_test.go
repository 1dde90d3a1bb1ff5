// Meridian - Offline-First Record Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package wire

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// gqlTestServer is a minimal graphql-ws backend: it acks the handshake
// and then runs script against the started operation.
type gqlTestServer struct {
	t      *testing.T
	srv    *httptest.Server
	script func(conn *websocket.Conn, startID string)
}

func newGQLTestServer(t *testing.T, script func(conn *websocket.Conn, startID string)) *gqlTestServer {
	t.Helper()
	s := &gqlTestServer{t: t, script: script}
	upgrader := websocket.Upgrader{Subprotocols: []string{"graphql-ws"}}

	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		var init wsMessage
		if err := conn.ReadJSON(&init); err != nil || init.Type != gqlConnectionInit {
			t.Errorf("expected connection_init, got %+v err=%v", init, err)
			return
		}
		if err := conn.WriteJSON(wsMessage{Type: gqlConnectionAck}); err != nil {
			return
		}

		var start wsMessage
		if err := conn.ReadJSON(&start); err != nil || start.Type != gqlStart {
			t.Errorf("expected start, got %+v err=%v", start, err)
			return
		}
		s.script(conn, start.ID)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *gqlTestServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *gqlTestServer) subscribe(t *testing.T) Subscription {
	t.Helper()
	cfg := testWireConfig(s.srv.URL)
	sub, err := dialSubscription(context.Background(), s.wsURL(), "test-token", NewSubscriptionRequest("Post"), cfg)
	if err != nil {
		t.Fatalf("dialSubscription failed: %v", err)
	}
	t.Cleanup(sub.Cancel)
	return sub
}

// collectEvents reads n events or fails after the timeout.
func collectEvents(t *testing.T, sub Subscription, n int) []SubscriptionEvent {
	t.Helper()
	events := make([]SubscriptionEvent, 0, n)
	timeout := time.After(5 * time.Second)
	for len(events) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("stream closed after %d events (want %d), err=%v", len(events), n, sub.Err())
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("timed out after %d events (want %d)", len(events), n)
		}
	}
	return events
}

func TestSubscriptionConnectAndData(t *testing.T) {
	payload, _ := json.Marshal(GraphQLResponse{Data: json.RawMessage(`{"id":"id-1"}`)})
	s := newGQLTestServer(t, func(conn *websocket.Conn, startID string) {
		_ = conn.WriteJSON(wsMessage{Type: gqlData, ID: startID, Payload: payload})
		_ = conn.WriteJSON(wsMessage{Type: gqlComplete, ID: startID})
		// Hold the connection open until the client hangs up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	sub := s.subscribe(t)
	events := collectEvents(t, sub, 3)

	if events[0].Connection == nil || *events[0].Connection != Connecting {
		t.Errorf("event 0: expected Connecting, got %+v", events[0])
	}
	if events[1].Connection == nil || *events[1].Connection != Connected {
		t.Errorf("event 1: expected Connected, got %+v", events[1])
	}
	if events[2].Data == nil {
		t.Fatalf("event 2: expected data, got %+v", events[2])
	}

	// complete closes the stream cleanly.
	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Error("expected stream to close after complete")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close after complete")
	}
	if err := sub.Err(); err != nil {
		t.Errorf("expected clean completion, got %v", err)
	}
}

func TestSubscriptionServerErrorIsTerminal(t *testing.T) {
	s := newGQLTestServer(t, func(conn *websocket.Conn, startID string) {
		_ = conn.WriteJSON(wsMessage{Type: gqlError, ID: startID, Payload: json.RawMessage(`{"message":"boom"}`)})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	sub := s.subscribe(t)
	// Connecting, Connected, then terminal error.
	collectEvents(t, sub, 2)

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected stream to close on server error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close on server error")
	}
	if sub.Err() == nil {
		t.Error("expected terminal error")
	}
}

func TestSubscriptionCancelBeatsError(t *testing.T) {
	s := newGQLTestServer(t, func(conn *websocket.Conn, startID string) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	sub := s.subscribe(t)
	collectEvents(t, sub, 2)

	sub.Cancel()
	sub.Cancel() // idempotent

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected stream to close on cancel")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close on cancel")
	}
	if err := sub.Err(); err != nil {
		t.Errorf("cancellation must not surface an error, got %v", err)
	}
}
