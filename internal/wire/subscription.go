// Meridian - Offline-First Record Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package wire

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/meridian/internal/config"
	"github.com/tomtom215/meridian/internal/logging"
	"github.com/tomtom215/meridian/internal/syncerr"
)

// graphql-ws message types.
const (
	gqlConnectionInit  = "connection_init"
	gqlConnectionAck   = "connection_ack"
	gqlConnectionError = "connection_error"
	gqlKeepAlive       = "ka"
	gqlStart           = "start"
	gqlStop            = "stop"
	gqlData            = "data"
	gqlError           = "error"
	gqlComplete        = "complete"
)

// wsMessage is the graphql-ws frame envelope.
type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// wsSubscription is one graphql-ws subscription over its own websocket
// connection. The read loop owns all inbound traffic; writes are
// serialized by writeMu (start from the read loop, pings from the
// keepalive loop, stop from Cancel).
type wsSubscription struct {
	conn    *websocket.Conn
	id      string
	request *GraphQLRequest

	events chan SubscriptionEvent

	writeMu sync.Mutex

	finishOnce sync.Once
	done       chan struct{}
	wg         sync.WaitGroup

	mu        sync.Mutex
	err       error
	cancelled bool
}

// dialSubscription connects, performs the connection_init handshake
// asynchronously, and returns the live subscription. The first events
// on the stream are Connecting and then, after the server ack,
// Connected.
func dialSubscription(ctx context.Context, wsURL, token string, req *GraphQLRequest, cfg config.WireConfig) (*wsSubscription, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout:  cfg.HandshakeTimeout,
		EnableCompression: true,
		Subprotocols:      []string{"graphql-ws"},
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, syncerr.E(syncerr.KindTransportRetryable, "wire.subscribe",
				fmt.Errorf("websocket dial failed (HTTP %d): %w", resp.StatusCode, err))
		}
		return nil, syncerr.E(syncerr.KindTransportRetryable, "wire.subscribe", fmt.Errorf("websocket dial: %w", err))
	}

	s := &wsSubscription{
		conn:    conn,
		id:      uuid.New().String(),
		request: req,
		events:  make(chan SubscriptionEvent, 16),
		done:    make(chan struct{}),
	}

	s.emit(ConnectionEvent(Connecting))

	initPayload, _ := json.Marshal(map[string]string{"Authorization": token})
	if err := s.write(wsMessage{Type: gqlConnectionInit, Payload: initPayload}); err != nil {
		conn.Close()
		return nil, syncerr.E(syncerr.KindTransportRetryable, "wire.subscribe", err)
	}

	s.wg.Add(1)
	go s.readLoop()

	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	s.wg.Add(1)
	go s.pingLoop(pingInterval)

	return s, nil
}

// Events implements Subscription.
func (s *wsSubscription) Events() <-chan SubscriptionEvent { return s.events }

// Err implements Subscription. Valid after Events() closes.
func (s *wsSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel implements Subscription. Idempotent; a cancellation racing a
// terminal failure resolves as cancelled.
func (s *wsSubscription) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()

	// Best effort: tell the server to stop the operation.
	_ = s.write(wsMessage{Type: gqlStop, ID: s.id})
	s.finish(nil)
}

// finish completes the stream exactly once. Cancellation takes
// precedence over a concurrent error.
func (s *wsSubscription) finish(err error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		if !s.cancelled {
			s.err = err
		}
		s.mu.Unlock()

		close(s.done)
		s.conn.Close()
		close(s.events)
	})
}

// emit delivers an event unless the stream has completed.
func (s *wsSubscription) emit(ev SubscriptionEvent) {
	select {
	case <-s.done:
	case s.events <- ev:
	}
}

// write serializes one frame to the connection.
func (s *wsSubscription) write(msg wsMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}

// readLoop consumes frames until terminal completion.
func (s *wsSubscription) readLoop() {
	defer s.wg.Done()

	for {
		var msg wsMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			s.mu.Lock()
			cancelled := s.cancelled
			s.mu.Unlock()
			if cancelled {
				s.finish(nil)
			} else {
				s.finish(syncerr.E(syncerr.KindTransportRetryable, "wire.subscription", err))
			}
			return
		}

		switch msg.Type {
		case gqlConnectionAck:
			// Handshake complete; start the operation.
			payload, err := json.Marshal(s.request)
			if err != nil {
				s.finish(syncerr.E(syncerr.KindInvariant, "wire.subscription", err))
				return
			}
			if err := s.write(wsMessage{Type: gqlStart, ID: s.id, Payload: payload}); err != nil {
				s.finish(syncerr.E(syncerr.KindTransportRetryable, "wire.subscription", err))
				return
			}
			s.emit(ConnectionEvent(Connected))

		case gqlKeepAlive:
			// Server-side heartbeat.

		case gqlData:
			if msg.ID != "" && msg.ID != s.id {
				continue
			}
			var resp GraphQLResponse
			if err := json.Unmarshal(msg.Payload, &resp); err != nil {
				logging.Warn().Err(err).Msg("subscription: dropping undecodable data frame")
				continue
			}
			s.emit(DataEvent(&resp))

		case gqlError, gqlConnectionError:
			s.finish(syncerr.E(syncerr.KindTransportRetryable, "wire.subscription",
				fmt.Errorf("server error frame: %s", string(msg.Payload))))
			return

		case gqlComplete:
			s.finish(nil)
			return

		default:
			logging.Debug().Str("type", msg.Type).Msg("subscription: ignoring unknown frame")
		}
	}
}

// pingLoop sends websocket pings to keep intermediaries from closing
// the connection.
func (s *wsSubscription) pingLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				logging.Debug().Err(err).Msg("subscription ping failed")
			}
		}
	}
}
