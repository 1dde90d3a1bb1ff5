// Meridian - Offline-First Record Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/meridian/internal/bus"
	"github.com/tomtom215/meridian/internal/models"
	"github.com/tomtom215/meridian/internal/outbox"
	"github.com/tomtom215/meridian/internal/wire"
)

// memStore is an in-memory storage.Adapter recording write order.
type memStore struct {
	mu      sync.Mutex
	records map[string]models.Record
	meta    map[string]models.SyncMetadata
	ops     []string
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[string]models.Record),
		meta:    make(map[string]models.SyncMetadata),
	}
}

func (s *memStore) SaveRecord(ctx context.Context, rec models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, "SaveRecord:"+rec.ID)
	s.records[rec.ModelType+"/"+rec.ID] = rec
	return nil
}

func (s *memStore) SaveMetadata(ctx context.Context, meta models.SyncMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, "SaveMetadata:"+meta.ID)
	s.meta[meta.ID] = meta
	return nil
}

func (s *memStore) DeleteRecord(ctx context.Context, modelType, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, "DeleteRecord:"+id)
	delete(s.records, modelType+"/"+id)
	return nil
}

func (s *memStore) QueryRecords(ctx context.Context, modelType string) ([]models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var recs []models.Record
	for _, rec := range s.records {
		if rec.ModelType == modelType {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

func (s *memStore) QueryMetadata(ctx context.Context, id string) (*models.SyncMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.meta[id]; ok {
		copied := m
		return &copied, nil
	}
	return nil, nil
}

func (s *memStore) record(modelType, id string) (models.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[modelType+"/"+id]
	return rec, ok
}

func (s *memStore) metadata(id string) (models.SyncMetadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meta[id]
	return m, ok
}

// scriptedSub is a scriptable wire.Subscription that connects on
// creation unless told otherwise.
type scriptedSub struct {
	events    chan wire.SubscriptionEvent
	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

func newScriptedSub(autoConnect bool) *scriptedSub {
	s := &scriptedSub{events: make(chan wire.SubscriptionEvent, 64)}
	if autoConnect {
		s.events <- wire.ConnectionEvent(wire.Connected)
	}
	return s
}

func (s *scriptedSub) Events() <-chan wire.SubscriptionEvent { return s.events }

func (s *scriptedSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *scriptedSub) Cancel() {
	s.closeOnce.Do(func() { close(s.events) })
}

func (s *scriptedSub) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.events) })
}

func (s *scriptedSub) deliver(t *testing.T, ms models.MutationSync) {
	t.Helper()
	data, err := json.Marshal(ms)
	if err != nil {
		t.Fatalf("marshal mutation sync: %v", err)
	}
	s.events <- wire.DataEvent(&wire.GraphQLResponse{Data: data})
}

// scriptedClient is a scriptable wire.Client.
type scriptedClient struct {
	mu sync.Mutex

	// subs receives every subscription created, keyed by model type.
	// With scriptSub nil, Subscribe hands out auto-connecting subs.
	subs      map[string][]*scriptedSub
	scriptSub func(modelType string) (*scriptedSub, error)

	// queryFn overrides the sync query; default returns an empty page.
	queryFn func(req *wire.GraphQLRequest) (*wire.GraphQLResponse, error)

	// mutateFn overrides mutations; default acknowledges.
	mutateFn func(req *wire.GraphQLRequest) (*wire.GraphQLResponse, error)
	mutates  []*wire.GraphQLRequest
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{subs: make(map[string][]*scriptedSub)}
}

func (c *scriptedClient) Query(ctx context.Context, req *wire.GraphQLRequest) (*wire.GraphQLResponse, error) {
	c.mu.Lock()
	queryFn := c.queryFn
	c.mu.Unlock()
	if queryFn != nil {
		return queryFn(req)
	}
	data, _ := json.Marshal(wire.SyncPage{})
	return &wire.GraphQLResponse{Data: data}, nil
}

func (c *scriptedClient) Mutate(ctx context.Context, req *wire.GraphQLRequest) (*wire.GraphQLResponse, error) {
	c.mu.Lock()
	c.mutates = append(c.mutates, req)
	mutateFn := c.mutateFn
	c.mu.Unlock()
	if mutateFn != nil {
		return mutateFn(req)
	}
	return &wire.GraphQLResponse{Data: json.RawMessage(`{}`)}, nil
}

func (c *scriptedClient) Subscribe(ctx context.Context, req *wire.GraphQLRequest) (wire.Subscription, error) {
	mt, _ := req.Variables["modelType"].(string)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scriptSub != nil {
		sub, err := c.scriptSub(mt)
		if err != nil {
			return nil, err
		}
		c.subs[mt] = append(c.subs[mt], sub)
		return sub, nil
	}
	sub := newScriptedSub(true)
	c.subs[mt] = append(c.subs[mt], sub)
	return sub, nil
}

func (c *scriptedClient) mutateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.mutates)
}

func (c *scriptedClient) lastMutate() *wire.GraphQLRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.mutates) == 0 {
		return nil
	}
	return c.mutates[len(c.mutates)-1]
}

func (c *scriptedClient) latestSub(modelType string) *scriptedSub {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.subs[modelType]
	if len(subs) == 0 {
		return nil
	}
	return subs[len(subs)-1]
}

// openTestQueue builds an outbox queue on a temp Badger tree.
func openTestQueue(t *testing.T) *outbox.Queue {
	t.Helper()
	opts := badger.DefaultOptions(filepath.Join(t.TempDir(), "outbox"))
	opts.SyncWrites = false
	opts.MemTableSize = 16 * 1024 * 1024
	opts.ValueLogFileSize = 16 * 1024 * 1024
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	q, err := outbox.NewQueue(db)
	if err != nil {
		t.Fatalf("NewQueue failed: %v", err)
	}
	return q
}

// recordPayload builds a record with a title payload.
func recordPayload(id, title string) models.Record {
	payload, _ := json.Marshal(map[string]string{"title": title})
	return models.Record{ID: id, ModelType: "Post", Payload: payload}
}

// remoteSync builds a remote MutationSync.
func remoteSync(id string, version uint64, deleted bool, title string) models.MutationSync {
	ms := models.MutationSync{
		Metadata: models.SyncMetadata{
			ID: id, ModelType: "Post", Version: version, LastChangedAt: 1700000000, Deleted: deleted,
		},
	}
	if !deleted {
		ms.Record = recordPayload(id, title)
	}
	return ms
}

// conflictError builds a ConflictUnhandled response error carrying the
// remote state.
func conflictError(t *testing.T, remote models.MutationSync) *wire.ResponseError {
	t.Helper()
	data, err := json.Marshal(remote)
	if err != nil {
		t.Fatalf("marshal remote: %v", err)
	}
	return &wire.ResponseError{Errors: []wire.GraphQLError{{
		Message:   "conflict",
		ErrorType: wire.ErrorTypeConflictUnhandled,
		Data:      data,
	}}}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// collectKinds reads publisher events until (and including) stopAt, or
// fails on timeout or premature close.
func collectKinds(t *testing.T, e *Engine, stopAt EventKind) []EventKind {
	t.Helper()
	var kinds []EventKind
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-e.Events():
			if !ok {
				t.Fatalf("publisher closed early; collected %v, err=%v", kinds, e.Err())
			}
			if ev.Kind == EventMutation {
				continue
			}
			kinds = append(kinds, ev.Kind)
			if ev.Kind == stopAt {
				return kinds
			}
		case <-timeout:
			t.Fatalf("timed out; collected %v", kinds)
		}
	}
}

func kindsEqual(a, b []EventKind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func fmtKinds(kinds []EventKind) string {
	out := ""
	for i, k := range kinds {
		if i > 0 {
			out += ", "
		}
		out += k.String()
	}
	return fmt.Sprintf("[%s]", out)
}

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	b := bus.New()
	t.Cleanup(func() { b.Close() })
	return b
}
