// Meridian - Offline-First Record Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package reconcile

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/meridian/internal/models"
	"github.com/tomtom215/meridian/internal/wire"
)

// memStore is an in-memory storage.Adapter that records write order so
// tests can assert the metadata-last discipline.
type memStore struct {
	mu      sync.Mutex
	records map[string]models.Record       // key: modelType/id
	meta    map[string]models.SyncMetadata // key: id
	ops     []string
	failOn  string // op name to fail, e.g. "SaveRecord"
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[string]models.Record),
		meta:    make(map[string]models.SyncMetadata),
	}
}

func (s *memStore) op(name, id string) error {
	s.ops = append(s.ops, name+":"+id)
	if s.failOn == name {
		return fmt.Errorf("injected %s failure", name)
	}
	return nil
}

func (s *memStore) SaveRecord(ctx context.Context, rec models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.op("SaveRecord", rec.ID); err != nil {
		return err
	}
	s.records[rec.ModelType+"/"+rec.ID] = rec
	return nil
}

func (s *memStore) SaveMetadata(ctx context.Context, meta models.SyncMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.op("SaveMetadata", meta.ID); err != nil {
		return err
	}
	s.meta[meta.ID] = meta
	return nil
}

func (s *memStore) DeleteRecord(ctx context.Context, modelType, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.op("DeleteRecord", id); err != nil {
		return err
	}
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

func (s *memStore) opLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
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

// fakeSub is a scriptable wire.Subscription.
type fakeSub struct {
	events chan wire.SubscriptionEvent

	mu        sync.Mutex
	err       error
	cancelled bool
	closeOnce sync.Once
}

func newFakeSub() *fakeSub {
	return &fakeSub{events: make(chan wire.SubscriptionEvent, 64)}
}

func (f *fakeSub) Events() <-chan wire.SubscriptionEvent { return f.events }

func (f *fakeSub) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeSub) Cancel() {
	f.mu.Lock()
	f.cancelled = true
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.events) })
}

func (f *fakeSub) completeWith(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.events) })
}

func (f *fakeSub) connect() {
	f.events <- wire.ConnectionEvent(wire.Connected)
}

func (f *fakeSub) deliver(t *testing.T, ms models.MutationSync) {
	t.Helper()
	data, err := json.Marshal(ms)
	if err != nil {
		t.Fatalf("marshal mutation sync: %v", err)
	}
	f.events <- wire.DataEvent(&wire.GraphQLResponse{Data: data})
}

// syncEvent builds a MutationSync payload for tests.
func syncEvent(id string, version uint64, deleted bool) models.MutationSync {
	payload, _ := json.Marshal(map[string]string{"title": "t-" + id})
	ms := models.MutationSync{
		Metadata: models.SyncMetadata{
			ID:            id,
			ModelType:     "Post",
			Version:       version,
			LastChangedAt: 1700000000,
			Deleted:       deleted,
		},
	}
	if !deleted {
		ms.Record = models.Record{ID: id, ModelType: "Post", Payload: payload}
	}
	return ms
}

// appliedCollector gathers onApplied callbacks.
type appliedCollector struct {
	mu  sync.Mutex
	evs []models.MutationEvent
}

func (c *appliedCollector) fn() AppliedFunc {
	return func(ev models.MutationEvent) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.evs = append(c.evs, ev)
	}
}

func (c *appliedCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.evs)
}

func (c *appliedCollector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.evs))
	for _, ev := range c.evs {
		ids = append(ids, ev.ModelID)
	}
	return ids
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

func noopConnection(string, ConnState, error) {}
