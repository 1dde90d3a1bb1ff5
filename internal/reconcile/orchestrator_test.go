// Meridian - Offline-First Record Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/meridian/internal/bus"
	"github.com/tomtom215/meridian/internal/wire"
)

// fakeSubClient hands out one fakeSub per subscribed model.
type fakeSubClient struct {
	subs map[string]*fakeSub
}

func newFakeSubClient(modelTypes ...string) *fakeSubClient {
	subs := make(map[string]*fakeSub, len(modelTypes))
	for _, mt := range modelTypes {
		subs[mt] = newFakeSub()
	}
	return &fakeSubClient{subs: subs}
}

func (c *fakeSubClient) Query(ctx context.Context, req *wire.GraphQLRequest) (*wire.GraphQLResponse, error) {
	return &wire.GraphQLResponse{Data: json.RawMessage(`{"items":[]}`)}, nil
}

func (c *fakeSubClient) Mutate(ctx context.Context, req *wire.GraphQLRequest) (*wire.GraphQLResponse, error) {
	return &wire.GraphQLResponse{Data: json.RawMessage(`{}`)}, nil
}

func (c *fakeSubClient) Subscribe(ctx context.Context, req *wire.GraphQLRequest) (wire.Subscription, error) {
	mt, _ := req.Variables["modelType"].(string)
	sub, ok := c.subs[mt]
	if !ok {
		return nil, errors.New("unexpected model type " + mt)
	}
	return sub, nil
}

func setupOrchestrator(t *testing.T, modelTypes ...string) (*Orchestrator, *fakeSubClient, *memStore) {
	t.Helper()
	store := newMemStore()
	b := bus.New()
	t.Cleanup(func() { b.Close() })

	client := newFakeSubClient(modelTypes...)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	o, err := NewOrchestrator(ctx, modelTypes, store, b, client)
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	t.Cleanup(o.Cancel)
	return o, client, store
}

// nextEvent reads one publisher event or fails.
func nextEvent(t *testing.T, o *Orchestrator) Event {
	t.Helper()
	select {
	case ev := <-o.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for orchestrator event")
		return Event{}
	}
}

func TestInitializedExactlyOnceWhenAllModelsConnect(t *testing.T) {
	o, client, _ := setupOrchestrator(t, "Post", "Comment")
	o.Start()

	client.subs["Post"].connect()

	// Only one of two models connected: no Initialized yet.
	select {
	case ev := <-o.Events():
		t.Fatalf("premature event before all models connected: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}

	client.subs["Comment"].connect()

	ev := nextEvent(t, o)
	if !ev.Initialized {
		t.Fatalf("expected Initialized, got %+v", ev)
	}

	// Repeat connections must not re-emit Initialized.
	client.subs["Post"].connect()
	client.subs["Comment"].connect()
	select {
	case ev := <-o.Events():
		if ev.Initialized {
			t.Fatal("Initialized emitted twice")
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestMutationEventsFlowAfterInitialized(t *testing.T) {
	o, client, _ := setupOrchestrator(t, "Post")
	o.Start()

	client.subs["Post"].connect()
	if ev := nextEvent(t, o); !ev.Initialized {
		t.Fatalf("expected Initialized first, got %+v", ev)
	}

	client.subs["Post"].deliver(t, syncEvent("id-1", 1, false))

	ev := nextEvent(t, o)
	if ev.Mutation == nil || ev.Mutation.ModelID != "id-1" {
		t.Fatalf("expected mutation event for id-1, got %+v", ev)
	}
}

func TestChildFailureCompletesPublisher(t *testing.T) {
	o, client, _ := setupOrchestrator(t, "Post", "Comment")
	o.Start()

	client.subs["Post"].connect()
	wireErr := errors.New("subscription torn down")
	client.subs["Comment"].completeWith(wireErr)

	select {
	case <-o.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("publisher did not complete on child failure")
	}
	if !errors.Is(o.Err(), wireErr) {
		t.Errorf("expected child failure as terminal error, got %v", o.Err())
	}
}

func TestCancelCompletesCleanly(t *testing.T) {
	o, _, _ := setupOrchestrator(t, "Post")
	o.Start()
	o.Cancel()

	select {
	case <-o.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("publisher did not complete on cancel")
	}
	if err := o.Err(); err != nil {
		t.Errorf("cancel must not surface an error, got %v", err)
	}
}

func TestInjectRoutesToModelQueue(t *testing.T) {
	o, _, store := setupOrchestrator(t, "Post")
	o.Start()

	if err := o.Inject("Post", syncEvent("id-1", 1, false)); err != nil {
		t.Fatalf("Inject failed: %v", err)
	}
	if _, ok := store.record("Post", "id-1"); !ok {
		t.Error("injected record missing from store")
	}

	if err := o.Inject("Unknown", syncEvent("id-2", 1, false)); err == nil {
		t.Error("expected error for unknown model type")
	}
}
