// Meridian - Offline-First Record Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

// Package bus is the in-process application event bus.
//
// The engine publishes user-visible notifications here; application
// code subscribes by topic. Built on Watermill's gochannel Pub/Sub so
// subscribers get ordered, buffered delivery without an external
// broker.
package bus

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/tomtom215/meridian/internal/models"
)

// Topics published by the engine.
const (
	// TopicSyncReceived carries a MutationEvent for every remote change
	// applied to the local store.
	TopicSyncReceived = "datastore.sync_received"

	// TopicConditionalSaveFailed carries the MutationEvent of a local
	// mutation the backend rejected on its version precondition.
	TopicConditionalSaveFailed = "datastore.conditional_save_failed"

	// TopicReady signals that the engine reached steady-state syncing.
	TopicReady = "datastore.ready"
)

// Bus wraps the gochannel Pub/Sub with typed publish helpers.
type Bus struct {
	pubsub *gochannel.GoChannel
}

// New creates the bus.
func New() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 64},
			newWatermillLogger(),
		),
	}
}

// PublishSyncReceived emits a sync-received notification.
func (b *Bus) PublishSyncReceived(ctx context.Context, ev models.MutationEvent) error {
	return b.publish(ctx, TopicSyncReceived, ev)
}

// PublishConditionalSaveFailed emits a conditional-save-failed notification.
func (b *Bus) PublishConditionalSaveFailed(ctx context.Context, ev models.MutationEvent) error {
	return b.publish(ctx, TopicConditionalSaveFailed, ev)
}

// PublishReady signals steady-state sync.
func (b *Bus) PublishReady(ctx context.Context) error {
	msg := message.NewMessage(watermill.NewUUID(), []byte(`{}`))
	msg.SetContext(ctx)
	if err := b.pubsub.Publish(TopicReady, msg); err != nil {
		return fmt.Errorf("publish %s: %w", TopicReady, err)
	}
	return nil
}

// Subscribe returns the message stream for one topic. The stream closes
// when the bus closes or ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return ch, nil
}

// Close shuts the bus down; pending deliveries are dropped.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

func (b *Bus) publish(ctx context.Context, topic string, ev models.MutationEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("model", ev.ModelName)
	if err := b.pubsub.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// DecodeMutationEvent parses a bus message payload.
func DecodeMutationEvent(msg *message.Message) (models.MutationEvent, error) {
	var ev models.MutationEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return models.MutationEvent{}, fmt.Errorf("decode mutation event: %w", err)
	}
	return ev, nil
}
