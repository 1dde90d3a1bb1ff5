// Meridian - Offline-First Record Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

// Package outbox is the durable queue of outgoing local mutations.
//
// Mutations are persisted to BadgerDB (ACID, fsync) before Enqueue
// returns, so pending uploads survive restarts and crashes. The
// dispatcher drains the queue strictly one mutation at a time; the
// InProcess flag marks the single in-flight entry and is cleared on
// startup recovery.
package outbox

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/meridian/internal/metrics"
	"github.com/tomtom215/meridian/internal/models"
	"github.com/tomtom215/meridian/internal/syncerr"
)

// prefixPending keys pending mutation rows. The key embeds the enqueue
// timestamp and a per-queue sequence so lexicographic iteration yields
// FIFO order: pending:<unixnano, zero-padded>.<sequence, zero-padded>:<event id>.
const prefixPending = "pending:"

// Queue is the Badger-backed persistent mutation queue.
type Queue struct {
	db *badger.DB

	// seq breaks ties between entries enqueued in the same nanosecond.
	seq atomic.Uint64
}

// NewQueue wraps an open Badger tree and refreshes the depth gauge.
func NewQueue(db *badger.DB) (*Queue, error) {
	q := &Queue{db: db}
	n, err := q.PendingCount(context.Background())
	if err != nil {
		return nil, err
	}
	metrics.OutboxDepth.Set(float64(n))
	return q, nil
}

// Enqueue persists a mutation. The event is durable once Enqueue
// returns.
func (q *Queue) Enqueue(ctx context.Context, ev models.MutationEvent) error {
	if err := ctx.Err(); err != nil {
		return syncerr.E(syncerr.KindCancelled, "outbox.enqueue", err)
	}
	if !ev.Type.Valid() {
		return syncerr.E(syncerr.KindInvariant, "outbox.enqueue", fmt.Errorf("unknown mutation type %q", ev.Type))
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	ev.InProcess = false

	data, err := json.Marshal(ev)
	if err != nil {
		return syncerr.E(syncerr.KindInvariant, "outbox.enqueue", fmt.Errorf("marshal mutation %s: %w", ev.ID, err))
	}

	key := q.pendingKey(ev)
	err = q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
	if err != nil {
		return syncerr.E(syncerr.KindStorage, "outbox.enqueue", err)
	}

	metrics.OutboxDepth.Inc()
	return nil
}

// DequeueHead returns the oldest pending mutation with its InProcess
// flag set and persisted, or nil when the queue is empty. The entry
// stays in the queue until MarkProcessed.
func (q *Queue) DequeueHead(ctx context.Context) (*models.MutationEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, syncerr.E(syncerr.KindCancelled, "outbox.dequeue", err)
	}

	var head *models.MutationEvent
	err := q.db.Update(func(txn *badger.Txn) error {
		key, ev, err := firstPending(txn)
		if err != nil || ev == nil {
			return err
		}

		ev.InProcess = true
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal mutation %s: %w", ev.ID, err)
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		head = ev
		return nil
	})
	if err != nil {
		return nil, syncerr.E(syncerr.KindStorage, "outbox.dequeue", err)
	}
	return head, nil
}

// MarkProcessed deletes the persisted entry for id.
func (q *Queue) MarkProcessed(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return syncerr.E(syncerr.KindCancelled, "outbox.mark_processed", err)
	}

	found := false
	err := q.db.Update(func(txn *badger.Txn) error {
		key, err := findKeyByID(txn, id)
		if err != nil || key == nil {
			return err
		}
		found = true
		return txn.Delete(key)
	})
	if err != nil {
		return syncerr.E(syncerr.KindStorage, "outbox.mark_processed", err)
	}
	if !found {
		return syncerr.E(syncerr.KindInvariant, "outbox.mark_processed", fmt.Errorf("mutation %s not found", id))
	}

	metrics.OutboxDepth.Dec()
	return nil
}

// ClearInProcess resets the InProcess flag on every entry. Called on
// engine startup so a crash mid-dispatch cannot leave a phantom
// in-flight mutation.
func (q *Queue) ClearInProcess(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return syncerr.E(syncerr.KindCancelled, "outbox.clear_in_process", err)
	}

	err := q.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixPending)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix([]byte(prefixPending)); it.Next() {
			item := it.Item()
			var ev models.MutationEvent
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", item.Key(), err)
			}
			if !ev.InProcess {
				continue
			}
			ev.InProcess = false
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			if err := txn.Set(item.KeyCopy(nil), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return syncerr.E(syncerr.KindStorage, "outbox.clear_in_process", err)
	}
	return nil
}

// PendingCount returns the number of queued mutations.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, syncerr.E(syncerr.KindCancelled, "outbox.pending_count", err)
	}

	count := 0
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixPending)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix([]byte(prefixPending)); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, syncerr.E(syncerr.KindStorage, "outbox.pending_count", err)
	}
	return count, nil
}

// pendingKey builds the FIFO key for an event.
func (q *Queue) pendingKey(ev models.MutationEvent) []byte {
	// The sequence suffix orders entries within one nanosecond.
	return []byte(fmt.Sprintf("%s%020d.%06d:%s", prefixPending, ev.CreatedAt.UnixNano(), q.seq.Add(1), ev.ID))
}

// firstPending returns the key and decoded value of the oldest entry.
func firstPending(txn *badger.Txn) ([]byte, *models.MutationEvent, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefixPending)
	it := txn.NewIterator(opts)
	defer it.Close()

	it.Rewind()
	if !it.ValidForPrefix([]byte(prefixPending)) {
		return nil, nil, nil
	}

	item := it.Item()
	var ev models.MutationEvent
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &ev)
	}); err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", item.Key(), err)
	}
	return item.KeyCopy(nil), &ev, nil
}

// findKeyByID scans pending keys for the entry with the given event id.
// Keys embed the id as their suffix, so the scan never loads values.
func findKeyByID(txn *badger.Txn, id string) ([]byte, error) {
	suffix := []byte(":" + id)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefixPending)
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.ValidForPrefix([]byte(prefixPending)); it.Next() {
		key := it.Item().Key()
		if bytes.HasSuffix(key, suffix) {
			return it.Item().KeyCopy(nil), nil
		}
	}
	return nil, nil
}
