// Meridian - Offline-First Record Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/meridian/internal/config"
	"github.com/tomtom215/meridian/internal/logging"
	"github.com/tomtom215/meridian/internal/models"
)

// Key prefixes for the two row families.
const (
	prefixRecord = "record:"
	prefixMeta   = "meta:"
)

// BadgerStore implements Adapter on BadgerDB.
//
// Records are stored under "record:<modelType>:<id>" and metadata under
// "meta:<id>". Metadata is keyed by id alone because exactly one
// metadata row exists per record id regardless of model type.
type BadgerStore struct {
	db *badger.DB

	mu     sync.Mutex
	closed bool
	gcStop chan struct{}
	gcDone chan struct{}
}

// Open opens (or creates) the record store at cfg.Path and starts the
// value-log GC loop.
func Open(cfg config.StoreConfig) (*BadgerStore, error) {
	db, err := openBadger(cfg.Path, cfg)
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}

	s := &BadgerStore{
		db:     db,
		gcStop: make(chan struct{}),
		gcDone: make(chan struct{}),
	}

	interval := cfg.GCInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	go s.gcLoop(interval)

	logging.Info().Str("path", cfg.Path).Msg("record store opened")
	return s, nil
}

// openBadger applies shared Badger tuning and opens a database at path.
// Also used by the outgoing mutation queue, which keeps its own tree.
func openBadger(path string, cfg config.StoreConfig) (*badger.DB, error) {
	opts := badger.DefaultOptions(path)
	opts.SyncWrites = cfg.SyncWrites
	if cfg.MemTableSize > 0 {
		opts.MemTableSize = cfg.MemTableSize
	}
	if cfg.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = cfg.ValueLogFileSize
	}

	// Badger's own logger is noisy at INFO; route nothing through it.
	opts.Logger = nil

	return badger.Open(opts)
}

// OpenQueueDB opens the Badger tree backing the outgoing mutation
// queue at cfg.QueuePath.
func OpenQueueDB(cfg config.StoreConfig) (*badger.DB, error) {
	db, err := openBadger(cfg.QueuePath, cfg)
	if err != nil {
		return nil, fmt.Errorf("open mutation queue store: %w", err)
	}
	return db, nil
}

// SaveRecord implements Adapter.
func (s *BadgerStore) SaveRecord(ctx context.Context, rec models.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.ID, err)
	}

	key := recordKey(rec.ModelType, rec.ID)
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
	if err != nil {
		return fmt.Errorf("save record %s: %w", rec.ID, err)
	}
	return nil
}

// SaveMetadata implements Adapter.
func (s *BadgerStore) SaveMetadata(ctx context.Context, meta models.SyncMetadata) error {
	if meta.ID == "" {
		return fmt.Errorf("save metadata: missing id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata %s: %w", meta.ID, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(meta.ID), data)
	})
	if err != nil {
		return fmt.Errorf("save metadata %s: %w", meta.ID, err)
	}
	return nil
}

// DeleteRecord implements Adapter. Deleting a missing record is a no-op.
func (s *BadgerStore) DeleteRecord(ctx context.Context, modelType, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(modelType, id))
	})
	if err != nil {
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	return nil
}

// QueryRecords implements Adapter.
func (s *BadgerStore) QueryRecords(ctx context.Context, modelType string) ([]models.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte(prefixRecord + modelType + ":")
	var recs []models.Record

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			var rec models.Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("decode record %s: %w", it.Item().Key(), err)
			}
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query records %s: %w", modelType, err)
	}
	return recs, nil
}

// QueryMetadata implements Adapter. A missing row returns (nil, nil).
func (s *BadgerStore) QueryMetadata(ctx context.Context, id string) (*models.SyncMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var meta *models.SyncMetadata
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var m models.SyncMetadata
			if err := json.Unmarshal(val, &m); err != nil {
				return err
			}
			meta = &m
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("query metadata %s: %w", id, err)
	}
	return meta, nil
}

// Close stops the GC loop and closes the database.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStop)
	<-s.gcDone
	return s.db.Close()
}

// gcLoop runs Badger value-log garbage collection on a ticker.
func (s *BadgerStore) gcLoop(interval time.Duration) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			// ErrNoRewrite just means nothing needed collecting.
			if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				logging.Warn().Err(err).Msg("store value log GC failed")
			}
		}
	}
}

func recordKey(modelType, id string) []byte {
	return []byte(prefixRecord + modelType + ":" + id)
}

func metaKey(id string) []byte {
	return []byte(prefixMeta + id)
}
