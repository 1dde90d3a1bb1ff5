// Meridian - Offline-First Record Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

// Package config loads and validates Meridian configuration.
//
// Configuration is layered: struct defaults, then an optional YAML
// file, then environment variables with the MERIDIAN_ prefix
// (MERIDIAN_WIRE_ENDPOINT -> wire.endpoint).
package config

import (
	"fmt"
	"net/url"
	"time"
)

// Config is the root configuration.
type Config struct {
	Log    LogConfig    `koanf:"log"`
	Store  StoreConfig  `koanf:"store"`
	Wire   WireConfig   `koanf:"wire"`
	Engine EngineConfig `koanf:"engine"`
	Ops    OpsConfig    `koanf:"ops"`
	Models ModelsConfig `koanf:"models"`
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// StoreConfig tunes the Badger-backed local store and outgoing queue.
type StoreConfig struct {
	// Path is the directory holding the record store.
	Path string `koanf:"path"`

	// QueuePath is the directory holding the outgoing mutation queue.
	// Kept separate so queue compaction never stalls record reads.
	QueuePath string `koanf:"queue_path"`

	// SyncWrites forces fsync on every write. Durability over latency.
	SyncWrites bool `koanf:"sync_writes"`

	// MemTableSize is the Badger memtable size in bytes.
	MemTableSize int64 `koanf:"mem_table_size"`

	// ValueLogFileSize is the Badger value log segment size in bytes.
	ValueLogFileSize int64 `koanf:"value_log_file_size"`

	// GCInterval is how often value-log garbage collection runs.
	GCInterval time.Duration `koanf:"gc_interval"`
}

// WireConfig configures the GraphQL wire client.
type WireConfig struct {
	// Endpoint is the HTTP URL for queries and mutations.
	Endpoint string `koanf:"endpoint"`

	// SubscriptionEndpoint is the websocket URL for subscriptions.
	// Derived from Endpoint (http->ws) when empty.
	SubscriptionEndpoint string `koanf:"subscription_endpoint"`

	// AuthToken is the bearer token attached to every request. It is
	// sent as configured; the client does not inspect its expiry or
	// refresh it.
	AuthToken string `koanf:"auth_token"`

	// RequestTimeout bounds one-shot query/mutate calls.
	RequestTimeout time.Duration `koanf:"request_timeout"`

	// RateLimit is the sustained requests-per-second budget for
	// one-shot calls. Zero disables limiting.
	RateLimit float64 `koanf:"rate_limit"`

	// RateBurst is the limiter burst size.
	RateBurst int `koanf:"rate_burst"`

	// BreakerEnabled wraps one-shot calls in a circuit breaker.
	BreakerEnabled bool `koanf:"breaker_enabled"`

	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`

	// PingInterval is the websocket keepalive cadence.
	PingInterval time.Duration `koanf:"ping_interval"`
}

// EngineConfig tunes the sync engine lifecycle.
type EngineConfig struct {
	// RetryBase is the first restart delay after a recoverable failure.
	RetryBase time.Duration `koanf:"retry_base"`

	// RetryMax caps the exponential restart delay.
	RetryMax time.Duration `koanf:"retry_max"`

	// RetryAttempts is the number of whole-engine restarts before the
	// engine terminates with the last error. Zero means unlimited.
	RetryAttempts int `koanf:"retry_attempts"`

	// SyncPageSize is the page size for the initial sync query.
	SyncPageSize int `koanf:"sync_page_size"`
}

// OpsConfig configures the operational HTTP server.
type OpsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port"`

	// RateLimitReqs requests per RateLimitWindow per client IP.
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`

	CORSOrigins []string `koanf:"cors_origins"`
}

// ModelsConfig names the model types the engine synchronizes.
type ModelsConfig struct {
	// Names is the set of registered model types. One subscription and
	// one reconciliation queue is created per name.
	Names []string `koanf:"names"`
}

// defaultConfig returns a Config with all default values applied.
func defaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Path:             "/data/meridian/store",
			QueuePath:        "/data/meridian/outbox",
			SyncWrites:       true,
			MemTableSize:     64 * 1024 * 1024,
			ValueLogFileSize: 256 * 1024 * 1024,
			GCInterval:       10 * time.Minute,
		},
		Wire: WireConfig{
			RequestTimeout:   30 * time.Second,
			RateLimit:        50,
			RateBurst:        100,
			BreakerEnabled:   true,
			HandshakeTimeout: 10 * time.Second,
			PingInterval:     30 * time.Second,
		},
		Engine: EngineConfig{
			RetryBase:     time.Second,
			RetryMax:      5 * time.Minute,
			RetryAttempts: 0,
			SyncPageSize:  100,
		},
		Ops: OpsConfig{
			Enabled:         true,
			Host:            "0.0.0.0",
			Port:            7600,
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
			CORSOrigins:     []string{"*"},
		},
		Models: ModelsConfig{},
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Store.QueuePath == "" {
		return fmt.Errorf("store.queue_path is required")
	}
	if c.Store.Path == c.Store.QueuePath {
		return fmt.Errorf("store.path and store.queue_path must differ")
	}
	if c.Wire.Endpoint == "" {
		return fmt.Errorf("wire.endpoint is required")
	}
	if _, err := url.Parse(c.Wire.Endpoint); err != nil {
		return fmt.Errorf("wire.endpoint: %w", err)
	}
	if c.Wire.RequestTimeout <= 0 {
		return fmt.Errorf("wire.request_timeout must be positive")
	}
	if c.Engine.SyncPageSize <= 0 {
		return fmt.Errorf("engine.sync_page_size must be positive")
	}
	if c.Engine.RetryBase <= 0 || c.Engine.RetryMax < c.Engine.RetryBase {
		return fmt.Errorf("engine retry window is invalid")
	}
	if len(c.Models.Names) == 0 {
		return fmt.Errorf("models.names must list at least one model type")
	}
	seen := make(map[string]struct{}, len(c.Models.Names))
	for _, name := range c.Models.Names {
		if name == "" {
			return fmt.Errorf("models.names contains an empty name")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("models.names contains duplicate %q", name)
		}
		seen[name] = struct{}{}
	}
	if c.Ops.Enabled && (c.Ops.Port <= 0 || c.Ops.Port > 65535) {
		return fmt.Errorf("ops.port %d is out of range", c.Ops.Port)
	}
	return nil
}
