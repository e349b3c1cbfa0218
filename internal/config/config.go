// OrderSense - Marketplace Order Recommendation and Cache Synchronization
// Copyright 2026 OrderSense Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ordersense/ordersense

// Package config defines the OrderSense configuration model and its
// koanf-based loader. Precedence: environment variables > config file >
// built-in defaults.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the OrderSense server.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Backend   BackendConfig   `koanf:"backend"`
	Embedding EmbeddingConfig `koanf:"embedding"`
	Cache     CacheConfig     `koanf:"cache"`
	Vector    VectorConfig    `koanf:"vector"`
	Sync      SyncConfig      `koanf:"sync"`
	Recommend RecommendConfig `koanf:"recommend"`
	NATS      NATSConfig      `koanf:"nats"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout         time.Duration `koanf:"timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// BackendConfig holds settings for the order backend of record.
type BackendConfig struct {
	BaseURL string        `koanf:"base_url" validate:"required,url"`
	Timeout time.Duration `koanf:"timeout"`

	// PageSize is the id-cursor pagination batch for full listings.
	PageSize int `koanf:"page_size" validate:"min=1"`

	// MaxListOrders caps a full listing as a runaway-pagination guard.
	MaxListOrders int `koanf:"max_list_orders"`

	// Event feed gap tolerance. The feed has no end-of-stream marker;
	// polling stops after this many consecutive missing ids, or after
	// MaxAttempts total fetches.
	PollMaxAttempts          int     `koanf:"poll_max_attempts" validate:"min=1"`
	PollMaxConsecutiveMisses int     `koanf:"poll_max_consecutive_misses" validate:"min=1"`
	RequestsPerSecond        float64 `koanf:"requests_per_second"`
}

// EmbeddingConfig holds settings for the embedding model service.
type EmbeddingConfig struct {
	BaseURL   string        `koanf:"base_url" validate:"required,url"`
	Timeout   time.Duration `koanf:"timeout"`
	Dimension int           `koanf:"dimension" validate:"min=1"`
	CacheTTL  time.Duration `koanf:"cache_ttl"`
}

// CacheConfig holds the durable cache store settings and TTL tiers.
type CacheConfig struct {
	// Path is the BadgerDB directory. Empty means in-memory (tests).
	Path string `koanf:"path"`

	InitialTTL    time.Duration `koanf:"initial_ttl"`
	FinalTTL      time.Duration `koanf:"final_ttl"`
	TaskTTL       time.Duration `koanf:"task_ttl"`
	UserOrdersTTL time.Duration `koanf:"user_orders_ttl"`
	MappingTTL    time.Duration `koanf:"mapping_ttl"`
	PoolTTL       time.Duration `koanf:"pool_ttl"`
	ScrollTTL     time.Duration `koanf:"scroll_ttl"`
	ColdStartTTL  time.Duration `koanf:"cold_start_ttl"`
	CursorTTL     time.Duration `koanf:"cursor_ttl"`
}

// VectorConfig holds vector index settings.
type VectorConfig struct {
	Dimension int `koanf:"dimension" validate:"min=1"`
}

// SyncConfig holds sync engine settings.
type SyncConfig struct {
	Enabled     bool          `koanf:"enabled"`
	Interval    time.Duration `koanf:"interval"`
	FullOnStart bool          `koanf:"full_on_start"`
	AffectedK   int           `koanf:"affected_k"`
}

// RecommendConfig holds recommendation engine tuning.
type RecommendConfig struct {
	SearchK       int `koanf:"search_k"`
	InitialLimit  int `koanf:"initial_limit"`
	ColdStartPool int `koanf:"cold_start_pool"`
	PreloadPool   int `koanf:"preload_pool"`
	HistoryOrders int `koanf:"history_orders"`
}

// NATSConfig holds task queue settings.
type NATSConfig struct {
	Enabled        bool   `koanf:"enabled"`
	URL            string `koanf:"url"`
	EmbeddedServer bool   `koanf:"embedded_server"`
	StoreDir       string `koanf:"store_dir"`
	MaxMemory      int64  `koanf:"max_memory"`
	MaxStore       int64  `koanf:"max_store"`
	DurableName    string `koanf:"durable_name"`
	QueueGroup     string `koanf:"queue_group"`

	RouterRetryCount           int           `koanf:"router_retry_count"`
	RouterRetryInitialInterval time.Duration `koanf:"router_retry_initial_interval"`
	RouterPoisonQueueEnabled   bool          `koanf:"router_poison_queue_enabled"`
	RouterPoisonQueueTopic     string        `koanf:"router_poison_queue_topic"`
	RouterCloseTimeout         time.Duration `koanf:"router_close_timeout"`
	HandlerTimeout             time.Duration `koanf:"handler_timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Validate checks the configuration for fatal errors. A failing config
// refuses to start the process.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Cache.InitialTTL >= c.Cache.FinalTTL {
		return fmt.Errorf("cache.initial_ttl (%s) must be shorter than cache.final_ttl (%s)",
			c.Cache.InitialTTL, c.Cache.FinalTTL)
	}
	if c.Embedding.Dimension != c.Vector.Dimension {
		return fmt.Errorf("embedding.dimension (%d) must match vector.dimension (%d)",
			c.Embedding.Dimension, c.Vector.Dimension)
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats.enabled is true")
	}
	return nil
}
