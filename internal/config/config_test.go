// OrderSense - Marketplace Order Recommendation and Cache Synchronization
// Copyright 2026 OrderSense Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ordersense/ordersense

package config

import (
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestDefaultTTLTiers(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Cache.InitialTTL >= cfg.Cache.FinalTTL {
		t.Errorf("initial TTL %s must be shorter than final TTL %s",
			cfg.Cache.InitialTTL, cfg.Cache.FinalTTL)
	}
	if cfg.Cache.TaskTTL != 10*time.Minute {
		t.Errorf("task TTL = %s, want 10m", cfg.Cache.TaskTTL)
	}
	if cfg.Embedding.CacheTTL != 24*time.Hour {
		t.Errorf("embedding cache TTL = %s, want 24h", cfg.Embedding.CacheTTL)
	}
}

func TestValidateRejectsInvertedTiers(t *testing.T) {
	cfg := defaultConfig()
	cfg.Cache.InitialTTL = 3 * time.Hour
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when initial TTL exceeds final TTL")
	}
}

func TestValidateRejectsDimensionMismatch(t *testing.T) {
	cfg := defaultConfig()
	cfg.Vector.Dimension = 512
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when embedding and vector dimensions differ")
	}
}

func TestEnvTransformFunc(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"ORDERSENSE_BACKEND_BASE_URL", "backend.base_url"},
		{"ORDERSENSE_SERVER_PORT", "server.port"},
		{"ORDERSENSE_CACHE_INITIAL_TTL", "cache.initial_ttl"},
		{"ORDERSENSE_NATS_ROUTER_RETRY_COUNT", "nats.router_retry_count"},
		{"ORDERSENSE_LOGGING_LEVEL", "logging.level"},
		{"PATH", ""},
		{"ORDERSENSE_UNKNOWN_SECTION", ""},
	}

	for _, tt := range tests {
		if got := envTransformFunc(tt.key); got != tt.want {
			t.Errorf("envTransformFunc(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestPollGapDefaults(t *testing.T) {
	cfg := defaultConfig()
	if cfg.Backend.PollMaxAttempts != 1000 {
		t.Errorf("poll_max_attempts = %d, want 1000", cfg.Backend.PollMaxAttempts)
	}
	if cfg.Backend.PollMaxConsecutiveMisses != 50 {
		t.Errorf("poll_max_consecutive_misses = %d, want 50", cfg.Backend.PollMaxConsecutiveMisses)
	}
}
