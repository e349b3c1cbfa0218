// OrderSense - Marketplace Order Recommendation and Cache Synchronization
// Copyright 2026 OrderSense Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ordersense/ordersense

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/ordersense/config.yaml",
	"/etc/ordersense/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "ORDERSENSE_CONFIG"

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8470,
			Timeout:         30 * time.Second,
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Backend: BackendConfig{
			BaseURL:                  "http://127.0.0.1:9000",
			Timeout:                  10 * time.Second,
			PageSize:                 100,
			MaxListOrders:            10000,
			PollMaxAttempts:          1000,
			PollMaxConsecutiveMisses: 50,
			RequestsPerSecond:        20,
		},
		Embedding: EmbeddingConfig{
			BaseURL:   "http://127.0.0.1:9100",
			Timeout:   15 * time.Second,
			Dimension: 1024,
			CacheTTL:  24 * time.Hour,
		},
		Cache: CacheConfig{
			Path:          "/data/ordersense/cache",
			InitialTTL:    30 * time.Minute,
			FinalTTL:      2 * time.Hour,
			TaskTTL:       10 * time.Minute,
			UserOrdersTTL: time.Hour,
			MappingTTL:    time.Hour,
			PoolTTL:       time.Hour,
			ScrollTTL:     2 * time.Hour,
			ColdStartTTL:  30 * time.Minute,
			CursorTTL:     24 * time.Hour,
		},
		Vector: VectorConfig{
			Dimension: 1024,
		},
		Sync: SyncConfig{
			Enabled:     true,
			Interval:    time.Minute,
			FullOnStart: false,
			AffectedK:   20,
		},
		Recommend: RecommendConfig{
			SearchK:       30,
			InitialLimit:  20,
			ColdStartPool: 100,
			PreloadPool:   150,
			HistoryOrders: 3,
		},
		NATS: NATSConfig{
			Enabled:                    false,
			URL:                        "nats://127.0.0.1:4222",
			EmbeddedServer:             true,
			StoreDir:                   "/data/ordersense/nats",
			MaxMemory:                  1 << 30,
			MaxStore:                   10 << 30,
			DurableName:                "ordersense-tasks",
			QueueGroup:                 "workers",
			RouterRetryCount:           5,
			RouterRetryInitialInterval: time.Second,
			RouterPoisonQueueEnabled:   true,
			RouterPoisonQueueTopic:     "tasks.poison",
			RouterCloseTimeout:         30 * time.Second,
			HandlerTimeout:             2 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration using koanf v2 with layered sources:
//  1. Built-in defaults
//  2. Optional YAML config file
//  3. Environment variables (highest priority)
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// ORDERSENSE_BACKEND_BASE_URL -> backend.base_url
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths are parsed from comma-separated env strings.
var sliceConfigPaths = []string{
	"server.cors_origins",
}

// processSliceFields converts comma-separated string values to slices.
// Env vars come in as strings but the config expects slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

const envPrefix = "ORDERSENSE_"

// envTransformFunc maps ORDERSENSE_* environment variables to koanf paths.
// The first underscore after the prefix separates section from key:
// ORDERSENSE_BACKEND_BASE_URL -> backend.base_url.
func envTransformFunc(key string) string {
	if !strings.HasPrefix(key, envPrefix) {
		return ""
	}
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))

	sections := []string{
		"server", "backend", "embedding", "cache", "vector",
		"sync", "recommend", "nats", "logging",
	}
	for _, s := range sections {
		if strings.HasPrefix(key, s+"_") {
			return s + "." + strings.TrimPrefix(key, s+"_")
		}
	}

	// Unmapped keys are skipped so random env vars don't pollute config.
	return ""
}
