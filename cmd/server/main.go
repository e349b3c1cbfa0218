// OrderSense - Marketplace Order Recommendation and Cache Synchronization
// Copyright 2026 OrderSense Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ordersense/ordersense

// Package main is the entry point for the OrderSense server.
//
// OrderSense keeps a marketplace's order recommendations synchronized
// with its backend of record. It maintains an embedding-based vector
// index of open orders, serves personalized recommendations through a
// tiered cache, and reconciles the index against the backend's event
// feed.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: layered load from defaults, config file and
//     ORDERSENSE_* environment variables (koanf v2)
//  2. Cache store: BadgerDB with per-tier TTLs
//  3. Vector index and embedding client (with embedding read-through cache)
//  4. Backend client: circuit breaker plus client-side rate limit
//  5. Task queue: embedded NATS JetStream, external NATS, or in-process
//  6. Orchestrator: watermill router with retry and poison queue
//  7. Recommendation service and sync engine
//  8. Supervisor tree: sync loop, task router and HTTP server
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the HTTP server drains
// in-flight requests, the task router finishes in-flight handlers, and
// the cache store closes cleanly.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ordersense/ordersense/internal/api"
	"github.com/ordersense/ordersense/internal/backend"
	"github.com/ordersense/ordersense/internal/cache"
	"github.com/ordersense/ordersense/internal/config"
	"github.com/ordersense/ordersense/internal/embedding"
	"github.com/ordersense/ordersense/internal/logging"
	"github.com/ordersense/ordersense/internal/orchestrator"
	"github.com/ordersense/ordersense/internal/queue"
	"github.com/ordersense/ordersense/internal/recommend"
	"github.com/ordersense/ordersense/internal/supervisor"
	"github.com/ordersense/ordersense/internal/syncengine"
	"github.com/ordersense/ordersense/internal/vectorstore"
)

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("server failed")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().Str("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)).
		Msg("starting ordersense")

	store, err := cache.Open(cfg.Cache.Path)
	if err != nil {
		return fmt.Errorf("open cache store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Warn().Err(err).Msg("cache store close")
		}
	}()

	rc := cache.NewRecommendationCache(store, cache.TTLConfig{
		Initial:    cfg.Cache.InitialTTL,
		Final:      cfg.Cache.FinalTTL,
		Task:       cfg.Cache.TaskTTL,
		UserOrders: cfg.Cache.UserOrdersTTL,
		Mapping:    cfg.Cache.MappingTTL,
		Pool:       cfg.Cache.PoolTTL,
		Scroll:     cfg.Cache.ScrollTTL,
		ColdStart:  cfg.Cache.ColdStartTTL,
		Cursor:     cfg.Cache.CursorTTL,
	})

	index := vectorstore.New(cfg.Vector.Dimension)

	embedder := embedding.NewCachedEmbedder(
		embedding.NewModelClient(embedding.ClientConfig{
			BaseURL:   cfg.Embedding.BaseURL,
			Timeout:   cfg.Embedding.Timeout,
			Dimension: cfg.Embedding.Dimension,
		}),
		rc.Store(),
		cfg.Embedding.CacheTTL,
	)

	client := backend.New(backend.Config{
		BaseURL:              cfg.Backend.BaseURL,
		Timeout:              cfg.Backend.Timeout,
		PageSize:             cfg.Backend.PageSize,
		MaxListOrders:        cfg.Backend.MaxListOrders,
		RequestsPerSecond:    cfg.Backend.RequestsPerSecond,
		MaxAttempts:          cfg.Backend.PollMaxAttempts,
		MaxConsecutiveMisses: cfg.Backend.PollMaxConsecutiveMisses,
	})

	natsURL, embeddedNATS, err := setupNATS(cfg)
	if err != nil {
		return err
	}
	if embeddedNATS != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := embeddedNATS.Shutdown(shutdownCtx); err != nil {
				logging.Warn().Err(err).Msg("embedded NATS shutdown")
			}
		}()
	}

	transport, err := queue.NewTransport(queue.TransportConfig{
		NATSURL:     natsURL,
		DurableName: cfg.NATS.DurableName,
		QueueGroup:  cfg.NATS.QueueGroup,
	})
	if err != nil {
		return fmt.Errorf("create task transport: %w", err)
	}
	defer func() {
		if err := transport.Close(); err != nil {
			logging.Warn().Err(err).Msg("task transport close")
		}
	}()

	recs := recommend.New(client, index, rc, embedder, nil, recommend.Config{
		SearchK:       cfg.Recommend.SearchK,
		InitialLimit:  cfg.Recommend.InitialLimit,
		ColdStartPool: cfg.Recommend.ColdStartPool,
		PreloadPool:   cfg.Recommend.PreloadPool,
		HistoryOrders: cfg.Recommend.HistoryOrders,
	})

	orch, err := orchestrator.New(transport, recs, rc, orchestrator.Config{
		RetryCount:           cfg.NATS.RouterRetryCount,
		RetryInitialInterval: cfg.NATS.RouterRetryInitialInterval,
		HandlerTimeout:       cfg.NATS.HandlerTimeout,
		CloseTimeout:         cfg.NATS.RouterCloseTimeout,
		PoisonTopic:          cfg.NATS.RouterPoisonQueueTopic,
		PoisonEnabled:        cfg.NATS.RouterPoisonQueueEnabled,
	})
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}
	recs.SetEnqueuer(orch)

	engine := syncengine.New(client, backend.NewPoller(client), index, rc, embedder, orch,
		syncengine.Config{AffectedK: cfg.Sync.AffectedK})

	handler := api.NewHandler(recs, engine, orch, rc, index, client)
	server := api.NewServer(api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		Timeout:         cfg.Server.Timeout,
		CORSOrigins:     cfg.Server.CORSOrigins,
		RateLimitReqs:   cfg.Server.RateLimitReqs,
		RateLimitWindow: cfg.Server.RateLimitWindow,
	}, handler)

	tree := supervisor.NewTree(
		slog.New(slog.NewJSONHandler(os.Stdout, nil)),
		supervisor.DefaultTreeConfig(),
	)
	tree.AddTaskService(supervisor.NewOrchestratorService(orch))
	tree.AddAPIService(supervisor.NewHTTPService(server))
	if cfg.Sync.Enabled {
		tree.AddSyncService(supervisor.NewSyncService(engine, supervisor.SyncServiceConfig{
			Interval:    cfg.Sync.Interval,
			FullOnStart: cfg.Sync.FullOnStart,
		}))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor: %w", err)
	}
	logging.Info().Msg("shutdown complete")
	return nil
}

// setupNATS resolves the task queue endpoint: an embedded JetStream
// server, an external one, or none (in-process transport).
func setupNATS(cfg *config.Config) (string, *queue.EmbeddedServer, error) {
	if !cfg.NATS.Enabled {
		return "", nil, nil
	}
	if !cfg.NATS.EmbeddedServer {
		return cfg.NATS.URL, nil, nil
	}

	srv, err := queue.NewEmbeddedServer(queue.ServerConfig{
		Host:      "127.0.0.1",
		Port:      -1,
		StoreDir:  cfg.NATS.StoreDir,
		MaxMemory: cfg.NATS.MaxMemory,
		MaxStore:  cfg.NATS.MaxStore,
	})
	if err != nil {
		return "", nil, fmt.Errorf("start embedded NATS: %w", err)
	}
	logging.Info().Str("url", srv.ClientURL()).Msg("embedded NATS server started")
	return srv.ClientURL(), srv, nil
}
