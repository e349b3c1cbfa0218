// OrderSense - Marketplace Order Recommendation and Cache Synchronization
// Copyright 2026 OrderSense Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ordersense/ordersense

// Package metrics defines the Prometheus metrics exported by OrderSense.
// All metrics are registered on the default registry via promauto and
// served from the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits counts recommendation cache reads that returned a value.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ordersense_cache_hits_total",
		Help: "Recommendation cache hits.",
	})

	// CacheMisses counts reads that missed, including degraded reads.
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ordersense_cache_misses_total",
		Help: "Recommendation cache misses, including degraded reads.",
	})

	// CacheWriteFailures counts advisory cache write failures.
	CacheWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ordersense_cache_write_failures_total",
		Help: "Best-effort cache writes that failed.",
	})

	// CacheInvalidations counts per-user invalidation cascades.
	CacheInvalidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ordersense_cache_invalidations_total",
		Help: "User cache invalidation cascades executed.",
	})

	// EmbeddingCacheHits counts embedding vectors served from cache.
	EmbeddingCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ordersense_embedding_cache_hits_total",
		Help: "Embedding vectors served from the content-addressed cache.",
	})

	// EmbeddingComputations counts calls to the embedding model service.
	EmbeddingComputations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ordersense_embedding_computations_total",
		Help: "Embedding vectors computed by the model service.",
	})

	// SyncEventsProcessed counts backend events applied, by action taken.
	SyncEventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ordersense_sync_events_processed_total",
		Help: "Backend events applied by the sync engine.",
	}, []string{"action"})

	// SyncRuns counts sync cycles by outcome.
	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ordersense_sync_runs_total",
		Help: "Sync cycles executed, by outcome.",
	}, []string{"mode", "outcome"})

	// VectorIndexSize tracks the number of rows in the vector index.
	VectorIndexSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ordersense_vector_index_rows",
		Help: "Rows currently held in the vector index.",
	})

	// CircuitBreakerState tracks breaker state per upstream
	// (0=closed, 1=half-open, 2=open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ordersense_circuit_breaker_state",
		Help: "Circuit breaker state per upstream (0=closed, 1=half-open, 2=open).",
	}, []string{"upstream"})

	// TaskDuration observes background task handler runtime.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ordersense_task_duration_seconds",
		Help:    "Background task handler duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// TasksProcessed counts background tasks by kind and outcome.
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ordersense_tasks_processed_total",
		Help: "Background tasks processed, by kind and outcome.",
	}, []string{"kind", "outcome"})

	// RecommendationRequests counts recommendation serves by source tier.
	RecommendationRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ordersense_recommendation_requests_total",
		Help: "Recommendation requests served, by source tier.",
	}, []string{"source"})

	// HTTPRequestDuration observes API handler latency.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ordersense_http_request_duration_seconds",
		Help:    "HTTP request duration by route and status class.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status"})
)
