// OrderSense - Marketplace Order Recommendation and Cache Synchronization
// Copyright 2026 OrderSense Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ordersense/ordersense

package embedding

import (
	"context"
	"errors"
	"time"

	"github.com/ordersense/ordersense/internal/cache"
	"github.com/ordersense/ordersense/internal/logging"
	"github.com/ordersense/ordersense/internal/metrics"
	"github.com/ordersense/ordersense/internal/models"
)

// CachedEmbedder wraps an Embedder with a content-addressed cache.
//
// Keys derive from the md5 of the exact input text, so the cache is pure:
// identical text always maps to the same entry regardless of which order
// it came from. The cache is best effort on both sides; an unreachable
// store degrades every call to a plain model computation.
type CachedEmbedder struct {
	inner Embedder
	store *cache.Store
	ttl   time.Duration
}

// NewCachedEmbedder wires the cache layer over inner.
func NewCachedEmbedder(inner Embedder, store *cache.Store, ttl time.Duration) *CachedEmbedder {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CachedEmbedder{inner: inner, store: store, ttl: ttl}
}

// Embed returns the cached vector for text, computing and caching it on a
// miss. A failed cache write after a successful computation still returns
// the vector.
func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cache.EmbeddingKey(text)

	var vec []float32
	err := e.store.GetJSON(key, &vec)
	if err == nil && len(vec) > 0 {
		metrics.EmbeddingCacheHits.Inc()
		return vec, nil
	}
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		logging.Warn().Err(err).Msg("embedding cache read degraded to miss")
	}

	vec, err = e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if werr := e.store.SetJSON(key, vec, e.ttl); werr != nil {
		logging.Warn().Err(werr).Msg("embedding cache write failed, returning computed vector")
	}
	return vec, nil
}

// CleanupOrderEmbedding removes the cached vector derived from the
// order's current text. Part of the order deletion cascade.
func (e *CachedEmbedder) CleanupOrderEmbedding(o *models.Order) {
	key := cache.EmbeddingKey(OrderText(o))
	if err := e.store.Delete(key); err != nil {
		logging.Warn().Err(err).Str("order", o.Key()).Msg("embedding cleanup failed")
	}
}

// Stats reports occupancy of the embedding cache prefix.
type Stats struct {
	TotalKeys       int     `json:"totalKeys"`
	TotalSizeMB     float64 `json:"totalSizeMb"`
	AvgSizePerKeyKB float64 `json:"avgSizePerKeyKb"`
}

// Stats scans the embedding prefix and reports key count and sizes.
func (e *CachedEmbedder) Stats() (*Stats, error) {
	prefix := cache.EmbeddingPrefix()
	n, err := e.store.Count(prefix)
	if err != nil {
		return nil, err
	}
	size, err := e.store.SizeBytes(prefix)
	if err != nil {
		return nil, err
	}

	s := &Stats{
		TotalKeys:   n,
		TotalSizeMB: float64(size) / (1024 * 1024),
	}
	if n > 0 {
		s.AvgSizePerKeyKB = float64(size) / float64(n) / 1024
	}
	return s, nil
}
