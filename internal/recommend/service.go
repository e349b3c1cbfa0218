// OrderSense - Marketplace Order Recommendation and Cache Synchronization
// Copyright 2026 OrderSense Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ordersense/ordersense

// Package recommend computes personalized order recommendations.
//
// Recommendations are similarity lookups against the live WaitReceive
// pool, anchored on the user's recent order history. Users without
// history get a random cold-start sample. Results flow through the tiered
// cache: the initial tier is written synchronously, the final tier by the
// background preload pipeline.
package recommend

import (
	"context"
	"fmt"
	"math/rand"
	"sort"

	"github.com/ordersense/ordersense/internal/backend"
	"github.com/ordersense/ordersense/internal/cache"
	"github.com/ordersense/ordersense/internal/embedding"
	"github.com/ordersense/ordersense/internal/logging"
	"github.com/ordersense/ordersense/internal/metrics"
	"github.com/ordersense/ordersense/internal/models"
	"github.com/ordersense/ordersense/internal/vectorstore"
)

// Recommendation sources reported to clients.
const (
	SourceFinal     = "final"
	SourceInitial   = "initial"
	SourceColdStart = "cold_start"
	SourceComputed  = "computed"
)

// Enqueuer schedules background preload work. Nil disables scheduling.
type Enqueuer interface {
	EnqueuePreload(ctx context.Context, userID int64) error
}

// Config holds recommendation tuning.
type Config struct {
	// SearchK is the candidate count for the synchronous similarity pass.
	SearchK int
	// InitialLimit caps the initial-tier list.
	InitialLimit int
	// ColdStartPool is the sample pool size for users without history.
	ColdStartPool int
	// PreloadPool is the target size for background pool generation.
	PreloadPool int
	// HistoryOrders is how many recent own orders anchor the async compute.
	HistoryOrders int
}

func (c *Config) applyDefaults() {
	if c.SearchK <= 0 {
		c.SearchK = 30
	}
	if c.InitialLimit <= 0 {
		c.InitialLimit = 20
	}
	if c.ColdStartPool <= 0 {
		c.ColdStartPool = 100
	}
	if c.PreloadPool <= 0 {
		c.PreloadPool = 150
	}
	if c.HistoryOrders <= 0 {
		c.HistoryOrders = 3
	}
}

// Result is a recommendation response.
type Result struct {
	UserOrders []models.Order `json:"userOrders"`
	Orders     []models.Order `json:"recommendedOrders"`
	TaskID     string         `json:"taskId,omitempty"`
	IsCached   bool           `json:"isCached"`
	Source     string         `json:"recommendationType"`
}

// Service is the recommendation engine.
type Service struct {
	client   *backend.Client
	index    *vectorstore.Index
	cache    *cache.RecommendationCache
	embedder embedding.Embedder
	enqueuer Enqueuer
	cfg      Config
}

// New wires a recommendation service.
func New(client *backend.Client, index *vectorstore.Index, rc *cache.RecommendationCache,
	embedder embedding.Embedder, enqueuer Enqueuer, cfg Config) *Service {
	cfg.applyDefaults()
	return &Service{
		client:   client,
		index:    index,
		cache:    rc,
		embedder: embedder,
		enqueuer: enqueuer,
		cfg:      cfg,
	}
}

// SetEnqueuer installs the background job scheduler. The scheduler
// itself depends on this service, so it is attached after construction.
func (s *Service) SetEnqueuer(e Enqueuer) {
	s.enqueuer = e
}

// ProcessNewOrder runs the fast path for a freshly submitted order:
// similarity candidates from the live pool, same-site narrowing, the
// initial tier written synchronously, and a background preload job for
// the refined pool. Returns the initial recommendations.
//
// Stale caches for the submitting user are invalidated before the new
// initial list is written, never after.
func (s *Service) ProcessNewOrder(ctx context.Context, order *models.Order) ([]models.Order, error) {
	if err := order.Validate(); err != nil {
		return nil, fmt.Errorf("new order rejected: %w", err)
	}

	if _, w := s.cache.InvalidateUser(order.UserID); w != nil {
		logging.Warn().Err(w).Int64("user_id", order.UserID).Msg("pre-compute invalidation")
	}

	candidates := s.similar(ctx, order, s.cfg.SearchK)

	// Same-site narrowing. No same-site match means no recommendations
	// rather than cross-site ones.
	if order.SiteID != "" && order.SiteID != models.DefaultSiteID && len(candidates) > 0 {
		sameSite := candidates[:0]
		for i := range candidates {
			if candidates[i].SiteID == order.SiteID {
				sameSite = append(sameSite, candidates[i])
			}
		}
		candidates = sameSite
	}

	if len(candidates) > s.cfg.InitialLimit {
		candidates = candidates[:s.cfg.InitialLimit]
	}

	if len(candidates) > 0 {
		if w := s.cache.SetInitial(order.UserID, nil, candidates); w != nil {
			logging.Warn().Err(w).Int64("user_id", order.UserID).Msg("initial tier write")
		}
		if w := s.cache.SetRecommendationWithReverseMapping(order.UserID, candidates); w != nil {
			logging.Warn().Err(w).Int64("user_id", order.UserID).Msg("reverse mapping write")
		}
		if s.enqueuer != nil {
			if err := s.enqueuer.EnqueuePreload(ctx, order.UserID); err != nil {
				logging.Warn().Err(err).Int64("user_id", order.UserID).Msg("preload enqueue failed")
			}
		}
	}

	return candidates, nil
}

// similar returns up to k pool orders nearest to the given order's text.
// Embedding or index trouble degrades to an empty candidate list.
func (s *Service) similar(ctx context.Context, order *models.Order, k int) []models.Order {
	vec, err := s.embedder.Embed(ctx, embedding.OrderText(order))
	if err != nil {
		logging.Warn().Err(err).Str("order", order.Key()).Msg("similarity degraded to empty")
		return nil
	}

	results := s.index.Search(vec, k, &vectorstore.Filter{
		State:       models.StateWaitReceive,
		ExcludeUser: order.UserID,
	})

	orders := make([]models.Order, 0, len(results))
	selfKey := order.Key()
	for i := range results {
		if results[i].Order.Key() == selfKey {
			continue
		}
		orders = append(orders, results[i].Order)
	}
	return orders
}

// userOrders returns the user's own order history, from cache when warm.
func (s *Service) userOrders(ctx context.Context, userID int64) []models.Order {
	if orders, ok := s.cache.GetUserOrders(userID); ok {
		return orders
	}

	orders, err := s.client.ListUserOrders(ctx, userID)
	if err != nil {
		logging.Warn().Err(err).Int64("user_id", userID).Msg("user history degraded to empty")
		return nil
	}
	if w := s.cache.SetUserOrders(userID, orders); w != nil {
		logging.Warn().Err(w).Int64("user_id", userID).Msg("user history cache write")
	}
	return orders
}

// GetRecommendations computes recommendations synchronously: similarity
// anchored on the user's most recent order, the user's own latest orders
// pinned first, priority-sorted.
func (s *Service) GetRecommendations(ctx context.Context, userID int64, n int) (*Result, error) {
	if n <= 0 {
		n = 5
	}

	history := s.userOrders(ctx, userID)
	if len(history) == 0 {
		orders := s.coldStart(n)
		metrics.RecommendationRequests.WithLabelValues(SourceColdStart).Inc()
		return &Result{Orders: orders, Source: SourceColdStart}, nil
	}

	recent := history[len(history)-1]
	candidates := s.similar(ctx, &recent, 50)

	unique := dedupe(candidates, n)
	final := pinOwnOrders(history, unique, n)
	sortByPriority(final)

	metrics.RecommendationRequests.WithLabelValues(SourceComputed).Inc()
	return &Result{UserOrders: history, Orders: final, Source: SourceComputed}, nil
}

// GetRecommendationsAsync serves from the final tier, then the initial
// tier, then computes and backfills the initial tier. The final tier is
// populated by the background preload pipeline, not here.
func (s *Service) GetRecommendationsAsync(ctx context.Context, userID int64, n int) (*Result, error) {
	if n <= 0 {
		n = 5
	}
	history := s.userOrders(ctx, userID)

	if final, ok := s.cache.GetFinal(userID, nil); ok {
		metrics.RecommendationRequests.WithLabelValues(SourceFinal).Inc()
		return &Result{UserOrders: history, Orders: capList(final, n), IsCached: true, Source: SourceFinal}, nil
	}
	if initial, ok := s.cache.GetInitial(userID, nil); ok {
		metrics.RecommendationRequests.WithLabelValues(SourceInitial).Inc()
		return &Result{UserOrders: history, Orders: capList(initial, n), IsCached: true, Source: SourceInitial}, nil
	}

	if len(history) == 0 {
		orders := s.coldStart(n)
		if w := s.cache.SetInitial(userID, nil, orders); w != nil {
			logging.Warn().Err(w).Int64("user_id", userID).Msg("cold start cache write")
		}
		metrics.RecommendationRequests.WithLabelValues(SourceColdStart).Inc()
		return &Result{Orders: orders, Source: SourceColdStart}, nil
	}

	anchors := history
	if len(anchors) > s.cfg.HistoryOrders {
		anchors = anchors[len(anchors)-s.cfg.HistoryOrders:]
	}
	var candidates []models.Order
	for i := range anchors {
		candidates = append(candidates, s.similar(ctx, &anchors[i], 50)...)
	}

	unique := dedupe(candidates, n)
	final := pinOwnOrders(history, unique, n)
	sortByPriority(final)

	if w := s.cache.SetInitial(userID, nil, final); w != nil {
		logging.Warn().Err(w).Int64("user_id", userID).Msg("initial tier backfill")
	}

	metrics.RecommendationRequests.WithLabelValues(SourceComputed).Inc()
	return &Result{UserOrders: history, Orders: final, Source: SourceComputed}, nil
}

// coldStart samples the WaitReceive pool at random, caching the pool so
// repeated cold-start users don't rescan the index.
func (s *Service) coldStart(n int) []models.Order {
	pool, ok := s.cache.GetColdStartPool("global")
	if !ok {
		pool = s.index.GetByFilter(&vectorstore.Filter{State: models.StateWaitReceive}, s.cfg.ColdStartPool)
		if w := s.cache.SetColdStartPool("global", pool); w != nil {
			logging.Warn().Err(w).Msg("cold start pool cache write")
		}
	}

	sample := make([]models.Order, len(pool))
	copy(sample, pool)
	rand.Shuffle(len(sample), func(i, j int) {
		sample[i], sample[j] = sample[j], sample[i]
	})
	return capList(sample, n)
}

// DeleteOrder removes an order from the pool with the full cache cascade
// and reports how many users were affected. Idempotent.
func (s *Service) DeleteOrder(ctx context.Context, orderKey string) int {
	affected := s.cache.GetOrderAffectedUsers(orderKey)

	if order, ok := s.index.Get(orderKey); ok {
		if cleaner, isCleaner := s.embedder.(interface {
			CleanupOrderEmbedding(o *models.Order)
		}); isCleaner {
			cleaner.CleanupOrderEmbedding(order)
		}
	}
	s.index.Remove(orderKey)

	if _, w := s.cache.RemoveOrderFromAllRecommendations(orderKey); w != nil {
		logging.Warn().Err(w).Str("order", orderKey).Msg("delete cascade warning")
	}
	for _, userID := range affected {
		if _, w := s.cache.InvalidateUser(userID); w != nil {
			logging.Warn().Err(w).Int64("user_id", userID).Msg("delete invalidation")
		}
		if s.enqueuer != nil {
			if err := s.enqueuer.EnqueuePreload(ctx, userID); err != nil {
				logging.Warn().Err(err).Int64("user_id", userID).Msg("preload enqueue failed")
			}
		}
	}
	return len(affected)
}

// Pools is the promotional split of a recommendation list.
type Pools struct {
	Normal      []models.Order `json:"normalOrders"`
	Promotional []models.Order `json:"promotionalOrders"`
}

// SplitPools partitions orders into the normal and promotional pools. An
// empty promotional pool falls back to a random sample of promoted
// WaitReceive orders so the promotional slot is never blank.
func (s *Service) SplitPools(orders []models.Order) *Pools {
	p := &Pools{}
	for i := range orders {
		if orders[i].Promotion {
			p.Promotional = append(p.Promotional, orders[i])
		} else {
			p.Normal = append(p.Normal, orders[i])
		}
	}

	if len(p.Promotional) == 0 {
		fallback := s.index.GetByFilter(&vectorstore.Filter{State: models.StateWaitReceive}, s.cfg.ColdStartPool)
		promoted := fallback[:0]
		for i := range fallback {
			if fallback[i].Promotion {
				promoted = append(promoted, fallback[i])
			}
		}
		rand.Shuffle(len(promoted), func(i, j int) {
			promoted[i], promoted[j] = promoted[j], promoted[i]
		})
		p.Promotional = capList(promoted, 10)
	}
	return p
}

// dedupe drops repeated orders, keyed by owner and identifier, keeping
// first occurrences, capped at n.
func dedupe(orders []models.Order, n int) []models.Order {
	seen := make(map[string]struct{}, len(orders))
	out := make([]models.Order, 0, n)
	for i := range orders {
		key := fmt.Sprintf("%d_%s", orders[i].UserID, orders[i].Key())
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, orders[i])
		if len(out) >= n {
			break
		}
	}
	return out
}

// pinOwnOrders places the user's latest one or two orders ahead of the
// recommendations, capped at n total.
func pinOwnOrders(history, recommendations []models.Order, n int) []models.Order {
	pinCount := 2
	if len(history) < 2 {
		pinCount = len(history)
	}
	pinned := history[len(history)-pinCount:]

	final := make([]models.Order, 0, n)
	final = append(final, pinned...)
	remaining := n - len(final)
	if remaining > 0 {
		final = append(final, capList(recommendations, remaining)...)
	}
	return capList(final, n)
}

// sortByPriority orders high priority first, stable so similarity order
// breaks ties.
func sortByPriority(orders []models.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].Priority > orders[j].Priority
	})
}

func capList(orders []models.Order, n int) []models.Order {
	if len(orders) > n {
		return orders[:n]
	}
	return orders
}
