// OrderSense - Marketplace Order Recommendation and Cache Synchronization
// Copyright 2026 OrderSense Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ordersense/ordersense

package recommend

import (
	"context"
	"math/rand"
	"sort"

	"github.com/ordersense/ordersense/internal/cache"
	"github.com/ordersense/ordersense/internal/embedding"
	"github.com/ordersense/ordersense/internal/logging"
	"github.com/ordersense/ordersense/internal/models"
	"github.com/ordersense/ordersense/internal/vectorstore"
)

// Preload pool strategy mix. Fractions of the target pool size; the
// remainder is filled at random.
const (
	similarityShare = 0.5
	priorityShare   = 0.25
	amountShare     = 0.15
)

// PoolResult is the outcome of a preload pool build.
type PoolResult struct {
	Orders []models.Order
	// Fallback is set when the user had no history and the pool is a
	// cold-start sample instead of a personalized mix.
	Fallback bool
}

// BuildPreloadPool assembles the background pagination pool for a user:
// half similarity hits anchored on the user's two most recent orders, a
// quarter of high-priority orders, a slice of high-amount orders, and a
// random filler. The pool lands in the pagination tier and the final
// recommendation tier. Users without history fall back to a cold-start
// sample.
func (s *Service) BuildPreloadPool(ctx context.Context, userID int64) (*PoolResult, error) {
	history := s.userOrders(ctx, userID)
	size := s.cfg.PreloadPool

	if len(history) == 0 {
		pool := s.index.GetByFilter(&vectorstore.Filter{State: models.StateWaitReceive}, size)
		rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
		s.storePool(userID, pool)
		return &PoolResult{Orders: pool, Fallback: true}, nil
	}

	similarN := int(float64(size) * similarityShare)
	priorityN := int(float64(size) * priorityShare)
	amountN := int(float64(size) * amountShare)

	anchors := history
	if len(anchors) > 2 {
		anchors = anchors[len(anchors)-2:]
	}

	var pool []models.Order
	for i := range anchors {
		vec, err := s.embedder.Embed(ctx, embedding.OrderText(&anchors[i]))
		if err != nil {
			logging.Warn().Err(err).Int64("user_id", userID).Msg("pool similarity slice degraded")
			continue
		}
		results := s.index.Search(vec, similarN/len(anchors)+1, &vectorstore.Filter{
			State:       models.StateWaitReceive,
			ExcludeUser: userID,
		})
		for j := range results {
			pool = append(pool, results[j].Order)
		}
	}
	if len(pool) > similarN {
		pool = pool[:similarN]
	}

	pool = append(pool, s.topOrders(userID, priorityN, byPriority)...)
	pool = append(pool, s.topOrders(userID, amountN, byAmount)...)

	if filler := size - len(pool); filler > 0 {
		pool = append(pool, s.randomOrders(userID, filler)...)
	}

	pool = dedupe(pool, size)
	s.storePool(userID, pool)
	return &PoolResult{Orders: pool}, nil
}

func byPriority(a, b *models.Order) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.FullAmount > b.FullAmount
}

func byAmount(a, b *models.Order) bool {
	return a.FullAmount > b.FullAmount
}

// topOrders returns the best open orders from other users under the
// given ordering.
func (s *Service) topOrders(excludeUser int64, n int, less func(a, b *models.Order) bool) []models.Order {
	candidates := s.index.GetByFilter(&vectorstore.Filter{
		State:       models.StateWaitReceive,
		ExcludeUser: excludeUser,
	}, 0)
	sort.SliceStable(candidates, func(i, j int) bool {
		return less(&candidates[i], &candidates[j])
	})
	return capList(candidates, n)
}

func (s *Service) randomOrders(excludeUser int64, n int) []models.Order {
	candidates := s.index.GetByFilter(&vectorstore.Filter{
		State:       models.StateWaitReceive,
		ExcludeUser: excludeUser,
	}, 0)
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	return capList(candidates, n)
}

func (s *Service) storePool(userID int64, pool []models.Order) {
	if w := s.cache.SetPaginationPool(userID, pool); w != nil {
		logging.Warn().Err(w).Int64("user_id", userID).Msg("pagination pool write")
	}
	finalN := capList(pool, s.cfg.InitialLimit)
	if w := s.cache.SetFinal(userID, nil, finalN); w != nil {
		logging.Warn().Err(w).Int64("user_id", userID).Msg("final tier write")
	}
	if len(finalN) > 0 {
		if w := s.cache.SetRecommendationWithReverseMapping(userID, finalN); w != nil {
			logging.Warn().Err(w).Int64("user_id", userID).Msg("reverse mapping write")
		}
	}
}

// Paginate serves a page out of the user's pagination pool, excluding
// orders the user has already viewed this scroll session.
func (s *Service) Paginate(ctx context.Context, userID int64, page, pageSize int) ([]models.Order, bool, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 10
	}

	pool, ok := s.cache.GetPaginationPool(userID)
	if !ok {
		result, err := s.BuildPreloadPool(ctx, userID)
		if err != nil {
			return nil, false, err
		}
		pool = result.Orders
	}

	if viewed, ok := s.cache.GetViewed(userID); ok && len(viewed) > 0 {
		seen := make(map[string]struct{}, len(viewed))
		for _, k := range viewed {
			seen[k] = struct{}{}
		}
		fresh := pool[:0]
		for i := range pool {
			if _, hit := seen[pool[i].Key()]; !hit {
				fresh = append(fresh, pool[i])
			}
		}
		pool = fresh
	}

	start := (page - 1) * pageSize
	if start >= len(pool) {
		return nil, false, nil
	}
	end := start + pageSize
	if end > len(pool) {
		end = len(pool)
	}
	pageOrders := pool[start:end]

	keys := make([]string, len(pageOrders))
	for i := range pageOrders {
		keys[i] = pageOrders[i].Key()
	}
	if w := s.cache.MarkViewed(userID, keys); w != nil {
		logging.Warn().Err(w).Int64("user_id", userID).Msg("viewed tracking write")
	}

	return pageOrders, end < len(pool), nil
}

// CacheStats reports cache occupancy, for the operator endpoint.
func (s *Service) CacheStats() (*cache.Stats, error) {
	return s.cache.Stats()
}
