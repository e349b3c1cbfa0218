// OrderSense - Marketplace Order Recommendation and Cache Synchronization
// Copyright 2026 OrderSense Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ordersense/ordersense

// Package syncengine keeps the vector index and recommendation cache
// eventually consistent with the order backend.
//
// The engine applies the backend's event feed as a state machine over the
// recommendable pool: an order transitioning into WaitReceive is inserted
// (replacing any stale row), an order leaving WaitReceive is removed with
// a full cache cascade, and every other transition is a no-op that still
// advances the cursor.
package syncengine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ordersense/ordersense/internal/backend"
	"github.com/ordersense/ordersense/internal/cache"
	"github.com/ordersense/ordersense/internal/embedding"
	"github.com/ordersense/ordersense/internal/logging"
	"github.com/ordersense/ordersense/internal/metrics"
	"github.com/ordersense/ordersense/internal/models"
	"github.com/ordersense/ordersense/internal/vectorstore"
)

// JobEnqueuer schedules background preload work for users whose cached
// recommendations were invalidated by a pool change. A nil enqueuer
// disables scheduling; invalidation still happens.
type JobEnqueuer interface {
	EnqueuePreload(ctx context.Context, userID int64) error
}

// Config holds sync engine tuning.
type Config struct {
	// AffectedK bounds the similarity search used to find users whose
	// cached lists a newly inserted order could appear in.
	AffectedK int
}

// Engine is the sync engine.
type Engine struct {
	client   *backend.Client
	poller   *backend.Poller
	index    *vectorstore.Index
	cache    *cache.RecommendationCache
	embedder embedding.Embedder
	enqueuer JobEnqueuer
	cfg      Config
}

// New wires a sync engine.
func New(client *backend.Client, poller *backend.Poller, index *vectorstore.Index,
	rc *cache.RecommendationCache, embedder embedding.Embedder, enqueuer JobEnqueuer, cfg Config) *Engine {
	if cfg.AffectedK <= 0 {
		cfg.AffectedK = 20
	}
	return &Engine{
		client:   client,
		poller:   poller,
		index:    index,
		cache:    rc,
		embedder: embedder,
		enqueuer: enqueuer,
		cfg:      cfg,
	}
}

// Report summarizes one sync cycle.
type Report struct {
	Processed int
	Inserted  int
	Removed   int
	Skipped   int
	End       backend.EndOfStream
}

// SyncEvents runs one incremental sync cycle: poll new events, apply the
// state rules, and advance the persisted cursor. The cursor only moves
// when at least one event was processed, so an empty cycle repeats the
// same window rather than silently skipping ahead.
func (e *Engine) SyncEvents(ctx context.Context) (*Report, error) {
	cursor := e.cache.GetSyncCursor()

	result, err := e.poller.Poll(ctx, cursor.LastEventID)
	if err != nil {
		metrics.SyncRuns.WithLabelValues("incremental", "error").Inc()
		return nil, fmt.Errorf("sync poll: %w", err)
	}

	report := &Report{End: result.End}
	var maxID int64
	var maxTime string

	for i := range result.Events {
		ev := &result.Events[i]
		if !e.isNew(ev, cursor) {
			continue
		}

		if err := e.applyEvent(ctx, ev, report); err != nil {
			logging.Error().Err(err).Int64("event_id", ev.ID).
				Str("task_number", ev.TaskNumber).Msg("event apply failed, continuing")
			report.Skipped++
		}
		report.Processed++

		if ev.ID > maxID {
			maxID = ev.ID
		}
		if ev.OperationTime > maxTime {
			maxTime = ev.OperationTime
		}
	}

	if report.Processed > 0 {
		cursor.LastEventID = maxID
		cursor.LastSyncTimestamp = maxTime
		cursor.LastSyncTime = time.Now()
		cursor.TotalOrders = e.index.Count()
		if w := e.cache.SetSyncCursor(cursor); w != nil {
			logging.Warn().Err(w).Msg("cursor persist failed, window will be reexamined")
		}
	}

	metrics.SyncRuns.WithLabelValues("incremental", "ok").Inc()
	return report, nil
}

// isNew filters already-processed events. A zero cursor means first sync:
// everything is new. With an id cursor, ids decide; without one (after a
// full resync) the operation timestamp decides.
func (e *Engine) isNew(ev *models.Event, cursor *models.SyncCursor) bool {
	if cursor.IsZero() {
		return true
	}
	if cursor.LastEventID > 0 {
		return ev.ID > cursor.LastEventID
	}
	return ev.OperationTime > cursor.LastSyncTimestamp
}

func (e *Engine) applyEvent(ctx context.Context, ev *models.Event, report *Report) error {
	switch {
	case ev.RequiresInsert():
		if err := e.processInsert(ctx, ev); err != nil {
			return err
		}
		report.Inserted++
		metrics.SyncEventsProcessed.WithLabelValues("insert").Inc()

	case ev.RequiresRemove():
		key := ExtractOrderKey(ev)
		if key == "" {
			return fmt.Errorf("remove event %d has no resolvable order id", ev.ID)
		}
		e.ForceRemove(ctx, key)
		report.Removed++
		metrics.SyncEventsProcessed.WithLabelValues("remove").Inc()

	default:
		// Transition entirely outside the recommendable pool. Processed
		// but nothing to apply.
		metrics.SyncEventsProcessed.WithLabelValues("noop").Inc()
	}
	return nil
}

// processInsert fetches the full order record and (re)inserts it. An
// existing row is removed first so a stale vector never survives a
// re-listing.
func (e *Engine) processInsert(ctx context.Context, ev *models.Event) error {
	order, err := e.resolveOrder(ctx, ev)
	if err != nil {
		return err
	}
	if !order.Recommendable() {
		// Feed raced with a newer transition; the later event will handle it.
		return nil
	}

	key := order.Key()
	if _, exists := e.index.Get(key); exists {
		e.index.Remove(key)
	}

	vec, err := e.embedder.Embed(ctx, embedding.OrderText(order))
	if err != nil {
		return fmt.Errorf("embed order %s: %w", key, err)
	}
	if err := e.index.Upsert(order, vec); err != nil {
		return fmt.Errorf("index order %s: %w", key, err)
	}

	e.propagateInsert(ctx, order, vec)
	return nil
}

func (e *Engine) resolveOrder(ctx context.Context, ev *models.Event) (*models.Order, error) {
	if ev.Order != nil && ev.Order.Validate() == nil {
		return ev.Order, nil
	}

	key := ExtractOrderKey(ev)
	if key == "" {
		return nil, fmt.Errorf("insert event %d has no resolvable order id", ev.ID)
	}
	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("insert event %d: order key %q is not fetchable", ev.ID, key)
	}
	order, err := e.client.GetOrder(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch order %d: %w", id, err)
	}
	return order, nil
}

// propagateInsert invalidates cached lists that the new order could now
// appear in: the union of users tracked against the order's nearest
// neighbors in the pool. Each gets an invalidation and, when an enqueuer
// is wired, a preload job.
func (e *Engine) propagateInsert(ctx context.Context, order *models.Order, vec []float32) {
	neighbors := e.index.Search(vec, e.cfg.AffectedK, &vectorstore.Filter{
		State: models.StateWaitReceive,
	})

	users := make(map[int64]struct{})
	for i := range neighbors {
		for _, userID := range e.cache.GetOrderAffectedUsers(neighbors[i].Order.Key()) {
			users[userID] = struct{}{}
		}
	}

	for userID := range users {
		if _, w := e.cache.InvalidateUser(userID); w != nil {
			logging.Warn().Err(w).Int64("user_id", userID).Msg("insert propagation invalidation")
		}
		if e.enqueuer != nil {
			if err := e.enqueuer.EnqueuePreload(ctx, userID); err != nil {
				logging.Warn().Err(err).Int64("user_id", userID).Msg("preload enqueue failed")
			}
		}
	}
}

// ForceRemove removes an order from the pool and cascades through every
// cache that references it, regardless of what state the engine believes
// the order is in. Safe to call for orders that were never indexed.
func (e *Engine) ForceRemove(ctx context.Context, orderKey string) {
	if order, ok := e.index.Get(orderKey); ok {
		e.cleanupEmbedding(order)
	}
	e.index.Remove(orderKey)

	affected := e.cache.GetOrderAffectedUsers(orderKey)
	touched, w := e.cache.RemoveOrderFromAllRecommendations(orderKey)
	if w != nil {
		logging.Warn().Err(w).Str("order", orderKey).Msg("cascade removal warning")
	}

	for _, userID := range affected {
		if _, w := e.cache.InvalidateUser(userID); w != nil {
			logging.Warn().Err(w).Int64("user_id", userID).Msg("removal invalidation")
		}
		if e.enqueuer != nil {
			if err := e.enqueuer.EnqueuePreload(ctx, userID); err != nil {
				logging.Warn().Err(err).Int64("user_id", userID).Msg("preload enqueue failed")
			}
		}
	}

	logging.Info().Str("order", orderKey).Int("lists_touched", touched).
		Int("users_invalidated", len(affected)).Msg("order removed from pool")
}

func (e *Engine) cleanupEmbedding(order *models.Order) {
	if cleaner, ok := e.embedder.(interface {
		CleanupOrderEmbedding(o *models.Order)
	}); ok {
		cleaner.CleanupOrderEmbedding(order)
	}
}

// SyncAll rebuilds the pool from a full backend listing. A listing that
// comes back empty aborts the resync with an error before any destructive
// step: an unreachable or misbehaving backend must not wipe a healthy
// pool.
func (e *Engine) SyncAll(ctx context.Context) error {
	if err := e.client.HealthCheck(ctx); err != nil {
		metrics.SyncRuns.WithLabelValues("full", "error").Inc()
		return fmt.Errorf("full resync aborted: %w", err)
	}

	orders, err := e.client.ListOrders(ctx)
	if err != nil {
		metrics.SyncRuns.WithLabelValues("full", "error").Inc()
		return fmt.Errorf("full resync listing: %w", err)
	}
	if len(orders) == 0 {
		metrics.SyncRuns.WithLabelValues("full", "aborted").Inc()
		return fmt.Errorf("full resync aborted: backend returned zero orders")
	}

	e.index.Clear()

	inserted := 0
	for i := range orders {
		order := &orders[i]
		if !order.Recommendable() {
			continue
		}
		vec, err := e.embedder.Embed(ctx, embedding.OrderText(order))
		if err != nil {
			logging.Warn().Err(err).Str("order", order.Key()).Msg("resync skipping unembeddable order")
			continue
		}
		if err := e.index.Upsert(order, vec); err != nil {
			logging.Warn().Err(err).Str("order", order.Key()).Msg("resync skipping invalid order")
			continue
		}
		inserted++
	}

	// The rebuilt pool invalidates every cached artifact; the id cursor
	// resets and incremental sync resumes on the timestamp fallback.
	cursor := &models.SyncCursor{
		LastSyncTimestamp: time.Now().Format("2006-01-02 15:04:05"),
		TotalOrders:       inserted,
		LastSyncTime:      time.Now(),
	}
	if w := e.cache.SetSyncCursor(cursor); w != nil {
		logging.Warn().Err(w).Msg("cursor persist failed after full resync")
	}
	if _, w := e.cache.InvalidateAll(); w != nil {
		logging.Warn().Err(w).Msg("cache invalidation warning after full resync")
	}
	if w := e.cache.ClearAllRecommendations(); w != nil {
		logging.Warn().Err(w).Msg("recommendation clear warning after full resync")
	}

	metrics.SyncRuns.WithLabelValues("full", "ok").Inc()
	logging.Info().Int("orders", len(orders)).Int("indexed", inserted).Msg("full resync complete")
	return nil
}
