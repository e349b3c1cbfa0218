// OrderSense - Marketplace Order Recommendation and Cache Synchronization
// Copyright 2026 OrderSense Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ordersense/ordersense

package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/ordersense/ordersense/internal/cache"
	"github.com/ordersense/ordersense/internal/logging"
	"github.com/ordersense/ordersense/internal/models"
	"github.com/ordersense/ordersense/internal/orchestrator"
	"github.com/ordersense/ordersense/internal/recommend"
	"github.com/ordersense/ordersense/internal/syncengine"
	"github.com/ordersense/ordersense/internal/vectorstore"
)

// HealthChecker probes an upstream dependency.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Handler carries the service dependencies for all routes.
type Handler struct {
	recs   *recommend.Service
	engine *syncengine.Engine
	orch   *orchestrator.Orchestrator
	cache  *cache.RecommendationCache
	index  *vectorstore.Index
	health HealthChecker
}

// NewHandler wires the HTTP handlers.
func NewHandler(recs *recommend.Service, engine *syncengine.Engine, orch *orchestrator.Orchestrator,
	rc *cache.RecommendationCache, index *vectorstore.Index, health HealthChecker) *Handler {
	return &Handler{recs: recs, engine: engine, orch: orch, cache: rc, index: index, health: health}
}

// CreateOrder ingests a new order, returning the synchronously computed
// initial recommendations. The payload accepts both canonical and legacy
// field spellings.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		rw.BadRequest("invalid JSON body")
		return
	}
	order, err := models.Normalize(raw)
	if err != nil {
		rw.ValidationError(err.Error())
		return
	}

	recs, err := h.recs.ProcessNewOrder(r.Context(), order)
	if err != nil {
		rw.ValidationError(err.Error())
		return
	}

	rw.Created(map[string]any{
		"order":             order,
		"recommendedOrders": emptyAsList(recs),
	})
}

// GetRecommendations serves recommendations for a user. The default path
// reads through the cache tiers (final, then initial, then compute);
// sync=true forces a fresh synchronous computation.
func (h *Handler) GetRecommendations(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	userID, ok := pathInt64(rw, r, "userID")
	if !ok {
		return
	}
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))

	var result *recommend.Result
	var err error
	if r.URL.Query().Get("sync") == "true" {
		result, err = h.recs.GetRecommendations(r.Context(), userID, n)
	} else {
		result, err = h.recs.GetRecommendationsAsync(r.Context(), userID, n)
	}
	if err != nil {
		logging.Error().Err(err).Int64("user_id", userID).Msg("recommendation request failed")
		rw.InternalError("recommendation computation failed")
		return
	}

	result.Orders = emptyAsList(result.Orders)
	result.UserOrders = emptyAsList(result.UserOrders)
	rw.Success(result)
}

// GetRecommendationPools serves the promotional split of a user's
// recommendations.
func (h *Handler) GetRecommendationPools(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	userID, ok := pathInt64(rw, r, "userID")
	if !ok {
		return
	}
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))

	result, err := h.recs.GetRecommendationsAsync(r.Context(), userID, n)
	if err != nil {
		rw.InternalError("recommendation computation failed")
		return
	}
	rw.Success(h.recs.SplitPools(result.Orders))
}

// Paginate serves one page of the user's preload pool for infinite
// scroll, excluding already-viewed orders.
func (h *Handler) Paginate(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	userID, ok := pathInt64(rw, r, "userID")
	if !ok {
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))

	orders, hasMore, err := h.recs.Paginate(r.Context(), userID, page, pageSize)
	if err != nil {
		rw.InternalError("pagination failed")
		return
	}
	rw.Success(map[string]any{
		"orders":  emptyAsList(orders),
		"hasMore": hasMore,
	})
}

// GetTask reports the status of a background task.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	userID, ok := pathInt64(rw, r, "userID")
	if !ok {
		return
	}
	taskID := chi.URLParam(r, "taskID")

	ts, found := h.cache.GetTaskStatus(userID, taskID)
	if !found {
		rw.NotFound("unknown task")
		return
	}
	rw.Success(ts)
}

// DeleteOrder removes an order from the recommendation pool and cascades
// through every cached list referencing it.
func (h *Handler) DeleteOrder(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	orderKey := chi.URLParam(r, "orderID")
	if orderKey == "" {
		rw.BadRequest("missing order id")
		return
	}

	affected := h.recs.DeleteOrder(r.Context(), orderKey)
	rw.Success(map[string]any{
		"orderId":       orderKey,
		"affectedUsers": affected,
	})
}

// TriggerSync runs a sync pass. mode=full rebuilds everything from the
// backend listing; the default consumes new events from the feed.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	if r.URL.Query().Get("mode") == "full" {
		if err := h.engine.SyncAll(r.Context()); err != nil {
			logging.Error().Err(err).Msg("full resync failed")
			rw.Error(http.StatusBadGateway, ErrCodeExternalService, err.Error())
			return
		}
		rw.Success(map[string]any{
			"mode":       "full",
			"totalItems": h.index.Count(),
		})
		return
	}

	report, err := h.engine.SyncEvents(r.Context())
	if err != nil {
		logging.Error().Err(err).Msg("event sync failed")
		rw.Error(http.StatusBadGateway, ErrCodeExternalService, err.Error())
		return
	}
	rw.Success(report)
}

// CacheStats reports cache occupancy by category.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	stats, err := h.recs.CacheStats()
	if err != nil {
		rw.InternalError("cache scan failed")
		return
	}
	rw.Success(stats)
}

// InvalidateUserCache schedules an asynchronous cache cleanup for the
// user and returns the task id for polling.
func (h *Handler) InvalidateUserCache(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	userID, ok := pathInt64(rw, r, "userID")
	if !ok {
		return
	}

	taskID, err := h.orch.EnqueueCleanup(r.Context(), userID)
	if err != nil {
		rw.InternalError("cleanup scheduling failed")
		return
	}
	rw.Accepted(map[string]any{
		"taskId": taskID,
		"userId": userID,
	})
}

// Healthz reports liveness plus backend reachability.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	status := map[string]any{
		"status":     "ok",
		"indexSize":  h.index.Count(),
		"backend":    "ok",
		"syncCursor": h.cache.GetSyncCursor(),
	}
	if err := h.health.HealthCheck(r.Context()); err != nil {
		status["status"] = "degraded"
		status["backend"] = err.Error()
		rw.write(http.StatusServiceUnavailable, APIResponse{Success: false, Data: status, Meta: rw.meta()})
		return
	}
	rw.Success(status)
}

func pathInt64(rw *ResponseWriter, r *http.Request, name string) (int64, bool) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || v <= 0 {
		rw.BadRequest("invalid " + name)
		return 0, false
	}
	return v, true
}

// emptyAsList keeps empty results as [] instead of null in responses.
func emptyAsList(orders []models.Order) []models.Order {
	if orders == nil {
		return []models.Order{}
	}
	return orders
}
