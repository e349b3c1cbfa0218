// OrderSense - Marketplace Order Recommendation and Cache Synchronization
// Copyright 2026 OrderSense Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ordersense/ordersense

package cache

import (
	"errors"
	"strconv"
	"time"

	"github.com/ordersense/ordersense/internal/logging"
	"github.com/ordersense/ordersense/internal/metrics"
	"github.com/ordersense/ordersense/internal/models"
)

// TTLConfig holds the expiry tiers for the recommendation cache.
// Initial must be shorter than Final: initial lists are a fast synchronous
// approximation, final lists are the refined async result.
type TTLConfig struct {
	Initial    time.Duration
	Final      time.Duration
	Task       time.Duration
	UserOrders time.Duration
	Mapping    time.Duration
	Pool       time.Duration
	Scroll     time.Duration
	ColdStart  time.Duration
	Cursor     time.Duration
}

// DefaultTTLs returns the production expiry tiers.
func DefaultTTLs() TTLConfig {
	return TTLConfig{
		Initial:    30 * time.Minute,
		Final:      2 * time.Hour,
		Task:       10 * time.Minute,
		UserOrders: time.Hour,
		Mapping:    time.Hour,
		Pool:       time.Hour,
		Scroll:     2 * time.Hour,
		ColdStart:  30 * time.Minute,
		Cursor:     24 * time.Hour,
	}
}

// listEnvelope wraps a cached order list with the version it was written
// under. A version mismatch on read deletes the entry and reports a miss.
type listEnvelope struct {
	Version string         `json:"version"`
	Orders  []models.Order `json:"orders"`
}

// RecommendationCache provides the tiered recommendation lists, the
// bidirectional user/order mapping, and the invalidation cascade.
//
// All mutators return *Warning: cache writes are best effort and callers
// continue on failure. Reads degrade to a miss on any store error.
type RecommendationCache struct {
	store *Store
	ttl   TTLConfig
}

// NewRecommendationCache wires a RecommendationCache over a Store.
func NewRecommendationCache(store *Store, ttl TTLConfig) *RecommendationCache {
	return &RecommendationCache{store: store, ttl: ttl}
}

// Store exposes the underlying KV store for components that share it
// (embedding cache, sync cursor stats).
func (c *RecommendationCache) Store() *Store {
	return c.store
}

func (c *RecommendationCache) setList(key string, orders []models.Order, ttl time.Duration) *Warning {
	env := listEnvelope{Version: KeyVersion, Orders: orders}
	if err := c.store.SetJSON(key, &env, ttl); err != nil {
		metrics.CacheWriteFailures.Inc()
		return warn("set", key, err)
	}
	return nil
}

func (c *RecommendationCache) getList(key string) ([]models.Order, bool) {
	var env listEnvelope
	err := c.store.GetJSON(key, &env)
	if errors.Is(err, ErrNotFound) {
		metrics.CacheMisses.Inc()
		return nil, false
	}
	if err != nil {
		logging.Warn().Err(err).Str("key", key).Msg("cache read degraded to miss")
		metrics.CacheMisses.Inc()
		return nil, false
	}
	if env.Version != KeyVersion {
		_ = c.store.Delete(key)
		metrics.CacheMisses.Inc()
		return nil, false
	}
	metrics.CacheHits.Inc()
	return env.Orders, true
}

// SetInitial caches the fast synchronous recommendation list for a user.
// Params distinguish variants (requested size, filters).
func (c *RecommendationCache) SetInitial(userID int64, params map[string]any, orders []models.Order) *Warning {
	return c.setList(buildKey(catInitial, strconv.FormatInt(userID, 10), params), orders, c.ttl.Initial)
}

// GetInitial returns the cached initial-tier list, if present.
func (c *RecommendationCache) GetInitial(userID int64, params map[string]any) ([]models.Order, bool) {
	return c.getList(buildKey(catInitial, strconv.FormatInt(userID, 10), params))
}

// SetFinal caches the refined asynchronous recommendation list.
func (c *RecommendationCache) SetFinal(userID int64, params map[string]any, orders []models.Order) *Warning {
	return c.setList(buildKey(catFinal, strconv.FormatInt(userID, 10), params), orders, c.ttl.Final)
}

// GetFinal returns the cached final-tier list, if present.
func (c *RecommendationCache) GetFinal(userID int64, params map[string]any) ([]models.Order, bool) {
	return c.getList(buildKey(catFinal, strconv.FormatInt(userID, 10), params))
}

// SetUserOrders caches a user's own order history fetched from the backend.
func (c *RecommendationCache) SetUserOrders(userID int64, orders []models.Order) *Warning {
	return c.setList(userKey(catUserOrders, userID), orders, c.ttl.UserOrders)
}

// GetUserOrders returns the cached order history, if present.
func (c *RecommendationCache) GetUserOrders(userID int64) ([]models.Order, bool) {
	return c.getList(userKey(catUserOrders, userID))
}

// SetColdStartPool caches the random candidate pool for users without
// history. Scope is a site id, or "global".
func (c *RecommendationCache) SetColdStartPool(scope string, orders []models.Order) *Warning {
	return c.setList(buildKey(catColdStart, scope, nil), orders, c.ttl.ColdStart)
}

// GetColdStartPool returns the cached cold-start pool, if present.
func (c *RecommendationCache) GetColdStartPool(scope string) ([]models.Order, bool) {
	return c.getList(buildKey(catColdStart, scope, nil))
}

// SetPlatformOrders caches the platform-wide recommendable order listing.
func (c *RecommendationCache) SetPlatformOrders(scope string, orders []models.Order) *Warning {
	return c.setList(buildKey(catPlatformOrders, scope, nil), orders, c.ttl.UserOrders)
}

// GetPlatformOrders returns the cached platform listing, if present.
func (c *RecommendationCache) GetPlatformOrders(scope string) ([]models.Order, bool) {
	return c.getList(buildKey(catPlatformOrders, scope, nil))
}

// SetPaginationPool caches the preloaded pagination pool for a user.
func (c *RecommendationCache) SetPaginationPool(userID int64, orders []models.Order) *Warning {
	return c.setList(userKey(catPool, userID), orders, c.ttl.Pool)
}

// GetPaginationPool returns the preloaded pool, if present.
func (c *RecommendationCache) GetPaginationPool(userID int64) ([]models.Order, bool) {
	return c.getList(userKey(catPool, userID))
}

// SetScrollPool caches the infinite-scroll continuation pool for a user.
func (c *RecommendationCache) SetScrollPool(userID int64, orders []models.Order) *Warning {
	return c.setList(userKey(catScroll, userID), orders, c.ttl.Scroll)
}

// GetScrollPool returns the scroll pool, if present.
func (c *RecommendationCache) GetScrollPool(userID int64) ([]models.Order, bool) {
	return c.getList(userKey(catScroll, userID))
}

// MarkViewed appends order keys to the user's viewed set.
func (c *RecommendationCache) MarkViewed(userID int64, orderKeys []string) *Warning {
	key := userKey(catViewed, userID)
	existing, _ := c.GetViewed(userID)

	seen := make(map[string]struct{}, len(existing))
	for _, k := range existing {
		seen[k] = struct{}{}
	}
	for _, k := range orderKeys {
		if _, ok := seen[k]; !ok {
			existing = append(existing, k)
			seen[k] = struct{}{}
		}
	}
	return warn("set", key, c.store.SetJSON(key, existing, c.ttl.UserOrders))
}

// GetViewed returns the user's viewed order keys.
func (c *RecommendationCache) GetViewed(userID int64) ([]string, bool) {
	var keys []string
	if err := c.store.GetJSON(userKey(catViewed, userID), &keys); err != nil {
		return nil, false
	}
	return keys, true
}

// SetTaskStatus writes a background task status record.
func (c *RecommendationCache) SetTaskStatus(ts *models.TaskStatus) *Warning {
	key := buildKey(catTask, strconv.FormatInt(ts.UserID, 10), nil, ts.TaskID)
	return warn("set", key, c.store.SetJSON(key, ts, c.ttl.Task))
}

// GetTaskStatus returns a task status record, if present.
func (c *RecommendationCache) GetTaskStatus(userID int64, taskID string) (*models.TaskStatus, bool) {
	key := buildKey(catTask, strconv.FormatInt(userID, 10), nil, taskID)
	var ts models.TaskStatus
	if err := c.store.GetJSON(key, &ts); err != nil {
		if !errors.Is(err, ErrNotFound) {
			logging.Warn().Err(err).Str("key", key).Msg("task status read degraded to miss")
		}
		return nil, false
	}
	return &ts, true
}

// ListActiveTasks returns every live task record for a user.
func (c *RecommendationCache) ListActiveTasks(userID int64) []models.TaskStatus {
	prefix := keyPrefix(catTask, strconv.FormatInt(userID, 10))
	keys, err := c.store.ListKeys(prefix)
	if err != nil {
		logging.Warn().Err(err).Int64("user_id", userID).Msg("task listing degraded to empty")
		return nil
	}

	tasks := make([]models.TaskStatus, 0, len(keys))
	for _, key := range keys {
		var ts models.TaskStatus
		if err := c.store.GetJSON(key, &ts); err != nil {
			continue
		}
		tasks = append(tasks, ts)
	}
	return tasks
}

// SetRecommendationWithReverseMapping stores a user's recommendation list
// and records, for each recommended order, that this user has seen it.
//
// The two sides are deliberately asymmetric: the forward list is replaced
// wholesale (it reflects the latest computation), while the reverse side
// only merges the user in. The reverse mapping must accumulate every user
// who ever received the order so that a later cascade delete reaches all
// of them.
func (c *RecommendationCache) SetRecommendationWithReverseMapping(userID int64, orders []models.Order) *Warning {
	if w := c.setList(userKey(catUserRec, userID), orders, c.ttl.Mapping); w != nil {
		return w
	}

	for i := range orders {
		orderKey := orders[i].Key()
		if orderKey == "" {
			continue
		}
		if w := c.addAffectedUser(orderKey, userID); w != nil {
			// Forward list is already written; report the partial failure
			// and let the caller continue.
			return w
		}
	}
	return nil
}

func (c *RecommendationCache) addAffectedUser(orderKey string, userID int64) *Warning {
	key := buildKey(catOrderUsers, orderKey, nil)

	var users []int64
	if err := c.store.GetJSON(key, &users); err != nil && !errors.Is(err, ErrNotFound) {
		return warn("get", key, err)
	}
	for _, u := range users {
		if u == userID {
			return nil
		}
	}
	users = append(users, userID)
	return warn("set", key, c.store.SetJSON(key, users, c.ttl.Mapping))
}

// GetUserRecommendations returns the user's tracked recommendation list.
func (c *RecommendationCache) GetUserRecommendations(userID int64) ([]models.Order, bool) {
	return c.getList(userKey(catUserRec, userID))
}

// GetOrderAffectedUsers returns every user whose tracked recommendation
// list contains the order.
func (c *RecommendationCache) GetOrderAffectedUsers(orderKey string) []int64 {
	var users []int64
	if err := c.store.GetJSON(buildKey(catOrderUsers, orderKey, nil), &users); err != nil {
		return nil
	}
	return users
}

// RemoveOrderFromUserRecommendations removes one order from one user's
// tracked list. Removing an order that is not in the list is a success:
// the postcondition (order absent) already holds.
func (c *RecommendationCache) RemoveOrderFromUserRecommendations(userID int64, orderKey string) (bool, *Warning) {
	key := userKey(catUserRec, userID)

	orders, ok := c.getList(key)
	if !ok {
		return true, nil
	}

	filtered := orders[:0]
	for i := range orders {
		if orders[i].Key() != orderKey {
			filtered = append(filtered, orders[i])
		}
	}
	if len(filtered) == len(orders) {
		return true, nil
	}
	return true, c.setList(key, filtered, c.ttl.Mapping)
}

// RemoveOrderFromAllRecommendations removes the order from every affected
// user's tracked list and drops the reverse mapping. Failures on
// individual users are collected; the cascade continues past them.
// Returns the number of users whose lists were touched.
func (c *RecommendationCache) RemoveOrderFromAllRecommendations(orderKey string) (int, *Warning) {
	users := c.GetOrderAffectedUsers(orderKey)

	var last *Warning
	touched := 0
	for _, userID := range users {
		_, w := c.RemoveOrderFromUserRecommendations(userID, orderKey)
		if w != nil {
			logging.Warn().Err(w).Int64("user_id", userID).Str("order", orderKey).
				Msg("cascade removal continuing past user")
			last = w
			continue
		}
		touched++
	}

	if w := c.ClearOrderMapping(orderKey); w != nil {
		last = w
	}
	return touched, last
}

// ClearOrderMapping drops the reverse mapping entry for an order.
func (c *RecommendationCache) ClearOrderMapping(orderKey string) *Warning {
	key := buildKey(catOrderUsers, orderKey, nil)
	return warn("delete", key, c.store.Delete(key))
}

// InvalidateUser removes every cached artifact for one user: both
// recommendation tiers, task records, order history, tracked lists, and
// the pagination, scroll and viewed pools. Returns the number of keys
// removed.
func (c *RecommendationCache) InvalidateUser(userID int64) (int, *Warning) {
	id := strconv.FormatInt(userID, 10)

	prefixes := []string{
		keyPrefix(catInitial, id),
		keyPrefix(catFinal, id),
		keyPrefix(catTask, id),
	}
	exact := []string{
		buildKey(catInitial, id, nil),
		buildKey(catFinal, id, nil),
		userKey(catUserOrders, userID),
		userKey(catUserRec, userID),
		userKey(catPool, userID),
		userKey(catScroll, userID),
		userKey(catViewed, userID),
	}

	var last *Warning
	removed := 0
	for _, p := range prefixes {
		n, err := c.store.DeletePrefix(p)
		if err != nil {
			last = warn("delete_prefix", p, err)
			continue
		}
		removed += n
	}
	for _, k := range exact {
		if err := c.store.Delete(k); err != nil {
			last = warn("delete", k, err)
			continue
		}
		removed++
	}

	metrics.CacheInvalidations.Inc()
	return removed, last
}

// InvalidateAll removes every per-user cached artifact across all users.
// Reverse mappings are cleared too: with no tracked lists left there is
// nothing for them to point at.
func (c *RecommendationCache) InvalidateAll() (int, *Warning) {
	categories := []string{
		catInitial, catFinal, catTask, catUserOrders,
		catUserRec, catOrderUsers, catPool, catScroll, catViewed,
	}

	var last *Warning
	removed := 0
	for _, cat := range categories {
		n, err := c.store.DeletePrefix(keyPrefix(cat, ""))
		if err != nil {
			last = warn("delete_prefix", cat, err)
			continue
		}
		removed += n
	}
	return removed, last
}

// ClearAllRecommendations drops the tracked lists and reverse mappings,
// leaving the tier caches to age out. Used by full resync.
func (c *RecommendationCache) ClearAllRecommendations() *Warning {
	var last *Warning
	for _, cat := range []string{catUserRec, catOrderUsers, catPool, catScroll} {
		if _, err := c.store.DeletePrefix(keyPrefix(cat, "")); err != nil {
			last = warn("delete_prefix", cat, err)
		}
	}
	return last
}

// SetSyncCursor persists the sync engine's event feed position. The
// cursor survives restarts; a lost cursor only causes already-processed
// events to be reexamined, which the state rules tolerate.
func (c *RecommendationCache) SetSyncCursor(cursor *models.SyncCursor) *Warning {
	key := buildKey(catSyncStatus, "cursor", nil)
	return warn("set", key, c.store.SetJSON(key, cursor, c.ttl.Cursor))
}

// GetSyncCursor returns the persisted cursor. A missing cursor returns a
// zero value, which the sync engine treats as "first sync".
func (c *RecommendationCache) GetSyncCursor() *models.SyncCursor {
	var cursor models.SyncCursor
	if err := c.store.GetJSON(buildKey(catSyncStatus, "cursor", nil), &cursor); err != nil {
		return &models.SyncCursor{}
	}
	return &cursor
}
