// OrderSense - Marketplace Order Recommendation and Cache Synchronization
// Copyright 2026 OrderSense Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ordersense/ordersense

package models

import "time"

// Background task lifecycle states.
const (
	TaskPending               = "pending"
	TaskProcessing            = "processing"
	TaskCompleted             = "completed"
	TaskCompletedWithFallback = "completed_with_fallback"
	TaskFailed                = "failed"
)

// Background task kinds.
const (
	TaskPreloadPool      = "preload_pagination_pool"
	TaskCleanupUserCache = "cleanup_user_cache"
)

// TaskStatus is the cached status record for an async background task.
// It lives in the short task tier of the recommendation cache so clients
// can poll it while the task runs.
type TaskStatus struct {
	TaskID    string    `json:"taskId"`
	UserID    int64     `json:"userId"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Terminal reports whether the task has finished, successfully or not.
func (t *TaskStatus) Terminal() bool {
	switch t.Status {
	case TaskCompleted, TaskCompletedWithFallback, TaskFailed:
		return true
	}
	return false
}

// SyncCursor is the persisted position in the backend event feed.
// A zero-value cursor means no sync has ever run; the first sync treats
// every event as new.
type SyncCursor struct {
	LastEventID       int64     `json:"lastEventId"`
	LastSyncTimestamp string    `json:"lastSyncTimestamp"`
	TotalOrders       int       `json:"totalOrders"`
	LastSyncTime      time.Time `json:"lastSyncTime"`
}

// IsZero reports whether no sync has completed yet.
func (c *SyncCursor) IsZero() bool {
	return c.LastEventID == 0 && c.LastSyncTimestamp == ""
}
