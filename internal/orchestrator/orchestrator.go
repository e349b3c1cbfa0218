// OrderSense - Marketplace Order Recommendation and Cache Synchronization
// Copyright 2026 OrderSense Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ordersense/ordersense

// Package orchestrator runs background tasks off the task queue.
//
// Tasks are enqueued as small JSON payloads, routed through a watermill
// router with panic recovery, exponential retry and a poison queue, and
// their lifecycle is recorded in the task tier of the cache so clients
// can poll progress.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/ordersense/ordersense/internal/cache"
	"github.com/ordersense/ordersense/internal/logging"
	"github.com/ordersense/ordersense/internal/metrics"
	"github.com/ordersense/ordersense/internal/models"
	"github.com/ordersense/ordersense/internal/queue"
	"github.com/ordersense/ordersense/internal/recommend"
)

// Config tunes the task router.
type Config struct {
	RetryCount           int
	RetryInitialInterval time.Duration
	HandlerTimeout       time.Duration
	CloseTimeout         time.Duration
	PoisonTopic          string
	PoisonEnabled        bool
}

func (c *Config) applyDefaults() {
	if c.RetryCount <= 0 {
		c.RetryCount = 5
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = time.Second
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 2 * time.Minute
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 30 * time.Second
	}
	if c.PoisonTopic == "" {
		c.PoisonTopic = queue.TopicPoison
	}
}

// taskPayload is the wire format for queued tasks.
type taskPayload struct {
	TaskID string `json:"taskId"`
	UserID int64  `json:"userId"`
	Kind   string `json:"kind"`
}

// Orchestrator owns the task router and is the system's job scheduler.
// It satisfies the enqueuer interfaces of both the recommendation
// service and the sync engine.
type Orchestrator struct {
	router    *message.Router
	transport *queue.Transport
	recs      *recommend.Service
	cache     *cache.RecommendationCache
	cfg       Config
}

// New builds the orchestrator and registers its handlers on a fresh
// router. Run must be called before tasks are consumed.
func New(transport *queue.Transport, recs *recommend.Service, rc *cache.RecommendationCache, cfg Config) (*Orchestrator, error) {
	cfg.applyDefaults()

	router, err := message.NewRouter(message.RouterConfig{
		CloseTimeout: cfg.CloseTimeout,
	}, transport.Logger)
	if err != nil {
		return nil, fmt.Errorf("create task router: %w", err)
	}

	o := &Orchestrator{
		router:    router,
		transport: transport,
		recs:      recs,
		cache:     rc,
		cfg:       cfg,
	}

	router.AddMiddleware(middleware.Recoverer)
	retry := middleware.Retry{
		MaxRetries:      cfg.RetryCount,
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     time.Minute,
		Multiplier:      2.0,
		Logger:          transport.Logger,
	}
	router.AddMiddleware(retry.Middleware)
	router.AddMiddleware(middleware.Timeout(cfg.HandlerTimeout))

	if cfg.PoisonEnabled {
		poison, err := middleware.PoisonQueue(transport.Publisher, cfg.PoisonTopic)
		if err != nil {
			return nil, fmt.Errorf("create poison queue: %w", err)
		}
		router.AddMiddleware(poison)

		router.AddNoPublisherHandler(
			"poison-recorder",
			cfg.PoisonTopic,
			transport.Subscriber,
			o.handlePoisoned,
		)
	}

	router.AddNoPublisherHandler(
		"preload-pool-worker",
		queue.TopicPreloadPool,
		transport.Subscriber,
		o.handlePreload,
	)
	router.AddNoPublisherHandler(
		"cache-cleanup-worker",
		queue.TopicCleanup,
		transport.Subscriber,
		o.handleCleanup,
	)

	return o, nil
}

// Run processes tasks until the context is canceled.
func (o *Orchestrator) Run(ctx context.Context) error {
	return o.router.Run(ctx)
}

// Running is closed once the router is consuming.
func (o *Orchestrator) Running() chan struct{} {
	return o.router.Running()
}

// Close stops the router, draining in-flight handlers up to the
// configured close timeout.
func (o *Orchestrator) Close() error {
	return o.router.Close()
}

// EnqueuePreload schedules a preload pool rebuild for the user and
// records a pending task status. Returns the task id via the status
// record in the cache.
func (o *Orchestrator) EnqueuePreload(ctx context.Context, userID int64) error {
	_, err := o.enqueue(ctx, queue.TopicPreloadPool, models.TaskPreloadPool, userID)
	return err
}

// EnqueuePreloadTask is EnqueuePreload returning the task id, for API
// responses that let the client poll.
func (o *Orchestrator) EnqueuePreloadTask(ctx context.Context, userID int64) (string, error) {
	return o.enqueue(ctx, queue.TopicPreloadPool, models.TaskPreloadPool, userID)
}

// EnqueueCleanup schedules an asynchronous cache cleanup for the user.
func (o *Orchestrator) EnqueueCleanup(ctx context.Context, userID int64) (string, error) {
	return o.enqueue(ctx, queue.TopicCleanup, models.TaskCleanupUserCache, userID)
}

func (o *Orchestrator) enqueue(_ context.Context, topic, kind string, userID int64) (string, error) {
	taskID := uuid.NewString()
	now := time.Now()

	if w := o.cache.SetTaskStatus(&models.TaskStatus{
		TaskID:    taskID,
		UserID:    userID,
		Kind:      kind,
		Status:    models.TaskPending,
		CreatedAt: now,
		UpdatedAt: now,
	}); w != nil {
		logging.Warn().Err(w).Str("task_id", taskID).Msg("task status write")
	}

	payload, err := json.Marshal(taskPayload{TaskID: taskID, UserID: userID, Kind: kind})
	if err != nil {
		return "", fmt.Errorf("marshal task payload: %w", err)
	}

	msg := message.NewMessage(taskID, payload)
	if err := o.transport.Publisher.Publish(topic, msg); err != nil {
		o.setStatus(taskID, userID, kind, models.TaskFailed, err.Error())
		return "", fmt.Errorf("enqueue %s for user %d: %w", kind, userID, err)
	}
	return taskID, nil
}

func (o *Orchestrator) handlePreload(msg *message.Message) error {
	task, err := decodeTask(msg)
	if err != nil {
		// Malformed payloads never succeed; drop without retry.
		logging.Error().Err(err).Str("uuid", msg.UUID).Msg("dropping malformed preload task")
		return nil
	}

	start := time.Now()
	o.setStatus(task.TaskID, task.UserID, task.Kind, models.TaskProcessing, "")

	result, err := o.recs.BuildPreloadPool(msg.Context(), task.UserID)
	metrics.TaskDuration.WithLabelValues(models.TaskPreloadPool).Observe(time.Since(start).Seconds())
	if err != nil {
		o.setStatus(task.TaskID, task.UserID, task.Kind, models.TaskFailed, err.Error())
		metrics.TasksProcessed.WithLabelValues(models.TaskPreloadPool, "failed").Inc()
		return err
	}

	status := models.TaskCompleted
	if result.Fallback {
		status = models.TaskCompletedWithFallback
	}
	o.setStatus(task.TaskID, task.UserID, task.Kind, status, "")
	metrics.TasksProcessed.WithLabelValues(models.TaskPreloadPool, status).Inc()

	logging.Debug().Str("task_id", task.TaskID).Int64("user_id", task.UserID).
		Int("pool_size", len(result.Orders)).Str("status", status).
		Msg("preload pool built")
	return nil
}

func (o *Orchestrator) handleCleanup(msg *message.Message) error {
	task, err := decodeTask(msg)
	if err != nil {
		logging.Error().Err(err).Str("uuid", msg.UUID).Msg("dropping malformed cleanup task")
		return nil
	}

	start := time.Now()
	o.setStatus(task.TaskID, task.UserID, task.Kind, models.TaskProcessing, "")

	removed, w := o.cache.InvalidateUser(task.UserID)
	metrics.TaskDuration.WithLabelValues(models.TaskCleanupUserCache).Observe(time.Since(start).Seconds())
	if w != nil {
		// Partial invalidation still completes; the TTLs catch stragglers.
		logging.Warn().Err(w).Int64("user_id", task.UserID).Msg("cleanup finished with warnings")
	}

	o.setStatus(task.TaskID, task.UserID, task.Kind, models.TaskCompleted, "")
	metrics.TasksProcessed.WithLabelValues(models.TaskCleanupUserCache, models.TaskCompleted).Inc()

	logging.Debug().Str("task_id", task.TaskID).Int64("user_id", task.UserID).
		Int("removed", removed).Msg("user cache cleaned")
	return nil
}

// handlePoisoned marks tasks that exhausted their retries as failed so
// pollers see a terminal state instead of a stuck "processing".
func (o *Orchestrator) handlePoisoned(msg *message.Message) error {
	task, err := decodeTask(msg)
	if err != nil {
		return nil
	}
	reason := msg.Metadata.Get(middleware.ReasonForPoisonedKey)
	o.setStatus(task.TaskID, task.UserID, task.Kind, models.TaskFailed, reason)
	metrics.TasksProcessed.WithLabelValues(task.Kind, "poisoned").Inc()
	logging.Error().Str("task_id", task.TaskID).Str("reason", reason).Msg("task poisoned")
	return nil
}

func decodeTask(msg *message.Message) (*taskPayload, error) {
	var task taskPayload
	if err := json.Unmarshal(msg.Payload, &task); err != nil {
		return nil, fmt.Errorf("decode task payload: %w", err)
	}
	if task.TaskID == "" {
		task.TaskID = msg.UUID
	}
	return &task, nil
}

func (o *Orchestrator) setStatus(taskID string, userID int64, kind, status, errMsg string) {
	ts := &models.TaskStatus{
		TaskID:    taskID,
		UserID:    userID,
		Kind:      kind,
		Status:    status,
		Error:     errMsg,
		UpdatedAt: time.Now(),
	}
	if existing, ok := o.cache.GetTaskStatus(userID, taskID); ok {
		ts.CreatedAt = existing.CreatedAt
	}
	if w := o.cache.SetTaskStatus(ts); w != nil {
		logging.Warn().Err(w).Str("task_id", taskID).Msg("task status write")
	}
}
