// OrderSense - Marketplace Order Recommendation and Cache Synchronization
// Copyright 2026 OrderSense Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ordersense/ordersense

package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"github.com/ordersense/ordersense/internal/backend"
	"github.com/ordersense/ordersense/internal/cache"
	"github.com/ordersense/ordersense/internal/models"
	"github.com/ordersense/ordersense/internal/queue"
	"github.com/ordersense/ordersense/internal/recommend"
	"github.com/ordersense/ordersense/internal/vectorstore"
)

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{0, 0, 0}, nil
}

type harness struct {
	orch  *Orchestrator
	cache *cache.RecommendationCache
	index *vectorstore.Index
}

// newHarness stands up the full task pipeline on the in-process
// transport: fake backend, recommendation service, router running.
func newHarness(t *testing.T, histories map[int64][]map[string]any) *harness {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _ := strconv.ParseInt(r.URL.Query().Get("userId"), 10, 64)
		orders := histories[userID]
		if orders == nil {
			orders = []map[string]any{}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 200, "message": "ok", "data": orders})
	}))
	t.Cleanup(srv.Close)

	store, err := cache.Open("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	rc := cache.NewRecommendationCache(store, cache.DefaultTTLs())

	index := vectorstore.New(3)
	for i := int64(1); i <= 5; i++ {
		o := models.Order{
			ID: i, UserID: i + 100, Title: "order " + strconv.FormatInt(i, 10),
			State: models.StateWaitReceive, SiteID: models.DefaultSiteID,
		}
		if err := index.Upsert(&o, []float32{float32(i), 0, 0}); err != nil {
			t.Fatalf("seed index: %v", err)
		}
	}

	client := backend.New(backend.Config{BaseURL: srv.URL, RequestsPerSecond: 10000})
	recs := recommend.New(client, index, rc, fixedEmbedder{}, nil, recommend.Config{
		PreloadPool: 4, InitialLimit: 3,
	})

	transport, err := queue.NewTransport(queue.TransportConfig{})
	if err != nil {
		t.Fatalf("create transport: %v", err)
	}
	t.Cleanup(func() { _ = transport.Close() })

	orch, err := New(transport, recs, rc, Config{
		RetryCount:           1,
		RetryInitialInterval: 10 * time.Millisecond,
		HandlerTimeout:       5 * time.Second,
		CloseTimeout:         time.Second,
	})
	if err != nil {
		t.Fatalf("create orchestrator: %v", err)
	}
	recs.SetEnqueuer(orch)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = orch.Run(ctx) }()
	<-orch.Running()

	return &harness{orch: orch, cache: rc, index: index}
}

// waitTerminal polls the task status until it reaches a terminal state.
func waitTerminal(t *testing.T, rc *cache.RecommendationCache, userID int64, taskID string) *models.TaskStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ts, ok := rc.GetTaskStatus(userID, taskID); ok && ts.Terminal() {
			return ts
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s for user %d never reached a terminal state", taskID, userID)
	return nil
}

func TestPreloadTaskCompletes(t *testing.T) {
	h := newHarness(t, map[int64][]map[string]any{
		1: {{"id": int64(200), "userId": int64(1), "title": "mine", "state": models.StateFinish}},
	})

	taskID, err := h.orch.EnqueuePreloadTask(context.Background(), 1)
	if err != nil {
		t.Fatalf("enqueue preload: %v", err)
	}

	ts := waitTerminal(t, h.cache, 1, taskID)
	if ts.Status != models.TaskCompleted {
		t.Fatalf("expected completed, got %q (error %q)", ts.Status, ts.Error)
	}
	if ts.Kind != models.TaskPreloadPool {
		t.Fatalf("unexpected task kind %q", ts.Kind)
	}

	if _, ok := h.cache.GetPaginationPool(1); !ok {
		t.Fatal("pagination pool missing after preload task")
	}
	if _, ok := h.cache.GetFinal(1, nil); !ok {
		t.Fatal("final tier missing after preload task")
	}
}

func TestPreloadTaskFallbackForNewUser(t *testing.T) {
	h := newHarness(t, nil)

	taskID, err := h.orch.EnqueuePreloadTask(context.Background(), 9)
	if err != nil {
		t.Fatalf("enqueue preload: %v", err)
	}

	ts := waitTerminal(t, h.cache, 9, taskID)
	if ts.Status != models.TaskCompletedWithFallback {
		t.Fatalf("expected fallback completion, got %q", ts.Status)
	}
}

func TestCleanupTaskInvalidatesUser(t *testing.T) {
	h := newHarness(t, nil)

	seed := []models.Order{{ID: 1, UserID: 2, Title: "x"}}
	if w := h.cache.SetInitial(3, nil, seed); w != nil {
		t.Fatalf("seed cache: %v", w)
	}

	taskID, err := h.orch.EnqueueCleanup(context.Background(), 3)
	if err != nil {
		t.Fatalf("enqueue cleanup: %v", err)
	}

	ts := waitTerminal(t, h.cache, 3, taskID)
	if ts.Status != models.TaskCompleted {
		t.Fatalf("expected completed, got %q (error %q)", ts.Status, ts.Error)
	}
	if _, ok := h.cache.GetInitial(3, nil); ok {
		t.Fatal("initial tier survived cleanup task")
	}
}

func TestMalformedPayloadDoesNotWedgeWorker(t *testing.T) {
	h := newHarness(t, nil)

	garbage := message.NewMessage("garbage", []byte("{not json"))
	if err := h.orch.transport.Publisher.Publish(queue.TopicPreloadPool, garbage); err != nil {
		t.Fatalf("publish garbage: %v", err)
	}

	taskID, err := h.orch.EnqueuePreloadTask(context.Background(), 4)
	if err != nil {
		t.Fatalf("enqueue preload: %v", err)
	}
	ts := waitTerminal(t, h.cache, 4, taskID)
	if !ts.Terminal() {
		t.Fatalf("task stuck after malformed message: %q", ts.Status)
	}
}

func TestEnqueueRecordsPendingStatus(t *testing.T) {
	h := newHarness(t, nil)

	taskID, err := h.orch.EnqueuePreloadTask(context.Background(), 5)
	if err != nil {
		t.Fatalf("enqueue preload: %v", err)
	}
	// The status record exists immediately, whatever state the worker
	// has advanced it to.
	if _, ok := h.cache.GetTaskStatus(5, taskID); !ok {
		t.Fatal("no status record after enqueue")
	}
	waitTerminal(t, h.cache, 5, taskID)
}
