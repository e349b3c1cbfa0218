// OrderSense - Marketplace Order Recommendation and Cache Synchronization
// Copyright 2026 OrderSense Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ordersense/ordersense

package recommend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/goccy/go-json"

	"github.com/ordersense/ordersense/internal/backend"
	"github.com/ordersense/ordersense/internal/cache"
	"github.com/ordersense/ordersense/internal/models"
	"github.com/ordersense/ordersense/internal/vectorstore"
)

const testDim = 3

// stubEmbedder returns a fixed query vector so search ordering is
// entirely determined by the vectors rows were indexed with.
type stubEmbedder struct {
	vec   []float32
	fail  bool
	calls int
}

func (s *stubEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	s.calls++
	if s.fail {
		return nil, context.DeadlineExceeded
	}
	if s.vec != nil {
		return s.vec, nil
	}
	return []float32{0, 0, 0}, nil
}

type stubEnqueuer struct {
	users []int64
}

func (s *stubEnqueuer) EnqueuePreload(_ context.Context, userID int64) error {
	s.users = append(s.users, userID)
	return nil
}

// fakeHistory serves /task/list?userId= with canned per-user histories.
type fakeHistory struct {
	byUser map[int64][]map[string]any
}

func (f *fakeHistory) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/task/list", func(w http.ResponseWriter, r *http.Request) {
		userID, _ := strconv.ParseInt(r.URL.Query().Get("userId"), 10, 64)
		orders := f.byUser[userID]
		if orders == nil {
			orders = []map[string]any{}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 200, "message": "ok", "data": orders})
	})
	return mux
}

type harness struct {
	svc      *Service
	index    *vectorstore.Index
	cache    *cache.RecommendationCache
	embedder *stubEmbedder
	enqueuer *stubEnqueuer
	history  *fakeHistory
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	history := &fakeHistory{byUser: make(map[int64][]map[string]any)}
	srv := httptest.NewServer(history.handler())
	t.Cleanup(srv.Close)

	store, err := cache.Open("")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	client := backend.New(backend.Config{
		BaseURL:           srv.URL,
		PageSize:          100,
		RequestsPerSecond: 10000,
	})

	h := &harness{
		index:    vectorstore.New(testDim),
		cache:    cache.NewRecommendationCache(store, cache.DefaultTTLs()),
		embedder: &stubEmbedder{},
		enqueuer: &stubEnqueuer{},
		history:  history,
	}
	h.svc = New(client, h.index, h.cache, h.embedder, h.enqueuer, Config{
		SearchK:       10,
		InitialLimit:  5,
		ColdStartPool: 20,
		PreloadPool:   10,
		HistoryOrders: 3,
	})
	return h
}

// addPoolOrder indexes an open order at the given distance from the
// zero query vector.
func (h *harness) addPoolOrder(t *testing.T, id, userID int64, distance float32, mutate func(*models.Order)) {
	t.Helper()
	o := models.Order{
		ID: id, TaskNumber: "T" + strconv.FormatInt(id, 10), UserID: userID,
		Title: "order " + strconv.FormatInt(id, 10), Content: "details",
		State: models.StateWaitReceive, SiteID: models.DefaultSiteID,
	}
	if mutate != nil {
		mutate(&o)
	}
	if err := h.index.Upsert(&o, []float32{distance, 0, 0}); err != nil {
		t.Fatalf("upsert order %d: %v", id, err)
	}
}

func (h *harness) addHistory(userID int64, orders ...map[string]any) {
	h.history.byUser[userID] = append(h.history.byUser[userID], orders...)
}

func historyOrder(id, userID int64, title string) map[string]any {
	return map[string]any{
		"id": id, "userId": userID, "title": title,
		"content": "mine", "state": models.StateFinish,
	}
}

func TestProcessNewOrderPopulatesInitialTier(t *testing.T) {
	h := newHarness(t)
	h.addPoolOrder(t, 10, 2, 1, nil)
	h.addPoolOrder(t, 11, 3, 2, nil)
	h.addPoolOrder(t, 12, 1, 0.5, nil) // submitter's own, must be excluded

	order := &models.Order{ID: 1, UserID: 1, Title: "new wish", Content: "stuff"}
	got, err := h.svc.ProcessNewOrder(context.Background(), order)
	if err != nil {
		t.Fatalf("process new order: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].ID != 10 || got[1].ID != 11 {
		t.Fatalf("expected similarity order [10 11], got [%d %d]", got[0].ID, got[1].ID)
	}

	cached, ok := h.cache.GetInitial(1, nil)
	if !ok || len(cached) != 2 {
		t.Fatalf("initial tier not populated: ok=%v len=%d", ok, len(cached))
	}
	affected := h.cache.GetOrderAffectedUsers("10")
	if len(affected) != 1 || affected[0] != 1 {
		t.Fatalf("reverse mapping missing: %v", affected)
	}
	if len(h.enqueuer.users) != 1 || h.enqueuer.users[0] != 1 {
		t.Fatalf("preload not enqueued: %v", h.enqueuer.users)
	}
}

func TestProcessNewOrderSameSiteOnly(t *testing.T) {
	h := newHarness(t)
	h.addPoolOrder(t, 10, 2, 1, func(o *models.Order) { o.SiteID = "us" })
	h.addPoolOrder(t, 11, 3, 2, func(o *models.Order) { o.SiteID = "eu" })

	order := &models.Order{ID: 1, UserID: 1, Title: "wish", SiteID: "eu"}
	got, err := h.svc.ProcessNewOrder(context.Background(), order)
	if err != nil {
		t.Fatalf("process new order: %v", err)
	}
	if len(got) != 1 || got[0].ID != 11 {
		t.Fatalf("expected only same-site order 11, got %v", got)
	}

	// No same-site match means no recommendations at all.
	order2 := &models.Order{ID: 2, UserID: 1, Title: "wish", SiteID: "jp"}
	got, err = h.svc.ProcessNewOrder(context.Background(), order2)
	if err != nil {
		t.Fatalf("process new order: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty cross-site result, got %v", got)
	}
	if _, ok := h.cache.GetInitial(1, nil); ok {
		t.Fatal("empty result must not overwrite the initial tier")
	}
}

func TestProcessNewOrderRejectsInvalid(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.ProcessNewOrder(context.Background(), &models.Order{UserID: 1}); err == nil {
		t.Fatal("expected validation error for missing title")
	}
}

func TestProcessNewOrderInvalidatesBeforeWriting(t *testing.T) {
	h := newHarness(t)
	h.addPoolOrder(t, 10, 2, 1, nil)

	stale := []models.Order{{ID: 99, UserID: 9, Title: "stale"}}
	if w := h.cache.SetInitial(1, nil, stale); w != nil {
		t.Fatalf("seed stale tier: %v", w)
	}

	if _, err := h.svc.ProcessNewOrder(context.Background(), &models.Order{ID: 1, UserID: 1, Title: "new"}); err != nil {
		t.Fatalf("process new order: %v", err)
	}

	cached, ok := h.cache.GetInitial(1, nil)
	if !ok {
		t.Fatal("fresh initial tier missing after invalidation")
	}
	if len(cached) != 1 || cached[0].ID != 10 {
		t.Fatalf("expected fresh list [10], got %v", cached)
	}
}

func TestGetRecommendationsColdStart(t *testing.T) {
	h := newHarness(t)
	for i := int64(1); i <= 8; i++ {
		h.addPoolOrder(t, i, i+100, float32(i), nil)
	}

	res, err := h.svc.GetRecommendations(context.Background(), 1, 5)
	if err != nil {
		t.Fatalf("get recommendations: %v", err)
	}
	if res.Source != SourceColdStart {
		t.Fatalf("expected cold start source, got %q", res.Source)
	}
	if len(res.Orders) != 5 {
		t.Fatalf("expected 5 cold-start orders, got %d", len(res.Orders))
	}
	if h.embedder.calls != 0 {
		t.Fatalf("cold start must not embed, got %d calls", h.embedder.calls)
	}
	if _, ok := h.cache.GetColdStartPool("global"); !ok {
		t.Fatal("cold start pool not cached")
	}
}

func TestGetRecommendationsPinsOwnOrders(t *testing.T) {
	h := newHarness(t)
	h.addPoolOrder(t, 10, 2, 1, nil)
	h.addPoolOrder(t, 11, 3, 2, nil)
	h.addHistory(1,
		historyOrder(100, 1, "first wish"),
		historyOrder(101, 1, "second wish"),
		historyOrder(102, 1, "third wish"),
	)

	res, err := h.svc.GetRecommendations(context.Background(), 1, 4)
	if err != nil {
		t.Fatalf("get recommendations: %v", err)
	}
	if res.Source != SourceComputed {
		t.Fatalf("expected computed source, got %q", res.Source)
	}
	if len(res.Orders) != 4 {
		t.Fatalf("expected 4 orders, got %d", len(res.Orders))
	}
	// The user's two latest own orders lead the list.
	if res.Orders[0].ID != 101 || res.Orders[1].ID != 102 {
		t.Fatalf("expected own orders [101 102] first, got [%d %d]", res.Orders[0].ID, res.Orders[1].ID)
	}
	if len(res.UserOrders) != 3 {
		t.Fatalf("expected full history in result, got %d", len(res.UserOrders))
	}

	// History is cached after the first call.
	if _, ok := h.cache.GetUserOrders(1); !ok {
		t.Fatal("user history not cached")
	}
}

func TestGetRecommendationsPrioritySort(t *testing.T) {
	h := newHarness(t)
	h.addPoolOrder(t, 10, 2, 1, func(o *models.Order) { o.Priority = 0 })
	h.addPoolOrder(t, 11, 3, 2, func(o *models.Order) { o.Priority = 5 })
	h.addHistory(1, historyOrder(100, 1, "mine"))

	res, err := h.svc.GetRecommendations(context.Background(), 1, 5)
	if err != nil {
		t.Fatalf("get recommendations: %v", err)
	}
	// Pinned own order has priority 0; the promoted candidate outranks
	// the nearer one.
	var ids []int64
	for _, o := range res.Orders {
		ids = append(ids, o.ID)
	}
	if ids[0] != 11 {
		t.Fatalf("expected priority 5 order first, got %v", ids)
	}
}

func TestGetRecommendationsAsyncTierFallthrough(t *testing.T) {
	h := newHarness(t)
	h.addPoolOrder(t, 10, 2, 1, nil)
	h.addHistory(1, historyOrder(100, 1, "mine"))

	final := []models.Order{{ID: 50, UserID: 5, Title: "refined"}}
	if w := h.cache.SetFinal(1, nil, final); w != nil {
		t.Fatalf("seed final tier: %v", w)
	}
	res, err := h.svc.GetRecommendationsAsync(context.Background(), 1, 5)
	if err != nil {
		t.Fatalf("async recommendations: %v", err)
	}
	if res.Source != SourceFinal || !res.IsCached {
		t.Fatalf("expected cached final tier, got source=%q cached=%v", res.Source, res.IsCached)
	}
	if len(res.Orders) != 1 || res.Orders[0].ID != 50 {
		t.Fatalf("unexpected final tier payload: %v", res.Orders)
	}

	// Drop the final tier; the initial tier serves next.
	if _, w := h.cache.InvalidateUser(1); w != nil {
		t.Fatalf("invalidate: %v", w)
	}
	initial := []models.Order{{ID: 60, UserID: 6, Title: "quick"}}
	if w := h.cache.SetInitial(1, nil, initial); w != nil {
		t.Fatalf("seed initial tier: %v", w)
	}
	res, err = h.svc.GetRecommendationsAsync(context.Background(), 1, 5)
	if err != nil {
		t.Fatalf("async recommendations: %v", err)
	}
	if res.Source != SourceInitial || !res.IsCached {
		t.Fatalf("expected cached initial tier, got source=%q cached=%v", res.Source, res.IsCached)
	}

	// Both tiers cold: compute, and backfill the initial tier.
	if _, w := h.cache.InvalidateUser(1); w != nil {
		t.Fatalf("invalidate: %v", w)
	}
	res, err = h.svc.GetRecommendationsAsync(context.Background(), 1, 5)
	if err != nil {
		t.Fatalf("async recommendations: %v", err)
	}
	if res.Source != SourceComputed || res.IsCached {
		t.Fatalf("expected computed, got source=%q cached=%v", res.Source, res.IsCached)
	}
	if _, ok := h.cache.GetInitial(1, nil); !ok {
		t.Fatal("computed result not backfilled into initial tier")
	}
}

func TestGetRecommendationsAsyncColdStartCachesInitial(t *testing.T) {
	h := newHarness(t)
	h.addPoolOrder(t, 10, 2, 1, nil)

	res, err := h.svc.GetRecommendationsAsync(context.Background(), 7, 5)
	if err != nil {
		t.Fatalf("async recommendations: %v", err)
	}
	if res.Source != SourceColdStart {
		t.Fatalf("expected cold start, got %q", res.Source)
	}
	if _, ok := h.cache.GetInitial(7, nil); !ok {
		t.Fatal("cold start result not written to initial tier")
	}
}

func TestEmbeddingFailureDegradesToEmpty(t *testing.T) {
	h := newHarness(t)
	h.addPoolOrder(t, 10, 2, 1, nil)
	h.addHistory(1, historyOrder(100, 1, "mine"))
	h.embedder.fail = true

	res, err := h.svc.GetRecommendations(context.Background(), 1, 5)
	if err != nil {
		t.Fatalf("expected graceful degrade, got %v", err)
	}
	// Own pinned order still shows; nothing from similarity.
	if len(res.Orders) != 1 || res.Orders[0].ID != 100 {
		t.Fatalf("expected only pinned own order, got %v", res.Orders)
	}
}

func TestSplitPools(t *testing.T) {
	h := newHarness(t)
	h.addPoolOrder(t, 20, 4, 1, func(o *models.Order) { o.Promotion = true })

	orders := []models.Order{
		{ID: 1, UserID: 2, Title: "a"},
		{ID: 2, UserID: 3, Title: "b", Promotion: true},
	}
	p := h.svc.SplitPools(orders)
	if len(p.Normal) != 1 || p.Normal[0].ID != 1 {
		t.Fatalf("unexpected normal pool: %v", p.Normal)
	}
	if len(p.Promotional) != 1 || p.Promotional[0].ID != 2 {
		t.Fatalf("unexpected promotional pool: %v", p.Promotional)
	}

	// All-normal input pulls the promotional fallback from the index.
	p = h.svc.SplitPools(orders[:1])
	if len(p.Promotional) != 1 || p.Promotional[0].ID != 20 {
		t.Fatalf("expected promoted fallback order 20, got %v", p.Promotional)
	}
}

func TestDeleteOrderCascades(t *testing.T) {
	h := newHarness(t)
	h.addPoolOrder(t, 10, 2, 1, nil)

	target := models.Order{ID: 10, UserID: 2, Title: "order 10"}
	for _, userID := range []int64{5, 6} {
		if w := h.cache.SetRecommendationWithReverseMapping(userID, []models.Order{target}); w != nil {
			t.Fatalf("seed mapping: %v", w)
		}
	}

	affected := h.svc.DeleteOrder(context.Background(), "10")
	if affected != 2 {
		t.Fatalf("expected 2 affected users, got %d", affected)
	}
	if _, ok := h.index.Get("10"); ok {
		t.Fatal("order still in index after delete")
	}
	if users := h.cache.GetOrderAffectedUsers("10"); len(users) != 0 {
		t.Fatalf("reverse mapping survived delete: %v", users)
	}
	if len(h.enqueuer.users) != 2 {
		t.Fatalf("expected 2 preload jobs, got %v", h.enqueuer.users)
	}

	// Deleting again is a no-op.
	if affected := h.svc.DeleteOrder(context.Background(), "10"); affected != 0 {
		t.Fatalf("repeat delete affected %d users", affected)
	}
}

func TestBuildPreloadPool(t *testing.T) {
	h := newHarness(t)
	for i := int64(1); i <= 12; i++ {
		h.addPoolOrder(t, i, i+100, float32(i), func(o *models.Order) { o.Priority = int(i % 3) })
	}
	h.addHistory(1, historyOrder(200, 1, "mine"))

	res, err := h.svc.BuildPreloadPool(context.Background(), 1)
	if err != nil {
		t.Fatalf("build preload pool: %v", err)
	}
	if res.Fallback {
		t.Fatal("unexpected fallback for user with history")
	}
	if len(res.Orders) == 0 || len(res.Orders) > h.svc.cfg.PreloadPool {
		t.Fatalf("pool size out of range: %d", len(res.Orders))
	}
	seen := make(map[string]bool)
	for _, o := range res.Orders {
		key := strconv.FormatInt(o.UserID, 10) + "_" + o.Key()
		if seen[key] {
			t.Fatalf("duplicate order %s in pool", key)
		}
		seen[key] = true
	}

	if _, ok := h.cache.GetPaginationPool(1); !ok {
		t.Fatal("pagination pool not cached")
	}
	if _, ok := h.cache.GetFinal(1, nil); !ok {
		t.Fatal("final tier not populated by pool build")
	}
}

func TestBuildPreloadPoolFallback(t *testing.T) {
	h := newHarness(t)
	h.addPoolOrder(t, 1, 100, 1, nil)

	res, err := h.svc.BuildPreloadPool(context.Background(), 9)
	if err != nil {
		t.Fatalf("build preload pool: %v", err)
	}
	if !res.Fallback {
		t.Fatal("expected cold-start fallback for user without history")
	}
	if len(res.Orders) != 1 {
		t.Fatalf("expected 1 pool order, got %d", len(res.Orders))
	}
}

func TestPaginateExcludesViewed(t *testing.T) {
	h := newHarness(t)
	for i := int64(1); i <= 6; i++ {
		h.addPoolOrder(t, i, i+100, float32(i), nil)
	}
	h.addHistory(1, historyOrder(200, 1, "mine"))

	first, more, err := h.svc.Paginate(context.Background(), 1, 1, 3)
	if err != nil {
		t.Fatalf("paginate: %v", err)
	}
	if len(first) != 3 || !more {
		t.Fatalf("expected full first page with more, got len=%d more=%v", len(first), more)
	}

	second, _, err := h.svc.Paginate(context.Background(), 1, 1, 3)
	if err != nil {
		t.Fatalf("paginate: %v", err)
	}
	for _, a := range first {
		for _, b := range second {
			if a.Key() == b.Key() {
				t.Fatalf("order %s repeated across scroll pages", a.Key())
			}
		}
	}
}
