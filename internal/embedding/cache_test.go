// OrderSense - Marketplace Order Recommendation and Cache Synchronization
// Copyright 2026 OrderSense Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ordersense/ordersense

package embedding

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ordersense/ordersense/internal/cache"
	"github.com/ordersense/ordersense/internal/models"
)

type countingEmbedder struct {
	calls atomic.Int64
	fail  bool
}

func (m *countingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	m.calls.Add(1)
	if m.fail {
		return nil, errors.New("model unavailable")
	}
	// Deterministic vector derived from text length.
	return []float32{float32(len(text)), 1, 2}, nil
}

func newTestStore(t *testing.T) *cache.Store {
	t.Helper()
	store, err := cache.Open("")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOrderText(t *testing.T) {
	o := &models.Order{Title: "修水管", Content: "厨房水管漏水"}
	want := "标题: 修水管\n内容: 厨房水管漏水"
	if got := OrderText(o); got != want {
		t.Errorf("OrderText = %q, want %q", got, want)
	}
}

func TestEmbedComputesOncePerText(t *testing.T) {
	model := &countingEmbedder{}
	e := NewCachedEmbedder(model, newTestStore(t), time.Hour)
	ctx := context.Background()

	text := "标题: X\n内容: Y"
	first, err := e.Embed(ctx, text)
	if err != nil {
		t.Fatalf("first Embed: %v", err)
	}
	second, err := e.Embed(ctx, text)
	if err != nil {
		t.Fatalf("second Embed: %v", err)
	}

	if model.calls.Load() != 1 {
		t.Errorf("model called %d times for identical text, want 1", model.calls.Load())
	}
	if len(first) != len(second) {
		t.Fatalf("vector length changed between calls: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("vector[%d] = %v then %v, want identical", i, first[i], second[i])
		}
	}
}

func TestEmbedDistinctTextsDistinctEntries(t *testing.T) {
	model := &countingEmbedder{}
	e := NewCachedEmbedder(model, newTestStore(t), time.Hour)
	ctx := context.Background()

	if _, err := e.Embed(ctx, "标题: A\n内容: B"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Embed(ctx, "标题: A\n内容: C"); err != nil {
		t.Fatal(err)
	}
	if model.calls.Load() != 2 {
		t.Errorf("model called %d times for two distinct texts, want 2", model.calls.Load())
	}
}

func TestEmbedPropagatesModelError(t *testing.T) {
	model := &countingEmbedder{fail: true}
	e := NewCachedEmbedder(model, newTestStore(t), time.Hour)

	if _, err := e.Embed(context.Background(), "标题: X\n内容: Y"); err == nil {
		t.Error("expected model error to propagate on cache miss")
	}
}

func TestCleanupOrderEmbedding(t *testing.T) {
	model := &countingEmbedder{}
	store := newTestStore(t)
	e := NewCachedEmbedder(model, store, time.Hour)
	ctx := context.Background()

	o := &models.Order{ID: 1, UserID: 2, Title: "X", Content: "Y"}
	if _, err := e.Embed(ctx, OrderText(o)); err != nil {
		t.Fatal(err)
	}

	e.CleanupOrderEmbedding(o)

	if _, err := e.Embed(ctx, OrderText(o)); err != nil {
		t.Fatal(err)
	}
	if model.calls.Load() != 2 {
		t.Errorf("model called %d times, want recompute after cleanup", model.calls.Load())
	}
}

func TestStats(t *testing.T) {
	model := &countingEmbedder{}
	e := NewCachedEmbedder(model, newTestStore(t), time.Hour)
	ctx := context.Background()

	for _, text := range []string{"标题: a\n内容: 1", "标题: b\n内容: 2"} {
		if _, err := e.Embed(ctx, text); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := e.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalKeys != 2 {
		t.Errorf("TotalKeys = %d, want 2", stats.TotalKeys)
	}
	if stats.AvgSizePerKeyKB <= 0 {
		t.Errorf("AvgSizePerKeyKB = %v, want > 0", stats.AvgSizePerKeyKB)
	}
}
