// OrderSense - Marketplace Order Recommendation and Cache Synchronization
// Copyright 2026 OrderSense Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ordersense/ordersense

package vectorstore

import (
	"strings"
	"testing"

	"github.com/ordersense/ordersense/internal/models"
)

func waitOrder(id int64, userID int64, siteID string) models.Order {
	return models.Order{
		ID: id, TaskNumber: "T" + string(rune('0'+id%10)), UserID: userID,
		Title: "order", State: models.StateWaitReceive, SiteID: siteID,
	}
}

func TestUpsertValidation(t *testing.T) {
	ix := New(3)

	noUser := models.Order{Title: "x"}
	if err := ix.Upsert(&noUser, []float32{1, 2, 3}); err == nil {
		t.Error("expected error for missing userId")
	}

	noTitle := models.Order{UserID: 1}
	if err := ix.Upsert(&noTitle, []float32{1, 2, 3}); err == nil {
		t.Error("expected error for missing title")
	}

	good := waitOrder(1, 5, "s1")
	if err := ix.Upsert(&good, []float32{1, 2}); err == nil {
		t.Error("expected error for dimension mismatch")
	}
	if err := ix.Upsert(&good, []float32{1, 2, 3}); err != nil {
		t.Errorf("valid upsert failed: %v", err)
	}
	if ix.Count() != 1 {
		t.Errorf("Count = %d, want 1", ix.Count())
	}
}

func TestUpsertReplacesExisting(t *testing.T) {
	ix := New(2)

	o := waitOrder(7, 1, "s1")
	if err := ix.Upsert(&o, []float32{0, 0}); err != nil {
		t.Fatal(err)
	}
	o.Title = "updated"
	if err := ix.Upsert(&o, []float32{1, 1}); err != nil {
		t.Fatal(err)
	}

	if ix.Count() != 1 {
		t.Fatalf("Count = %d after replace, want 1", ix.Count())
	}
	got, ok := ix.Get("7")
	if !ok || got.Title != "updated" {
		t.Errorf("Get = %+v, %v; want updated row", got, ok)
	}
}

func TestUpsertTruncatesLongFields(t *testing.T) {
	ix := New(1)

	o := waitOrder(1, 2, "s1")
	o.Title = strings.Repeat("长", maxTitleLen+100)
	o.Content = strings.Repeat("c", maxContentLen+1)
	if err := ix.Upsert(&o, []float32{1}); err != nil {
		t.Fatal(err)
	}

	got, _ := ix.Get("1")
	if n := len([]rune(got.Title)); n != maxTitleLen {
		t.Errorf("stored title runes = %d, want %d", n, maxTitleLen)
	}
	if len(got.Content) != maxContentLen {
		t.Errorf("stored content length = %d, want %d", len(got.Content), maxContentLen)
	}
}

func TestSearchOrdering(t *testing.T) {
	ix := New(2)

	near := waitOrder(1, 10, "s1")
	mid := waitOrder(2, 11, "s1")
	far := waitOrder(3, 12, "s1")
	if err := ix.Upsert(&near, []float32{1, 0}); err != nil {
		t.Fatal(err)
	}
	if err := ix.Upsert(&mid, []float32{2, 0}); err != nil {
		t.Fatal(err)
	}
	if err := ix.Upsert(&far, []float32{9, 0}); err != nil {
		t.Fatal(err)
	}

	results := ix.Search([]float32{1, 0}, 2, nil)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Order.ID != 1 || results[1].Order.ID != 2 {
		t.Errorf("order of results = %d, %d; want 1, 2", results[0].Order.ID, results[1].Order.ID)
	}
	if results[0].Distance > results[1].Distance {
		t.Error("results not sorted ascending by distance")
	}
}

func TestSearchFilter(t *testing.T) {
	ix := New(1)

	a := waitOrder(1, 10, "s1")
	b := waitOrder(2, 11, "s2")
	c := waitOrder(3, 12, "s1")
	c.State = models.StateFinish
	for i, o := range []models.Order{a, b, c} {
		if err := ix.Upsert(&o, []float32{float32(i)}); err != nil {
			t.Fatal(err)
		}
	}

	results := ix.Search([]float32{0}, 10, &Filter{State: models.StateWaitReceive, SiteID: "s1"})
	if len(results) != 1 || results[0].Order.ID != 1 {
		t.Errorf("filtered results = %v, want only order 1", results)
	}

	// Excluding the requesting user's own orders.
	results = ix.Search([]float32{0}, 10, &Filter{ExcludeUser: 10})
	for _, r := range results {
		if r.Order.UserID == 10 {
			t.Errorf("result leaked excluded user's order %d", r.Order.ID)
		}
	}
}

func TestSearchDimensionMismatchDegrades(t *testing.T) {
	ix := New(3)
	o := waitOrder(1, 2, "s1")
	if err := ix.Upsert(&o, []float32{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if results := ix.Search([]float32{1, 2}, 5, nil); results != nil {
		t.Errorf("mismatched query should return empty, got %v", results)
	}
}

func TestRemoveWithTaskNumberFallback(t *testing.T) {
	ix := New(1)

	withID := waitOrder(42, 1, "s1")
	withID.TaskNumber = "TN-42"
	if err := ix.Upsert(&withID, []float32{1}); err != nil {
		t.Fatal(err)
	}
	noID := models.Order{TaskNumber: "TN-77", UserID: 2, Title: "x", State: models.StateWaitReceive}
	if err := ix.Upsert(&noID, []float32{2}); err != nil {
		t.Fatal(err)
	}

	// Numeric id path.
	if !ix.Remove("42") {
		t.Error("expected removal by numeric id")
	}
	// Task number fallback path.
	if !ix.Remove("TN-77") {
		t.Error("expected removal by task number fallback")
	}
	// Idempotent: absent row is false, not an error.
	if ix.Remove("42") {
		t.Error("second removal should report not found")
	}
	if ix.Count() != 0 {
		t.Errorf("Count = %d, want 0", ix.Count())
	}
}

func TestGetByFilterAndClear(t *testing.T) {
	ix := New(1)
	for i := int64(1); i <= 5; i++ {
		o := waitOrder(i, i+10, "s1")
		if err := ix.Upsert(&o, []float32{float32(i)}); err != nil {
			t.Fatal(err)
		}
	}

	got := ix.GetByFilter(&Filter{State: models.StateWaitReceive}, 3)
	if len(got) != 3 {
		t.Errorf("GetByFilter limit: got %d, want 3", len(got))
	}

	ix.Clear()
	if ix.Count() != 0 {
		t.Errorf("Count after Clear = %d, want 0", ix.Count())
	}
}
