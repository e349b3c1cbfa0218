// OrderSense - Marketplace Order Recommendation and Cache Synchronization
// Copyright 2026 OrderSense Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ordersense/ordersense

// Package vectorstore holds the in-process vector index over
// recommendable orders.
//
// The index is brute-force L2 over float32 vectors behind a RWMutex. The
// working set is the live WaitReceive pool, small enough that exact
// search beats the operational cost of an external vector database.
// Writes surface errors; reads degrade to empty results with a warning
// log, because a broken index must not take recommendation serving down
// with it.
package vectorstore

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ordersense/ordersense/internal/logging"
	"github.com/ordersense/ordersense/internal/metrics"
	"github.com/ordersense/ordersense/internal/models"
)

// Field length limits applied on upsert. Matching the wire schema keeps
// one order's oversized field from bloating every search response.
const (
	maxTaskNumberLen = 100
	maxIndustryLen   = 100
	maxTitleLen      = 500
	maxContentLen    = 2000
	maxStateLen      = 50
	maxTimeLen       = 50
	maxSiteIDLen     = 50
)

// Result is one search hit. Distance is squared L2; smaller is closer.
type Result struct {
	Order    models.Order
	Distance float32
}

type row struct {
	order  models.Order
	vector []float32
}

// Index is the in-process vector index. Safe for concurrent use.
type Index struct {
	mu        sync.RWMutex
	dimension int
	rows      map[string]*row
}

// New creates an empty index for vectors of the given dimension.
func New(dimension int) *Index {
	return &Index{
		dimension: dimension,
		rows:      make(map[string]*row),
	}
}

// Upsert validates, truncates and stores an order with its vector.
// An existing row under the same key is replaced.
func (ix *Index) Upsert(o *models.Order, vector []float32) error {
	if err := o.Validate(); err != nil {
		return fmt.Errorf("upsert rejected: %w", err)
	}
	if len(vector) != ix.dimension {
		return fmt.Errorf("upsert rejected: vector dimension %d, index expects %d",
			len(vector), ix.dimension)
	}
	key := o.Key()
	if key == "" {
		return fmt.Errorf("upsert rejected: order has neither id nor task number")
	}

	stored := *o
	truncate(&stored)

	vec := make([]float32, len(vector))
	copy(vec, vector)

	ix.mu.Lock()
	ix.rows[key] = &row{order: stored, vector: vec}
	size := len(ix.rows)
	ix.mu.Unlock()

	metrics.VectorIndexSize.Set(float64(size))
	return nil
}

func truncate(o *models.Order) {
	o.TaskNumber = cut(o.TaskNumber, maxTaskNumberLen)
	o.IndustryName = cut(o.IndustryName, maxIndustryLen)
	o.Title = cut(o.Title, maxTitleLen)
	o.Content = cut(o.Content, maxContentLen)
	o.State = cut(o.State, maxStateLen)
	o.CreateTime = cut(o.CreateTime, maxTimeLen)
	o.UpdateTime = cut(o.UpdateTime, maxTimeLen)
	o.SiteID = cut(o.SiteID, maxSiteIDLen)
}

// cut truncates on rune boundaries so multi-byte text stays valid.
func cut(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

// Remove deletes the row for key. The key is tried as a numeric order id
// first; when no row matches, any row whose task number equals the key is
// removed instead. Removing an absent row returns false with no error.
func (ix *Index) Remove(key string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, ok := ix.rows[key]; ok {
		delete(ix.rows, key)
		metrics.VectorIndexSize.Set(float64(len(ix.rows)))
		return true
	}

	for k, r := range ix.rows {
		if r.order.TaskNumber == key {
			delete(ix.rows, k)
			metrics.VectorIndexSize.Set(float64(len(ix.rows)))
			return true
		}
	}
	return false
}

// Get returns the stored order for key, trying the task number fallback
// like Remove.
func (ix *Index) Get(key string) (*models.Order, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if r, ok := ix.rows[key]; ok {
		o := r.order
		return &o, true
	}
	for _, r := range ix.rows {
		if r.order.TaskNumber == key {
			o := r.order
			return &o, true
		}
	}
	return nil, false
}

// Search returns up to k nearest orders to the query vector, closest
// first, restricted by the filter. A dimension mismatch degrades to an
// empty result.
func (ix *Index) Search(query []float32, k int, filter *Filter) []Result {
	if len(query) != ix.dimension {
		logging.Warn().Int("got", len(query)).Int("want", ix.dimension).
			Msg("vector search degraded to empty: dimension mismatch")
		return nil
	}
	if k <= 0 {
		return nil
	}

	ix.mu.RLock()
	results := make([]Result, 0, len(ix.rows))
	for _, r := range ix.rows {
		if !filter.Matches(&r.order) {
			continue
		}
		results = append(results, Result{Order: r.order, Distance: sqL2(query, r.vector)})
	}
	ix.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		return results[i].Distance < results[j].Distance
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// GetByFilter returns up to limit orders passing the filter, in no
// particular order. A non-positive limit means no cap.
func (ix *Index) GetByFilter(filter *Filter, limit int) []models.Order {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var out []models.Order
	for _, r := range ix.rows {
		if !filter.Matches(&r.order) {
			continue
		}
		out = append(out, r.order)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Count returns the number of rows in the index.
func (ix *Index) Count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.rows)
}

// Clear drops every row. Used by full resync.
func (ix *Index) Clear() {
	ix.mu.Lock()
	ix.rows = make(map[string]*row)
	ix.mu.Unlock()
	metrics.VectorIndexSize.Set(0)
}

func sqL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
