// OrderSense - Marketplace Order Recommendation and Cache Synchronization
// Copyright 2026 OrderSense Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ordersense/ordersense

package cache

import "fmt"

// Stats summarizes cache occupancy for the stats endpoint.
type Stats struct {
	TotalKeys       int            `json:"totalKeys"`
	TotalSizeMB     float64        `json:"totalSizeMb"`
	AvgSizePerKeyKB float64        `json:"avgSizePerKeyKb"`
	KeysByCategory  map[string]int `json:"keysByCategory"`
}

// Stats scans the store and reports key counts and sizes, overall and per
// category.
func (c *RecommendationCache) Stats() (*Stats, error) {
	categories := []string{
		catInitial, catFinal, catTask, catUserOrders, catPlatformOrders,
		catColdStart, catUserRec, catOrderUsers, catPool, catScroll,
		catViewed, catEmbedding,
	}

	stats := &Stats{KeysByCategory: make(map[string]int, len(categories))}
	var totalBytes int64

	for _, cat := range categories {
		prefix := keyPrefix(cat, "")
		n, err := c.store.Count(prefix)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", cat, err)
		}
		size, err := c.store.SizeBytes(prefix)
		if err != nil {
			return nil, fmt.Errorf("size %s: %w", cat, err)
		}
		stats.KeysByCategory[cat] = n
		stats.TotalKeys += n
		totalBytes += size
	}

	stats.TotalSizeMB = float64(totalBytes) / (1024 * 1024)
	if stats.TotalKeys > 0 {
		stats.AvgSizePerKeyKB = float64(totalBytes) / float64(stats.TotalKeys) / 1024
	}
	return stats, nil
}
