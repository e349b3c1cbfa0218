// OrderSense - Marketplace Order Recommendation and Cache Synchronization
// Copyright 2026 OrderSense Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ordersense/ordersense

// Package embedding turns order text into vectors.
//
// The ModelClient calls the external embedding service behind a circuit
// breaker; CachedEmbedder wraps any Embedder with a content-addressed
// durable cache so identical text is never embedded twice within the TTL.
package embedding

import (
	"fmt"

	"github.com/ordersense/ordersense/internal/models"
)

// OrderText builds the canonical embedding text for an order. Only title
// and content participate; labels are fixed. Any change to this rule must
// be paired with a cache key version bump, or stale vectors will be served
// for texts that now derive differently.
func OrderText(o *models.Order) string {
	return fmt.Sprintf("标题: %s\n内容: %s", o.Title, o.Content)
}
