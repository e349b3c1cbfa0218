// OrderSense - Marketplace Order Recommendation and Cache Synchronization
// Copyright 2026 OrderSense Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ordersense/ordersense

package cache

import (
	"crypto/md5" //nolint:gosec // key derivation, not security
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// KeyVersion is embedded in every cache key. Bumping it orphans all
// previous entries, which then age out via TTL. Bump it whenever a cached
// value's shape or derivation changes (including the embedding text rule).
const KeyVersion = "v2.0.0"

const keyNamespace = "ordersense"

// Cache key categories. Each category is one tier or mapping family.
const (
	catInitial        = "rec:initial"
	catFinal          = "rec:final"
	catTask           = "task"
	catUserOrders     = "user:orders"
	catPlatformOrders = "platform:orders"
	catColdStart      = "cold:start"
	catUserRec        = "user_rec"
	catOrderUsers     = "order_users"
	catPool           = "pool"
	catScroll         = "scroll"
	catViewed         = "viewed"
	catSyncStatus     = "sync:status"
	catEmbedding      = "embedding"
)

// buildKey assembles a cache key:
//
//	ordersense:<category>:<version>:<id>[:<suffix>][:<paramHash>]
//
// The parameter hash is the first 8 hex characters of the md5 of the
// params object serialized with sorted keys, so logically equal parameter
// sets always produce the same key.
func buildKey(category, id string, params map[string]any, suffix ...string) string {
	parts := []string{keyNamespace, category, KeyVersion}
	if id != "" {
		parts = append(parts, id)
	}
	parts = append(parts, suffix...)
	if len(params) > 0 {
		parts = append(parts, hashParams(params))
	}
	return strings.Join(parts, ":")
}

// keyPrefix returns the scan prefix for a whole category, or for one id
// within a category when id is non-empty.
func keyPrefix(category, id string) string {
	parts := []string{keyNamespace, category, KeyVersion}
	if id != "" {
		parts = append(parts, id)
	}
	return strings.Join(parts, ":") + ":"
}

func hashParams(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		v, err := json.Marshal(params[k])
		if err != nil {
			v = []byte("null")
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.Write(v)
		sb.WriteByte(';')
	}

	sum := md5.Sum([]byte(sb.String())) //nolint:gosec // key derivation, not security
	return hex.EncodeToString(sum[:])[:8]
}

// ContentHash returns the full md5 hex digest of text. Used for
// content-addressed embedding keys.
func ContentHash(text string) string {
	sum := md5.Sum([]byte(text)) //nolint:gosec // content addressing, not security
	return hex.EncodeToString(sum[:])
}

// EmbeddingKey returns the content-addressed key for an embedding vector.
func EmbeddingKey(text string) string {
	return buildKey(catEmbedding, ContentHash(text), nil)
}

// EmbeddingPrefix returns the scan prefix covering all embedding entries.
func EmbeddingPrefix() string {
	return keyPrefix(catEmbedding, "")
}

func userKey(category string, userID int64) string {
	return buildKey(category, strconv.FormatInt(userID, 10), nil)
}
