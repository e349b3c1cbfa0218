// OrderSense - Marketplace Order Recommendation and Cache Synchronization
// Copyright 2026 OrderSense Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ordersense/ordersense

// Package cache implements the durable recommendation cache.
//
// The cache is a BadgerDB-backed key-value store with native per-entry TTL.
// On top of it, RecommendationCache provides the tiered recommendation
// lists, the bidirectional user/order mapping, and the invalidation
// cascade. Cursor state for the sync engine lives here too, so it
// survives restarts.
package cache

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/ordersense/ordersense/internal/logging"
)

// ErrNotFound is returned when a key is absent or expired.
var ErrNotFound = errors.New("cache: key not found")

// Store is a BadgerDB-backed KV store with TTL and JSON values.
type Store struct {
	db *badger.DB
}

// Open opens a durable store at path. An empty path opens an in-memory
// store, used by tests and by deployments that opt out of persistence.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open cache store: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreFromDB wraps an existing Badger handle. The caller keeps
// ownership of the handle's lifecycle.
func NewStoreFromDB(db *badger.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetJSON marshals v and stores it under key with the given TTL.
// A zero TTL stores the entry without expiry.
func (s *Store) SetJSON(key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), data)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
}

// GetJSON loads the value under key into out. Returns ErrNotFound when
// the key is absent or expired.
func (s *Store) GetJSON(key string, out any) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get %s: %w", key, err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
	return err
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// DeletePrefix removes every key under the prefix and returns the count.
func (s *Store) DeletePrefix(prefix string) (int, error) {
	keys, err := s.ListKeys(prefix)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, key := range keys {
		if err := s.Delete(key); err != nil {
			logging.Warn().Err(err).Str("key", key).Msg("prefix delete skipped key")
			continue
		}
		count++
	}
	return count, nil
}

// ListKeys returns every live key under the prefix.
func (s *Store) ListKeys(prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list keys %s: %w", prefix, err)
	}
	return keys, nil
}

// Count returns the number of live keys under the prefix.
func (s *Store) Count(prefix string) (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// SizeBytes returns the total estimated value size under the prefix.
func (s *Store) SizeBytes(prefix string) (int64, error) {
	var total int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			total += it.Item().EstimatedSize()
		}
		return nil
	})
	return total, err
}
