// OrderSense - Marketplace Order Recommendation and Cache Synchronization
// Copyright 2026 OrderSense Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ordersense/ordersense

package cache

import "fmt"

// Warning is an advisory failure from a cache mutation. The cache is a
// best-effort layer: callers log warnings and continue, they never fail
// the business operation because of one. Hard failures (vector index
// writes, input validation) use plain errors instead.
type Warning struct {
	Op  string
	Key string
	Err error
}

func (w *Warning) Error() string {
	if w.Key == "" {
		return fmt.Sprintf("cache %s: %v", w.Op, w.Err)
	}
	return fmt.Sprintf("cache %s %s: %v", w.Op, w.Key, w.Err)
}

func (w *Warning) Unwrap() error {
	return w.Err
}

// warn wraps an error as a Warning, or returns nil for a nil error.
func warn(op, key string, err error) *Warning {
	if err == nil {
		return nil
	}
	return &Warning{Op: op, Key: key, Err: err}
}
