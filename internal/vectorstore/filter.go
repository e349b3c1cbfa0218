// OrderSense - Marketplace Order Recommendation and Cache Synchronization
// Copyright 2026 OrderSense Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ordersense/ordersense

package vectorstore

import "github.com/ordersense/ordersense/internal/models"

// Filter restricts search and listing results. Zero-valued fields do not
// constrain. Exact matches on state, industry, site and user; ranges on
// amount and create time.
type Filter struct {
	State        string
	IndustryName string
	SiteID       string
	UserID       int64
	ExcludeUser  int64

	MinAmount float64
	MaxAmount float64

	CreateTimeFrom string
	CreateTimeTo   string
}

// Matches reports whether the order passes every set constraint.
func (f *Filter) Matches(o *models.Order) bool {
	if f == nil {
		return true
	}
	if f.State != "" && o.State != f.State {
		return false
	}
	if f.IndustryName != "" && o.IndustryName != f.IndustryName {
		return false
	}
	if f.SiteID != "" && o.SiteID != f.SiteID {
		return false
	}
	if f.UserID != 0 && o.UserID != f.UserID {
		return false
	}
	if f.ExcludeUser != 0 && o.UserID == f.ExcludeUser {
		return false
	}
	if f.MinAmount != 0 && o.FullAmount < f.MinAmount {
		return false
	}
	if f.MaxAmount != 0 && o.FullAmount > f.MaxAmount {
		return false
	}
	// Create times are sortable date strings, so lexicographic range
	// comparison is correct.
	if f.CreateTimeFrom != "" && o.CreateTime < f.CreateTimeFrom {
		return false
	}
	if f.CreateTimeTo != "" && o.CreateTime > f.CreateTimeTo {
		return false
	}
	return true
}
