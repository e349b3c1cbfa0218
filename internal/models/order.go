// OrderSense - Marketplace Order Recommendation and Cache Synchronization
// Copyright 2026 OrderSense Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ordersense/ordersense

// Package models defines the canonical OrderSense domain types.
//
// Canonical field names are used everywhere inside the system. The dozen
// historical alias spellings that arrive from the backend and from API
// clients are translated once, at the boundary, by Normalize.
package models

import (
	"fmt"
	"strconv"
)

// Order states as reported by the order backend.
//
// An order is recommendable only while in StateWaitReceive. Any transition
// out of it removes the order from the vector index and from every cached
// recommendation list.
const (
	StateWaitReceive = "WaitReceive"
	StateReceived    = "Received"
	StateFinish      = "Finish"
	StateCancel      = "Cancel"
	StateOffShelf    = "OffShelf"
)

// Order is the canonical order record.
type Order struct {
	ID           int64   `json:"id"`
	TaskNumber   string  `json:"taskNumber"`
	UserID       int64   `json:"userId"`
	IndustryName string  `json:"industryName"`
	Title        string  `json:"title"`
	Content      string  `json:"content"`
	FullAmount   float64 `json:"fullAmount"`
	State        string  `json:"state"`
	CreateTime   string  `json:"createTime"`
	UpdateTime   string  `json:"updateTime"`
	SiteID       string  `json:"siteId"`
	Promotion    bool    `json:"promotion"`
	Priority     int     `json:"priority"`
}

// Validate reports whether the order carries the minimum required fields.
// Only userId and title are mandatory; everything else has defaults.
func (o *Order) Validate() error {
	if o.UserID == 0 {
		return fmt.Errorf("order missing userId")
	}
	if o.Title == "" {
		return fmt.Errorf("order missing title")
	}
	return nil
}

// Key returns the identifier used for vector index rows and reverse
// mappings: the numeric id when present, otherwise the task number.
func (o *Order) Key() string {
	if o.ID != 0 {
		return strconv.FormatInt(o.ID, 10)
	}
	return o.TaskNumber
}

// Recommendable reports whether the order should appear in
// recommendation results.
func (o *Order) Recommendable() bool {
	return o.State == StateWaitReceive
}
