// OrderSense - Marketplace Order Recommendation and Cache Synchronization
// Copyright 2026 OrderSense Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ordersense/ordersense

package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Field defaults applied when a source record omits a field entirely.
const (
	DefaultState        = "N/A"
	DefaultIndustryName = "N/A"
	DefaultSiteID       = "default"
	DefaultTime         = "2024-01-01"
)

// fieldAliases maps each canonical field to the historical spellings seen
// in backend payloads and legacy API clients. First match wins, canonical
// name first.
var fieldAliases = map[string][]string{
	"id":           {"id", "order_id", "orderId", "ID"},
	"taskNumber":   {"taskNumber", "task_number", "backend_order_code", "orderCode"},
	"userId":       {"userId", "user_id", "uid"},
	"title":        {"title", "wish_title", "wishTitle", "name"},
	"content":      {"content", "wish_details", "wishDetails", "description", "details"},
	"industryName": {"industryName", "industry_name", "classification", "category"},
	"fullAmount":   {"fullAmount", "full_amount", "amount", "price"},
	"state":        {"state", "status"},
	"createTime":   {"createTime", "create_time", "created_at"},
	"updateTime":   {"updateTime", "update_time", "updated_at"},
	"siteId":       {"siteId", "site_id"},
	"promotion":    {"promotion", "is_promotion"},
	"priority":     {"priority"},
}

// Normalize translates a raw JSON-decoded record into a canonical Order,
// resolving aliases and applying defaults. It validates the result: only
// userId and title are required.
func Normalize(raw map[string]any) (*Order, error) {
	if raw == nil {
		return nil, fmt.Errorf("nil order record")
	}

	o := &Order{
		ID:           asInt64(lookup(raw, "id")),
		TaskNumber:   asString(lookup(raw, "taskNumber")),
		UserID:       asInt64(lookup(raw, "userId")),
		IndustryName: stringOr(lookup(raw, "industryName"), DefaultIndustryName),
		Title:        asString(lookup(raw, "title")),
		Content:      asString(lookup(raw, "content")),
		FullAmount:   asFloat64(lookup(raw, "fullAmount")),
		State:        stringOr(lookup(raw, "state"), DefaultState),
		CreateTime:   stringOr(lookup(raw, "createTime"), DefaultTime),
		UpdateTime:   stringOr(lookup(raw, "updateTime"), DefaultTime),
		SiteID:       stringOr(lookup(raw, "siteId"), DefaultSiteID),
		Promotion:    asBool(lookup(raw, "promotion")),
		Priority:     int(asInt64(lookup(raw, "priority"))),
	}

	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

func lookup(raw map[string]any, canonical string) any {
	for _, alias := range fieldAliases[canonical] {
		if v, ok := raw[alias]; ok && v != nil {
			return v
		}
	}
	return nil
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(s, 10)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}

func stringOr(v any, def string) string {
	if s := asString(v); s != "" {
		return s
	}
	return def
}

// asInt64 coerces JSON numbers and numeric strings. Unparseable values
// default to zero, matching the backend's own lenient handling.
func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
			return i
		}
	}
	return 0
}

func asFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return f
		}
	}
	return 0
}

func asBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "true" || b == "1"
	case float64:
		return b != 0
	}
	return false
}
