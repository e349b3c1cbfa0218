// OrderSense - Marketplace Order Recommendation and Cache Synchronization
// Copyright 2026 OrderSense Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ordersense/ordersense

package syncengine

import (
	"regexp"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/ordersense/ordersense/internal/models"
)

var digitRun = regexp.MustCompile(`\d+`)

// ExtractOrderKey resolves the order identifier an event refers to,
// trying three strategies in order:
//
//  1. the embedded order payload's own id or task number
//  2. an id field inside the extraData JSON blob
//  3. the longest digit run in the task number, accepted only when longer
//     than 3 digits so short incidental numbers are not mistaken for ids
//
// Returns "" when no strategy yields an identifier.
func ExtractOrderKey(ev *models.Event) string {
	if ev.Order != nil {
		if key := ev.Order.Key(); key != "" {
			return key
		}
	}

	if key := extractFromExtraData(ev.ExtraData); key != "" {
		return key
	}

	return extractFromTaskNumber(ev.TaskNumber)
}

func extractFromExtraData(extra string) string {
	if extra == "" || extra == models.ExtraDataNull {
		return ""
	}
	var blob map[string]any
	if err := json.Unmarshal([]byte(extra), &blob); err != nil {
		return ""
	}
	for _, field := range []string{"id", "order_id", "orderId"} {
		switch v := blob[field].(type) {
		case float64:
			if v != 0 {
				return strconv.FormatInt(int64(v), 10)
			}
		case string:
			if v != "" {
				return v
			}
		}
	}
	return ""
}

func extractFromTaskNumber(taskNumber string) string {
	best := ""
	for _, run := range digitRun.FindAllString(taskNumber, -1) {
		if len(run) > len(best) {
			best = run
		}
	}
	if len(best) > 3 {
		return best
	}
	return ""
}
