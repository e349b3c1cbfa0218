// OrderSense - Marketplace Order Recommendation and Cache Synchronization
// Copyright 2026 OrderSense Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ordersense/ordersense

package backend

import (
	"context"
	"fmt"
	"sort"

	"github.com/ordersense/ordersense/internal/logging"
	"github.com/ordersense/ordersense/internal/models"
)

// End-of-stream reasons reported by Poll.
const (
	EndGapLimit     = "gap_limit"
	EndAttemptLimit = "attempt_limit"
	EndCanceled     = "canceled"
)

// EndOfStream describes why a poll cycle stopped. The event feed has no
// explicit end marker; the poller infers the end from a run of missing
// ids, and reports which bound it hit so callers can tell "caught up"
// from "gave up".
type EndOfStream struct {
	Reason          string
	LastAttemptedID int64
	Attempts        int
}

// PollResult is the outcome of one poll cycle: the new events found, in
// operation time order, and the typed end-of-stream marker.
type PollResult struct {
	Events []models.Event
	End    EndOfStream
}

// Poller walks the event feed id-by-id with gap tolerance.
type Poller struct {
	client               *Client
	maxAttempts          int
	maxConsecutiveMisses int
}

// NewPoller creates a poller over the client using its configured bounds.
func NewPoller(client *Client) *Poller {
	p := &Poller{
		client:               client,
		maxAttempts:          client.cfg.MaxAttempts,
		maxConsecutiveMisses: client.cfg.MaxConsecutiveMisses,
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = 1000
	}
	if p.maxConsecutiveMisses <= 0 {
		p.maxConsecutiveMisses = 50
	}
	return p
}

// Poll walks event ids starting after cursor until an end-of-stream bound
// trips. Events with a null extraData payload are skipped but still count
// as present for gap tracking. Duplicate ids are dropped. Results are
// sorted by operation time so state transitions apply in order.
func (p *Poller) Poll(ctx context.Context, afterEventID int64) (*PollResult, error) {
	result := &PollResult{}
	seen := make(map[int64]struct{})

	id := afterEventID
	misses := 0

	for attempts := 0; attempts < p.maxAttempts; attempts++ {
		if err := ctx.Err(); err != nil {
			result.End = EndOfStream{Reason: EndCanceled, LastAttemptedID: id, Attempts: attempts}
			return result, nil
		}

		id++
		ev, found, err := p.client.FetchEvent(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("poll event %d: %w", id, err)
		}

		if !found {
			misses++
			if misses >= p.maxConsecutiveMisses {
				result.End = EndOfStream{Reason: EndGapLimit, LastAttemptedID: id, Attempts: attempts + 1}
				p.sortEvents(result.Events)
				return result, nil
			}
			continue
		}
		misses = 0

		if ev.ExtraData == models.ExtraDataNull {
			logging.Debug().Int64("event_id", ev.ID).Msg("skipping event with null payload")
			continue
		}
		if _, dup := seen[ev.ID]; dup {
			continue
		}
		seen[ev.ID] = struct{}{}
		result.Events = append(result.Events, *ev)
	}

	result.End = EndOfStream{Reason: EndAttemptLimit, LastAttemptedID: id, Attempts: p.maxAttempts}
	p.sortEvents(result.Events)
	return result, nil
}

func (p *Poller) sortEvents(events []models.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].OperationTime != events[j].OperationTime {
			return events[i].OperationTime < events[j].OperationTime
		}
		return events[i].ID < events[j].ID
	})
}
