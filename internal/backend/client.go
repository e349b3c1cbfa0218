// OrderSense - Marketplace Order Recommendation and Cache Synchronization
// Copyright 2026 OrderSense Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ordersense/ordersense

// Package backend is the client for the order backend of record.
//
// The backend exposes an order listing paginated by id cursor and an
// append-only event feed addressed by event id. Both go through a circuit
// breaker and a client-side rate limit so a slow backend degrades sync
// instead of cascading.
package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/ordersense/ordersense/internal/logging"
	"github.com/ordersense/ordersense/internal/metrics"
	"github.com/ordersense/ordersense/internal/models"
)

// Config configures the backend client.
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	PageSize          int
	MaxListOrders     int
	RequestsPerSecond float64

	MaxAttempts          int
	MaxConsecutiveMisses int
}

// apiEnvelope is the backend's uniform response wrapper.
type apiEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Client talks to the order backend.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[json.RawMessage]
	limiter *rate.Limiter
}

// New creates a backend client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.MaxListOrders <= 0 {
		cfg.MaxListOrders = 10000
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 20
	}

	settings := gobreaker.Settings{
		Name:        "order-backend",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker[json.RawMessage](settings),
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// get fetches path and returns the envelope's data payload.
func (c *Client) get(ctx context.Context, path string) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	return c.breaker.Execute(func() (json.RawMessage, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("backend request %s: %w", path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("backend returned %d for %s: %s", resp.StatusCode, path, data)
		}

		var env apiEnvelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			return nil, fmt.Errorf("decode backend response: %w", err)
		}
		if env.Code != 200 {
			return nil, fmt.Errorf("backend code %d for %s: %s", env.Code, path, env.Message)
		}
		return env.Data, nil
	})
}

// ListOrders fetches the complete order listing by walking the id cursor
// from zero. The walk stops when a page comes back short, or at the
// MaxListOrders runaway guard.
func (c *Client) ListOrders(ctx context.Context) ([]models.Order, error) {
	var all []models.Order
	lastID := int64(0)

	for {
		path := fmt.Sprintf("/task/list?fromId=%d&limit=%d", lastID, c.cfg.PageSize)
		data, err := c.get(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("list orders from id %d: %w", lastID, err)
		}

		var page []map[string]any
		if err := json.Unmarshal(data, &page); err != nil {
			return nil, fmt.Errorf("decode order page: %w", err)
		}
		if len(page) == 0 {
			break
		}

		for _, raw := range page {
			o, err := c.convertOrder(raw)
			if err != nil {
				logging.Warn().Err(err).Msg("skipping malformed order record")
				continue
			}
			all = append(all, *o)
			if o.ID > lastID {
				lastID = o.ID
			}
		}

		if len(all) >= c.cfg.MaxListOrders {
			logging.Warn().Int("count", len(all)).Msg("order listing hit runaway guard")
			all = all[:c.cfg.MaxListOrders]
			break
		}
		if len(page) < c.cfg.PageSize {
			break
		}
	}
	return all, nil
}

// ListUserOrders fetches the orders submitted by one user, oldest first.
func (c *Client) ListUserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	path := fmt.Sprintf("/task/list?userId=%d&limit=%d", userID, c.cfg.PageSize)
	data, err := c.get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("list orders for user %d: %w", userID, err)
	}

	var page []map[string]any
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("decode user order page: %w", err)
	}

	orders := make([]models.Order, 0, len(page))
	for _, raw := range page {
		o, err := c.convertOrder(raw)
		if err != nil {
			logging.Warn().Err(err).Int64("user_id", userID).Msg("skipping malformed user order")
			continue
		}
		orders = append(orders, *o)
	}
	return orders, nil
}

// GetOrder fetches a single order by id.
func (c *Client) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	data, err := c.get(ctx, "/task/detail?id="+strconv.FormatInt(id, 10))
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode order %d: %w", id, err)
	}
	return c.convertOrder(raw)
}

// convertOrder merges the record's extraData blob over the base fields
// and normalizes to the canonical shape. ExtraData wins on conflicts: it
// carries the backend's latest corrections.
func (c *Client) convertOrder(raw map[string]any) (*models.Order, error) {
	if extra, ok := raw["extraData"].(string); ok && extra != "" && extra != models.ExtraDataNull {
		var patch map[string]any
		if err := json.Unmarshal([]byte(extra), &patch); err == nil {
			for k, v := range patch {
				raw[k] = v
			}
		}
	}
	return models.Normalize(raw)
}

// FetchEvent fetches one event by id. The second return reports whether
// the id exists; the feed has gaps, so a missing id is a normal outcome.
func (c *Client) FetchEvent(ctx context.Context, eventID int64) (*models.Event, bool, error) {
	data, err := c.get(ctx, "/task/record/list?id="+strconv.FormatInt(eventID, 10))
	if err != nil {
		return nil, false, err
	}
	if len(data) == 0 || string(data) == "null" || string(data) == "[]" {
		return nil, false, nil
	}

	var ev models.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		// Some deployments wrap single events in an array.
		var evs []models.Event
		if err2 := json.Unmarshal(data, &evs); err2 != nil || len(evs) == 0 {
			return nil, false, fmt.Errorf("decode event %d: %w", eventID, err)
		}
		ev = evs[0]
	}

	if ev.ID == 0 {
		ev.ID = eventID
	}
	ev.Type = models.EventTypeFor(ev.OperationType)
	return &ev, true, nil
}

// HealthCheck probes the backend's listing endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	data, err := c.get(ctx, "/task/list?fromId=0&limit=1")
	if err != nil {
		return fmt.Errorf("backend health check: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("backend health check: empty data field")
	}
	return nil
}
