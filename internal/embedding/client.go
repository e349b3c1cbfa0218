// OrderSense - Marketplace Order Recommendation and Cache Synchronization
// Copyright 2026 OrderSense Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ordersense/ordersense

package embedding

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"github.com/ordersense/ordersense/internal/logging"
	"github.com/ordersense/ordersense/internal/metrics"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ClientConfig configures the embedding model client.
type ClientConfig struct {
	BaseURL   string
	Timeout   time.Duration
	Dimension int
}

// ModelClient calls the external embedding model service over HTTP,
// behind a circuit breaker. A tripped breaker fails fast instead of
// queueing requests against a struggling model service.
type ModelClient struct {
	cfg     ClientConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]float32]
}

// NewModelClient creates an embedding model client.
func NewModelClient(cfg ClientConfig) *ModelClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        "embedding-model",
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

	return &ModelClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker[[]float32](settings),
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

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed computes a vector for text via the model service.
func (c *ModelClient) Embed(ctx context.Context, text string) ([]float32, error) {
	return c.breaker.Execute(func() ([]float32, error) {
		vec, err := c.embed(ctx, text)
		if err != nil {
			return nil, err
		}
		metrics.EmbeddingComputations.Inc()
		return vec, nil
	})
}

func (c *ModelClient) embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding service request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding service returned %d: %s", resp.StatusCode, data)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if c.cfg.Dimension > 0 && len(out.Embedding) != c.cfg.Dimension {
		return nil, fmt.Errorf("embedding dimension %d, expected %d", len(out.Embedding), c.cfg.Dimension)
	}
	return out.Embedding, nil
}
