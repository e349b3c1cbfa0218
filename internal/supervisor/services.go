// OrderSense - Marketplace Order Recommendation and Cache Synchronization
// Copyright 2026 OrderSense Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ordersense/ordersense

package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/ordersense/ordersense/internal/api"
	"github.com/ordersense/ordersense/internal/logging"
	"github.com/ordersense/ordersense/internal/orchestrator"
	"github.com/ordersense/ordersense/internal/syncengine"
)

// HTTPService adapts the HTTP server to suture.Service.
type HTTPService struct {
	server *api.Server
}

// NewHTTPService wraps the server for supervision.
func NewHTTPService(server *api.Server) *HTTPService {
	return &HTTPService{server: server}
}

// Serve runs the server until the context is canceled, then drains it.
func (s *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("HTTP shutdown incomplete")
		}
		<-errCh
		return ctx.Err()
	}
}

// OrchestratorService adapts the task router to suture.Service.
type OrchestratorService struct {
	orch *orchestrator.Orchestrator
}

// NewOrchestratorService wraps the orchestrator for supervision.
func NewOrchestratorService(orch *orchestrator.Orchestrator) *OrchestratorService {
	return &OrchestratorService{orch: orch}
}

// Serve runs the task router until the context is canceled.
func (s *OrchestratorService) Serve(ctx context.Context) error {
	if err := s.orch.Run(ctx); err != nil {
		return err
	}
	return ctx.Err()
}

// SyncServiceConfig tunes the periodic sync loop.
type SyncServiceConfig struct {
	Interval    time.Duration
	FullOnStart bool
}

// SyncService runs the incremental event sync on a fixed interval, with
// an optional full resync when the service first starts.
type SyncService struct {
	engine *syncengine.Engine
	cfg    SyncServiceConfig
}

// NewSyncService wraps the sync engine for supervision.
func NewSyncService(engine *syncengine.Engine, cfg SyncServiceConfig) *SyncService {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &SyncService{engine: engine, cfg: cfg}
}

// Serve runs sync cycles until the context is canceled. Cycle errors are
// logged, not returned: a flapping backend should not churn the
// supervisor into backoff.
func (s *SyncService) Serve(ctx context.Context) error {
	if s.cfg.FullOnStart {
		if err := s.engine.SyncAll(ctx); err != nil {
			logging.Error().Err(err).Msg("startup full resync failed, continuing with event sync")
		}
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			report, err := s.engine.SyncEvents(ctx)
			if err != nil {
				logging.Error().Err(err).Msg("event sync cycle failed")
				continue
			}
			if report.Processed > 0 {
				logging.Info().Int("processed", report.Processed).
					Int("inserted", report.Inserted).Int("removed", report.Removed).
					Msg("sync cycle applied events")
			}
		}
	}
}

var (
	_ suture.Service = (*HTTPService)(nil)
	_ suture.Service = (*OrchestratorService)(nil)
	_ suture.Service = (*SyncService)(nil)
)
