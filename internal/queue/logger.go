// OrderSense - Marketplace Order Recommendation and Cache Synchronization
// Copyright 2026 OrderSense Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ordersense/ordersense

package queue

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"

	"github.com/ordersense/ordersense/internal/logging"
)

// loggerAdapter bridges watermill's logging to zerolog.
type loggerAdapter struct {
	logger zerolog.Logger
}

// NewLoggerAdapter returns a watermill logger writing through the global
// zerolog logger. Watermill's trace level maps to debug.
func NewLoggerAdapter() watermill.LoggerAdapter {
	return &loggerAdapter{logger: logging.With().Str("component", "queue").Logger()}
}

func (l *loggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	l.event(l.logger.Error().Err(err), msg, fields)
}

func (l *loggerAdapter) Info(msg string, fields watermill.LogFields) {
	l.event(l.logger.Info(), msg, fields)
}

func (l *loggerAdapter) Debug(msg string, fields watermill.LogFields) {
	l.event(l.logger.Debug(), msg, fields)
}

func (l *loggerAdapter) Trace(msg string, fields watermill.LogFields) {
	l.event(l.logger.Debug(), msg, fields)
}

func (l *loggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	ctx := l.logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &loggerAdapter{logger: ctx.Logger()}
}

func (l *loggerAdapter) event(ev *zerolog.Event, msg string, fields watermill.LogFields) {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}
