// OrderSense - Marketplace Order Recommendation and Cache Synchronization
// Copyright 2026 OrderSense Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ordersense/ordersense

// Package api provides the HTTP surface using the chi router.
package api

import (
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"github.com/ordersense/ordersense/internal/logging"
)

// APIResponse is the uniform response wrapper for every endpoint.
type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
	Meta    *APIMeta  `json:"meta,omitempty"`
}

// APIError carries machine- and human-readable error details.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// APIMeta is per-response metadata.
type APIMeta struct {
	RequestID  string    `json:"request_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms,omitempty"`
}

// Error codes.
const (
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeExternalService    = "EXTERNAL_SERVICE_FAILED"
)

// ResponseWriter writes standardized responses.
type ResponseWriter struct {
	w         http.ResponseWriter
	r         *http.Request
	startTime time.Time
}

// NewResponseWriter wraps the raw writer for one request.
func NewResponseWriter(w http.ResponseWriter, r *http.Request) *ResponseWriter {
	return &ResponseWriter{w: w, r: r, startTime: time.Now()}
}

// Success writes a 200 with the payload.
func (rw *ResponseWriter) Success(data any) {
	rw.write(http.StatusOK, APIResponse{Success: true, Data: data, Meta: rw.meta()})
}

// Accepted writes a 202 for work that continues in the background.
func (rw *ResponseWriter) Accepted(data any) {
	rw.write(http.StatusAccepted, APIResponse{Success: true, Data: data, Meta: rw.meta()})
}

// Created writes a 201 with the payload.
func (rw *ResponseWriter) Created(data any) {
	rw.write(http.StatusCreated, APIResponse{Success: true, Data: data, Meta: rw.meta()})
}

// Error writes an error response with the given status.
func (rw *ResponseWriter) Error(statusCode int, code, message string) {
	rw.write(statusCode, APIResponse{
		Success: false,
		Error:   &APIError{Code: code, Message: message, RequestID: rw.requestID()},
		Meta:    rw.meta(),
	})
}

// BadRequest writes a 400.
func (rw *ResponseWriter) BadRequest(message string) {
	rw.Error(http.StatusBadRequest, ErrCodeBadRequest, message)
}

// ValidationError writes a 400 with the validation code.
func (rw *ResponseWriter) ValidationError(message string) {
	rw.Error(http.StatusBadRequest, ErrCodeValidationFailed, message)
}

// NotFound writes a 404.
func (rw *ResponseWriter) NotFound(message string) {
	rw.Error(http.StatusNotFound, ErrCodeNotFound, message)
}

// InternalError writes a 500.
func (rw *ResponseWriter) InternalError(message string) {
	rw.Error(http.StatusInternalServerError, ErrCodeInternalError, message)
}

// ServiceUnavailable writes a 503.
func (rw *ResponseWriter) ServiceUnavailable(message string) {
	rw.Error(http.StatusServiceUnavailable, ErrCodeServiceUnavailable, message)
}

func (rw *ResponseWriter) meta() *APIMeta {
	return &APIMeta{
		RequestID:  rw.requestID(),
		Timestamp:  time.Now(),
		DurationMs: time.Since(rw.startTime).Milliseconds(),
	}
}

func (rw *ResponseWriter) requestID() string {
	return chimiddleware.GetReqID(rw.r.Context())
}

func (rw *ResponseWriter) write(statusCode int, resp APIResponse) {
	rw.w.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.w.WriteHeader(statusCode)
	if err := json.NewEncoder(rw.w).Encode(resp); err != nil {
		logging.Error().Err(err).Msg("encode response")
	}
}
