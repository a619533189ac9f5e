// Package problem defines the gateway's error taxonomy and the structured
// problem document returned to clients.
//
// DESIGN: Each denial or failure kind is a sentinel error. Handlers wrap them
// with %w and the HTTP layer maps whatever bubbles up to a status code via
// errors.Is. Anything unrecognized becomes a generic 500 so internal detail
// never leaks.
package problem

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Sentinel errors for the request pipeline.
var (
	ErrMalformedRequest   = errors.New("malformed request")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrBudgetExceeded     = errors.New("budget exceeded")
	ErrModelNotFound      = errors.New("model not found")
	ErrModelDisabled      = errors.New("model disabled")
	ErrRequestTooLarge    = errors.New("request exceeds model token ceiling")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrBackendError       = errors.New("backend error")
	// ErrUpstreamUnavailable means a cache-miss fallback (identity directory
	// or state store) failed. Policy is fail-closed: the request is denied.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrClientDisconnected is internal only, never written to a response.
	ErrClientDisconnected = errors.New("client disconnected")
)

// Problem is the machine-readable error document.
type Problem struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type mapping struct {
	typ    string
	title  string
	status int
}

var mappings = []struct {
	err error
	mapping
}{
	{ErrMalformedRequest, mapping{"malformed_request", "Request body could not be parsed", http.StatusBadRequest}},
	{ErrRateLimited, mapping{"rate_limited", "Too many requests from this address", http.StatusTooManyRequests}},
	{ErrUnauthenticated, mapping{"unauthenticated", "Invalid or revoked credential", http.StatusUnauthorized}},
	{ErrBudgetExceeded, mapping{"budget_exceeded", "Monthly token budget exhausted", http.StatusTooManyRequests}},
	{ErrModelNotFound, mapping{"model_not_found", "Unknown model", http.StatusNotFound}},
	{ErrModelDisabled, mapping{"model_disabled", "Model is disabled", http.StatusForbidden}},
	{ErrRequestTooLarge, mapping{"request_too_large", "Request exceeds model token ceiling", http.StatusRequestEntityTooLarge}},
	{ErrBackendUnavailable, mapping{"backend_unavailable", "Inference backend unreachable", http.StatusServiceUnavailable}},
	{ErrBackendError, mapping{"backend_error", "Inference backend returned an error", http.StatusBadGateway}},
	{ErrUpstreamUnavailable, mapping{"upstream_unavailable", "A required upstream dependency is unreachable", http.StatusServiceUnavailable}},
}

// From builds a Problem for err. Unrecognized errors map to a generic 500.
func From(err error, requestID string) Problem {
	for _, m := range mappings {
		if errors.Is(err, m.err) {
			return Problem{
				Type:      m.typ,
				Title:     m.title,
				Status:    m.status,
				Detail:    err.Error(),
				RequestID: requestID,
			}
		}
	}
	return Problem{
		Type:      "internal_error",
		Title:     "Internal gateway error",
		Status:    http.StatusInternalServerError,
		RequestID: requestID,
	}
}

// Kind returns the taxonomy name for err, or "internal_error". Used for
// metrics and usage-record status labels.
func Kind(err error) string {
	for _, m := range mappings {
		if errors.Is(err, m.err) {
			return m.typ
		}
	}
	return "internal_error"
}

// Write renders the problem document to w.
func Write(w http.ResponseWriter, err error, requestID string) {
	p := From(err, requestID)
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}
