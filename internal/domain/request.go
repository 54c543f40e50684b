// Package domain holds the in-memory entities the dispatch pipeline operates
// on: users, providers, sub-providers, and API requests. Each entity owns its
// mutable counters behind its own lock; cross-entity references are by id only.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RequestStatus is the lifecycle state of an ApiRequest.
type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusProcessing RequestStatus = "processing"
	StatusCompleted  RequestStatus = "completed"
	StatusFailed     RequestStatus = "failed"
	StatusTimeout    RequestStatus = "timeout"
)

// RequestMetrics holds the final accounting figures for one request.
type RequestMetrics struct {
	TokensUsed    int
	CreditsUsed   int64
	LatencyMs     int64
	ResponseBytes int
}

// ApiRequest tracks one client request through the dispatch pipeline.
//
// Legal transitions: pending → processing → {completed | failed | timeout}.
// Terminal states are sinks; the only mutators are StartProcessing, Complete,
// Fail, and Timeout. The dispatch loop owns the request until it is terminal,
// then hands it to the accounting finalizer.
type ApiRequest struct {
	ID       string
	UserID   string
	Endpoint string
	Method   string
	Model    string

	// Set once a provider attempt is made; empty if the request never
	// reached an adapter.
	ProviderID    string
	SubProviderID string

	Status     RequestStatus
	StatusCode int
	Error      string
	RetryCount int
	Metrics    RequestMetrics

	CreatedAt   time.Time
	CompletedAt time.Time
}

// NewApiRequest creates a pending request for the given user and endpoint.
func NewApiRequest(userID, endpoint, method, model string) *ApiRequest {
	return &ApiRequest{
		ID:        uuid.New().String(),
		UserID:    userID,
		Endpoint:  endpoint,
		Method:    method,
		Model:     model,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
}

// StartProcessing moves the request from pending to processing. It must be
// called before any adapter invocation.
func (r *ApiRequest) StartProcessing() error {
	if r.Status != StatusPending {
		return fmt.Errorf("request %s: cannot start processing from %q", r.ID, r.Status)
	}
	r.Status = StatusProcessing
	return nil
}

// Complete terminates the request successfully with its final metrics.
func (r *ApiRequest) Complete(tokens int, credits int64, latencyMs int64, respBytes, statusCode int, providerID, subProviderID string) error {
	if r.Status != StatusProcessing {
		return fmt.Errorf("request %s: cannot complete from %q", r.ID, r.Status)
	}
	r.Status = StatusCompleted
	r.StatusCode = statusCode
	r.ProviderID = providerID
	r.SubProviderID = subProviderID
	r.Metrics = RequestMetrics{
		TokensUsed:    tokens,
		CreditsUsed:   credits,
		LatencyMs:     latencyMs,
		ResponseBytes: respBytes,
	}
	r.CompletedAt = time.Now()
	return nil
}

// Fail terminates the request with an error.
func (r *ApiRequest) Fail(statusCode int, msg string, latencyMs int64, retries int) error {
	if r.Status != StatusProcessing && r.Status != StatusPending {
		return fmt.Errorf("request %s: cannot fail from %q", r.ID, r.Status)
	}
	r.Status = StatusFailed
	r.StatusCode = statusCode
	r.Error = msg
	r.RetryCount = retries
	r.Metrics.LatencyMs = latencyMs
	r.CompletedAt = time.Now()
	return nil
}

// Timeout is Fail specialised to a 408 deadline expiry.
func (r *ApiRequest) Timeout(latencyMs int64, retries int) error {
	if err := r.Fail(408, "request deadline exceeded", latencyMs, retries); err != nil {
		return err
	}
	r.Status = StatusTimeout
	return nil
}

// Terminal reports whether the request reached a sink state.
func (r *ApiRequest) Terminal() bool {
	switch r.Status {
	case StatusCompleted, StatusFailed, StatusTimeout:
		return true
	}
	return false
}
