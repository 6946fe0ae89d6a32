// Package proxy defines domain types and interfaces for the LiteLLM gate.
// This package has no project imports -- it is the dependency root.
package proxy

import (
	"fmt"
	"math"

	"go.opentelemetry.io/otel/trace"
)

// Unbounded is the effective value of a limit that was never configured.
// A nil limit pointer resolves to this; a limit of exactly 0 means deny-all.
const Unbounded int64 = math.MaxInt64

// PrincipalAuth is the per-request principal descriptor produced by the
// authentication layer. It carries the identifiers the gate buckets on and
// the effective limits for each scope. Nil limits are unbounded.
type PrincipalAuth struct {
	APIKey    string
	UserID    string
	TeamID    string
	EndUserID string

	MaxParallelRequests *int64
	TPMLimit            *int64
	RPMLimit            *int64

	UserTPMLimit    *int64
	UserRPMLimit    *int64
	TeamTPMLimit    *int64
	TeamRPMLimit    *int64
	EndUserTPMLimit *int64
	EndUserRPMLimit *int64

	// Per-model limits keyed by model name. An absent entry disables that
	// sub-check only; a present map activates the (api_key, model) scope.
	ModelTPMLimit map[string]int64
	ModelRPMLimit map[string]int64

	// ModelMaxBudget activates per-model usage reconciliation even when no
	// per-model rate limits are set.
	ModelMaxBudget map[string]float64

	// Span is the parent tracing span for this request, if any.
	Span trace.Span
}

// UserLimits are per-user overrides fetched from the user directory.
type UserLimits struct {
	UserID              string
	TPMLimit            *int64
	RPMLimit            *int64
	MaxParallelRequests *int64
}

// RequestContext is the mutable per-request state the gate annotates.
// Metadata is augmented with remaining-limit fields on admission and may
// carry a "global_max_parallel_requests" override set by the caller.
type RequestContext struct {
	Model     string
	CallType  string
	RequestID string
	Metadata  map[string]any
}

// GlobalMaxParallelRequests returns the per-request global in-flight cap
// from metadata, or nil when no override is present.
func (rc *RequestContext) GlobalMaxParallelRequests() *int64 {
	if rc == nil || rc.Metadata == nil {
		return nil
	}
	switch v := rc.Metadata["global_max_parallel_requests"].(type) {
	case int64:
		return &v
	case int:
		n := int64(v)
		return &n
	case float64:
		n := int64(v)
		return &n
	}
	return nil
}

// SetMetadata stores a key in the request metadata, allocating the map on
// first use.
func (rc *RequestContext) SetMetadata(key string, val any) {
	if rc.Metadata == nil {
		rc.Metadata = make(map[string]any)
	}
	rc.Metadata[key] = val
}

// Usage represents token usage statistics reported by the upstream model.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// ModelResponse is the outbound response the gate annotates. HiddenHeaders
// is the bag the containing proxy flushes into HTTP response headers; a nil
// bag means the response cannot carry headers and annotation is a no-op.
type ModelResponse struct {
	ID            string `json:"id"`
	Model         string `json:"model"`
	Usage         *Usage `json:"usage,omitempty"`
	HiddenHeaders map[string]string
}

// TotalTokens returns the reported total token count, or 0 when the
// response carries no usage block.
func (r *ModelResponse) TotalTokens() int64 {
	if r == nil || r.Usage == nil {
		return 0
	}
	return r.Usage.TotalTokens
}

// RateLimitErrorPrefix is the leading phrase of every gate rejection.
// The failure hook matches on it to recognize requests that never held a
// reservation.
const RateLimitErrorPrefix = "Max parallel request limit reached"

// RateLimitError is the single error kind the gate surfaces to callers.
// Status is always 429; Reason names the violated scope and the observed
// vs configured values; RetryAfter is seconds until the next minute window.
type RateLimitError struct {
	Status     int
	Reason     string
	RetryAfter float64

	// Scope names the violated scope for metrics labeling; it is not part
	// of the caller-facing surface.
	Scope string
}

// NewRateLimitError builds a rejection with the standard phrase and the
// given retry-after.
func NewRateLimitError(reason string, retryAfter float64) *RateLimitError {
	return &RateLimitError{Status: 429, Reason: reason, RetryAfter: retryAfter}
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s %s", RateLimitErrorPrefix, e.Reason)
}
