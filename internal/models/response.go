// Package models - API response types and decision codes.
// This file defines the outgoing structures returned to the edge worker.
//
// Response Design Principles:
// - Every admission decision carries a stable machine-readable code
// - Retry-after is always whole seconds and never below 1 on a denial
// - Degraded marks decisions taken under the fail-open policy
// - Raw client identifiers never appear in responses
package models

import (
	"time"
)

// CheckResponse is the outcome of one admission check.
//
// Client Usage:
// - Check Allowed first
// - On denial honour RetryAfter and surface Code to the user agent
// - Filesize is present only when the cache held a fresh value; otherwise
//   ResourceHash names the cache entry to fill
// - Difficulty tells the caller which challenge to render next when a
//   challenge is required
type CheckResponse struct {
	Allowed    bool   `json:"allowed"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
	RetryAfter int64  `json:"retry_after,omitempty"` // seconds
	Count      int    `json:"count,omitempty"`
	Degraded   bool   `json:"degraded,omitempty"`
	Filesize   *int64 `json:"filesize,omitempty"`
	// ResourceHash is set on a cache miss: the caller resolves the size
	// upstream and stores it under this key.
	ResourceHash string         `json:"resource_hash,omitempty"`
	Difficulty   map[string]int `json:"difficulty,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// ChallengeResponse describes a freshly issued challenge for one family.
type ChallengeResponse struct {
	Family     string    `json:"family"`
	Binding    string    `json:"binding"`
	Level      int       `json:"level"`
	Difficulty int       `json:"difficulty"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// InteractiveRenderResponse carries the per-render nonce. The same value is
// also set as a cookie; the form posts it back for verification.
type InteractiveRenderResponse struct {
	Nonce     string    `json:"nonce"`
	ExpiresAt time.Time `json:"expires_at"`
}

type CachePutResponse struct {
	ResourceHash string `json:"resource_hash"`
	Accepted     bool   `json:"accepted"`
}

// ErrorResponse provides structured error information.
//
// Error Categories:
// - Validation errors: malformed request body or parameters
// - Admission errors: rate limited, blocked, challenge failures
// - Service errors: backend unavailable under the fail-closed policy
type ErrorResponse struct {
	Error      string            `json:"error"`                 // Error type (always "error")
	Message    string            `json:"message"`               // Human-readable error description
	Code       string            `json:"code,omitempty"`        // Machine-readable error code
	RetryAfter int64             `json:"retry_after,omitempty"` // seconds
	Details    map[string]string `json:"details,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	RequestID  string            `json:"request_id,omitempty"`
}

type HealthCheckResponse struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

type ComponentHealth struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Health Status Constants
const (
	StatusHealthy   = "healthy"   // All systems operational
	StatusUnhealthy = "unhealthy" // Backend unreachable
	StatusDegraded  = "degraded"  // Serving under fail-open
)

// Admission and error codes
//
// Error Code Strategy:
// - Upper-case with underscores for consistency
// - Token codes are distinct per failure so the worker can tell a replay
//   from an expired or stolen proof
const (
	CodeAllowed               = "ALLOWED"
	CodeRateLimited           = "RATE_LIMITED"            // 429
	CodeAbuseBlocked          = "ABUSE_BLOCKED"           // 429: difficulty escalation block
	CodeChallengeRequired     = "CHALLENGE_REQUIRED"      // 403
	CodeTokenSubjectMismatch  = "TOKEN_SUBJECT_MISMATCH"  // 403
	CodeTokenExpired          = "TOKEN_EXPIRED"           // 403
	CodeTokenReplayed         = "TOKEN_REPLAYED"          // 403
	CodeTokenResourceMismatch = "TOKEN_RESOURCE_MISMATCH" // 403
	CodeTokenMalformed        = "TOKEN_MALFORMED"         // 400
	CodeServiceUnavailable    = "SERVICE_UNAVAILABLE"     // 503
	CodeInvalidRequest        = "INVALID_REQUEST"         // 400
	CodeNotFound              = "NOT_FOUND"               // 404
	CodeUnauthorized          = "UNAUTHORIZED"            // 401
	CodeInternalError         = "INTERNAL_ERROR"          // 500
)

func NewErrorResponse(message string, code string) *ErrorResponse {
	return &ErrorResponse{
		Error:     "error",
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

func NewHealthCheckResponse(status string) *HealthCheckResponse {
	return &HealthCheckResponse{
		Status:     status,
		Timestamp:  time.Now(),
		Components: make(map[string]ComponentHealth),
	}
}

func (h *HealthCheckResponse) AddComponent(name, status, message string) {
	h.Components[name] = ComponentHealth{
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
	}
}
