package admission

import (
	"fmt"
	"net/http"

	"dlgate/internal/models"
)

// ServiceError is a failure the HTTP layer renders as an error response
// rather than an admission decision.
type ServiceError struct {
	Code       string
	Message    string
	StatusCode int
	RetryAfter int64 // seconds, zero when not applicable
	Err        error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func NewInvalidRequestError(message string, err error) *ServiceError {
	return &ServiceError{
		Code:       models.CodeInvalidRequest,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Err:        err,
	}
}

func NewNotFoundError(message string) *ServiceError {
	return &ServiceError{
		Code:       models.CodeNotFound,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

// NewUnavailableError surfaces a backend failure under the fail-closed
// policy.
func NewUnavailableError(err error) *ServiceError {
	return &ServiceError{
		Code:       models.CodeServiceUnavailable,
		Message:    "admission backend unavailable",
		StatusCode: http.StatusServiceUnavailable,
		RetryAfter: 1,
		Err:        err,
	}
}

func NewBlockedError(retryAfter int64) *ServiceError {
	return &ServiceError{
		Code:       models.CodeAbuseBlocked,
		Message:    "challenge issuance blocked",
		StatusCode: http.StatusTooManyRequests,
		RetryAfter: retryAfter,
	}
}

func NewInternalError(message string, err error) *ServiceError {
	return &ServiceError{
		Code:       models.CodeInternalError,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// StatusFor maps a decision code to the HTTP status a denial is served with.
func StatusFor(code string) int {
	switch code {
	case models.CodeAllowed:
		return http.StatusOK
	case models.CodeRateLimited, models.CodeAbuseBlocked:
		return http.StatusTooManyRequests
	case models.CodeTokenMalformed, models.CodeInvalidRequest:
		return http.StatusBadRequest
	case models.CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusForbidden
	}
}
