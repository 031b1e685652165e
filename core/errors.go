package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Task and mapping errors
	ErrTaskNotFound    = errors.New("task not found")
	ErrMappingNotFound = errors.New("mapping not found")

	// Remote planner errors
	ErrNotModified        = errors.New("remote entity not modified")
	ErrRateLimited        = errors.New("rate limited by remote service")
	ErrPreconditionFailed = errors.New("etag precondition failed")
	ErrRemoteGone         = errors.New("remote entity gone")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrValidation         = errors.New("request failed validation")

	// Token errors
	ErrTokenUnavailable = errors.New("token unavailable")
	ErrMFARequired      = errors.New("multi-factor authentication required")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// State errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotInitialized = errors.New("not initialized")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

	// Infrastructure errors
	ErrRedisUnavailable = errors.New("redis unavailable")
	ErrConnectionFailed = errors.New("connection failed")
	ErrRequestFailed    = errors.New("request failed")
)

// SyncError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type SyncError struct {
	Op      string // Operation that failed (e.g., "uploader.executeCreate")
	Kind    string // Error kind (e.g., "planner", "redis", "token")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *SyncError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewSyncError creates a new SyncError
func NewSyncError(op, kind string, err error) *SyncError {
	return &SyncError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsRetryable checks if an error is retryable.
// Retryable errors are typically transient network or availability issues.
// Rate limiting is handled separately via Retry-After and does not consume
// the retry budget, so it is not listed here.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrRequestFailed) ||
		errors.Is(err, ErrRedisUnavailable) ||
		errors.Is(err, ErrTokenUnavailable) ||
		errors.Is(err, ErrCircuitBreakerOpen)
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrMappingNotFound) ||
		errors.Is(err, ErrRemoteGone)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

// IsPermission checks if an error is an authorization failure that may be
// resolved by switching or refreshing credentials.
func IsPermission(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden)
}

// IsTerminal reports whether retrying with the same inputs can never succeed.
// Terminal errors move the operation to the failed queue instead of retrying.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrMFARequired)
}
