package models

import (
	"errors"
	"fmt"
)

// ErrUnauthorized is returned for 401 responses so the surrounding
// application can treat it as a global logout trigger.
var ErrUnauthorized = errors.New("unauthorized")

// AppError represents a custom application error
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Predefined error constructors

// NewTransportError wraps a connection-level failure. Transport errors are
// degraded to best-effort, never fatal.
func NewTransportError(message string, err error) *AppError {
	return &AppError{
		Code:    "TRANSPORT_ERROR",
		Message: message,
		Err:     err,
	}
}

// NewMediaError wraps a media device acquisition failure (permission denied,
// device absent or busy). Reported per attempt, never retried automatically.
func NewMediaError(message string, err error) *AppError {
	return &AppError{
		Code:    "MEDIA_ERROR",
		Message: message,
		Err:     err,
	}
}

// NewRESTError wraps a REST collaborator failure during a load operation.
func NewRESTError(message string, err error) *AppError {
	return &AppError{
		Code:    "REST_ERROR",
		Message: message,
		Err:     err,
	}
}

// NewSyncConflictError marks a synchronization conflict that could not be
// resolved by ID-keyed merge.
func NewSyncConflictError(message string) *AppError {
	return &AppError{
		Code:    "SYNC_CONFLICT",
		Message: message,
	}
}

// NewCallError wraps a call signaling failure.
func NewCallError(message string, err error) *AppError {
	return &AppError{
		Code:    "CALL_FAILED",
		Message: message,
		Err:     err,
	}
}

// NewValidationError reports invalid caller input.
func NewValidationError(message string) *AppError {
	return &AppError{
		Code:    "VALIDATION_ERROR",
		Message: message,
	}
}
