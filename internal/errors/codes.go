package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents internal error codes for sync operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeValidation     ErrorCode = 1000
	ErrCodeTenantNotFound ErrorCode = 1001
	ErrCodeEntityNotFound ErrorCode = 1002
	ErrCodeUnauthorized   ErrorCode = 1003
	ErrCodeStaleBase      ErrorCode = 1004

	// Server errors (5xx equivalent)
	ErrCodeInternal       ErrorCode = 2000
	ErrCodeStorage        ErrorCode = 2001
	ErrCodeConnectionLost ErrorCode = 2002
)

// SyncError represents a structured error with code and context
type SyncError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// ReasonCode maps the error code to the machine-readable nack reason
// sent to clients.
func (e *SyncError) ReasonCode() string {
	switch e.Code {
	case ErrCodeValidation:
		return "validation_error"
	case ErrCodeTenantNotFound:
		return "tenant_not_found"
	case ErrCodeEntityNotFound:
		return "entity_not_found"
	case ErrCodeUnauthorized:
		return "unauthorized"
	case ErrCodeStaleBase:
		return "stale_base_conflict"
	case ErrCodeStorage:
		return "storage_failure"
	case ErrCodeConnectionLost:
		return "connection_lost"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps the error code to an HTTP status for the admin surface
func (e *SyncError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeOK:
		return http.StatusOK
	case ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeTenantNotFound, ErrCodeEntityNotFound:
		return http.StatusNotFound
	case ErrCodeUnauthorized:
		return http.StatusForbidden
	case ErrCodeStaleBase:
		return http.StatusConflict
	case ErrCodeStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewSyncError creates a new SyncError
func NewSyncError(code ErrorCode, message string, cause error) *SyncError {
	return &SyncError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *SyncError) WithDetail(key string, value interface{}) *SyncError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func Validation(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeValidation, message, cause)
}

func TenantNotFound(tenantID string) *SyncError {
	return NewSyncError(ErrCodeTenantNotFound, fmt.Sprintf("tenant not found: %s", tenantID), nil).
		WithDetail("tenant_id", tenantID)
}

func EntityNotFound(entityType, entityID string) *SyncError {
	return NewSyncError(ErrCodeEntityNotFound, fmt.Sprintf("entity not found: %s/%s", entityType, entityID), nil).
		WithDetail("entity_type", entityType).
		WithDetail("entity_id", entityID)
}

func Unauthorized(tenantID, userID string) *SyncError {
	return NewSyncError(ErrCodeUnauthorized, fmt.Sprintf("user %s is not the owner of tenant %s", userID, tenantID), nil).
		WithDetail("tenant_id", tenantID).
		WithDetail("user_id", userID)
}

func StaleBase(entityType, entityID, declaredChecksum, currentChecksum string) *SyncError {
	return NewSyncError(ErrCodeStaleBase,
		fmt.Sprintf("stale base for %s/%s: declared checksum %s, current %s", entityType, entityID, declaredChecksum, currentChecksum), nil).
		WithDetail("entity_type", entityType).
		WithDetail("entity_id", entityID).
		WithDetail("declared_checksum", declaredChecksum).
		WithDetail("current_checksum", currentChecksum)
}

func Storage(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeStorage, message, cause)
}

func ConnectionLost(connectionID string, cause error) *SyncError {
	return NewSyncError(ErrCodeConnectionLost, fmt.Sprintf("connection lost: %s", connectionID), cause).
		WithDetail("connection_id", connectionID)
}

func Internal(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeInternal, message, cause)
}

// CodeForReason maps a machine-readable nack reason back to its error
// code. Unknown reasons (manual admin overrides) map to validation.
func CodeForReason(reason string) ErrorCode {
	switch reason {
	case "validation_error":
		return ErrCodeValidation
	case "tenant_not_found":
		return ErrCodeTenantNotFound
	case "entity_not_found":
		return ErrCodeEntityNotFound
	case "unauthorized":
		return ErrCodeUnauthorized
	case "stale_base_conflict":
		return ErrCodeStaleBase
	case "storage_failure":
		return ErrCodeStorage
	case "connection_lost":
		return ErrCodeConnectionLost
	default:
		return ErrCodeValidation
	}
}

// IsSyncError checks if an error is a SyncError
func IsSyncError(err error) bool {
	var se *SyncError
	return errors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// AsSyncError returns the SyncError inside err, wrapping unknown errors
// as internal.
func AsSyncError(err error) *SyncError {
	var se *SyncError
	if errors.As(err, &se) {
		return se
	}
	return Internal("internal error", err)
}
