package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// EngineError represents a standardized error response returned by the HTTP and MCP surfaces
type EngineError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// Error implements the error interface
func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes for different failure scenarios
const (
	ErrInvalidInput   = "INVALID_INPUT"
	ErrUnknownItem    = "UNKNOWN_ITEM"
	ErrCatalogInvalid = "CATALOG_INVALID"
	ErrDatabaseError  = "DATABASE_ERROR"
	ErrRateLimit      = "RATE_LIMIT_EXCEEDED"
	ErrInternalServer = "INTERNAL_ERROR"
	ErrNotFoundCode   = "NOT_FOUND"
)

// NewEngineError creates a new EngineError with timestamp
func NewEngineError(code, message, details, requestID string) *EngineError {
	return &EngineError{
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
	}
}

// ValidationError represents input validation errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// UnknownItemError is returned when an item id (after alias resolution) is not in the catalog.
type UnknownItemError struct {
	ItemID    string   `json:"item_id"`
	Available []string `json:"available,omitempty"`
}

func (e *UnknownItemError) Error() string {
	return fmt.Sprintf("unknown item: %s", e.ItemID)
}

// CatalogError aggregates every problem found while validating a rule catalog.
// A catalog that produces one is never installed.
type CatalogError struct {
	Source   string   `json:"source"`
	Problems []string `json:"problems"`
}

func (e *CatalogError) Error() string {
	if len(e.Problems) == 1 {
		return fmt.Sprintf("invalid rule catalog %s: %s", e.Source, e.Problems[0])
	}
	return fmt.Sprintf("invalid rule catalog %s: %d problems: %s",
		e.Source, len(e.Problems), strings.Join(e.Problems, "; "))
}

// InternalError wraps an unexpected failure inside the engine with enough context to debug it.
type InternalError struct {
	Op     string
	ItemID string
	Err    error
}

func (e *InternalError) Error() string {
	if e.ItemID != "" {
		return fmt.Sprintf("internal error in %s (item %s): %v", e.Op, e.ItemID, e.Err)
	}
	return fmt.Sprintf("internal error in %s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

// ErrorCodeFor classifies any error produced by the engine into a surface error code.
func ErrorCodeFor(err error) string {
	var (
		validationErr *ValidationError
		unknownErr    *UnknownItemError
		catalogErr    *CatalogError
		engineErr     *EngineError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &engineErr):
		return engineErr.Code
	case errors.As(err, &validationErr):
		return ErrInvalidInput
	case errors.As(err, &unknownErr):
		return ErrUnknownItem
	case errors.As(err, &catalogErr):
		return ErrCatalogInvalid
	case errors.Is(err, ErrNotFound):
		return ErrNotFoundCode
	default:
		return ErrInternalServer
	}
}

// IsInputError reports whether err was caused by the caller rather than the engine.
func IsInputError(err error) bool {
	switch ErrorCodeFor(err) {
	case ErrInvalidInput, ErrUnknownItem:
		return true
	default:
		return false
	}
}
