package domain

import (
	"errors"
	"fmt"
)

// ErrCancelled marks a run that was stopped by a cancellation request. It is
// reported as a distinct terminal state, not as a failure.
var ErrCancelled = errors.New("processing cancelled")

// Error types for domain-specific errors
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeRender     ErrorType = "render"
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeIO         ErrorType = "io"
)

// DomainError represents a domain-specific error with context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewError creates a new domain error
func NewError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
	}
}

// Common error constructors
func ValidationError(message string, err error) *DomainError {
	return NewError(ErrorTypeValidation, message, err)
}

func RenderError(message string, err error) *DomainError {
	return NewError(ErrorTypeRender, message, err)
}

func ConfigError(message string, err error) *DomainError {
	return NewError(ErrorTypeConfig, message, err)
}

func IOError(message string, err error) *DomainError {
	return NewError(ErrorTypeIO, message, err)
}

// APIError is returned when the model API answers with a non-success status.
// The status code and response body are kept so per-batch failures show up
// in the log with something actionable.
type APIError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("API error: %d - %s", e.StatusCode, e.Body)
	}
	if e.Err != nil {
		return fmt.Sprintf("API error: %v", e.Err)
	}
	return "API error"
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// NewAPIError creates an APIError from a response status and body.
func NewAPIError(statusCode int, body string) *APIError {
	return &APIError{StatusCode: statusCode, Body: body}
}

// WrapAPIError creates an APIError from a transport-level failure.
func WrapAPIError(err error) *APIError {
	return &APIError{Err: err}
}
