package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrValidation       ErrorType = "VALIDATION_ERROR"
	ErrAuthorization    ErrorType = "AUTHORIZATION_DENIED"
	ErrApprovalRequired ErrorType = "APPROVAL_REQUIRED"
	ErrRateLimited      ErrorType = "RATE_LIMIT_EXCEEDED"
	ErrSystem           ErrorType = "SYSTEM_ERROR"
	ErrAuthFailed       ErrorType = "AUTH_FAILED"
	ErrNotFound         ErrorType = "NOT_FOUND"
	ErrConflict         ErrorType = "CONFLICT"
	ErrInternal         ErrorType = "INTERNAL_ERROR"
)

// AppError is the standard error struct for the application
type AppError struct {
	Type       ErrorType      `json:"code"`
	Message    string         `json:"message"`
	Suggestion string         `json:"suggestion,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	HTTPStatus int            `json:"-"`
	Cause      error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetail attaches a machine-readable detail and returns the same error.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func New(errType ErrorType, msg string, cause error) *AppError {
	return &AppError{
		Type:       errType,
		Message:    msg,
		Cause:      cause,
		HTTPStatus: mapTypeToStatus(errType),
		Suggestion: mapTypeToSuggestion(errType),
	}
}

func NewValidation(format string, args ...any) *AppError {
	return New(ErrValidation, fmt.Sprintf(format, args...), nil)
}

func NewAuthorization(denied []string) *AppError {
	return New(ErrAuthorization, fmt.Sprintf("fields not exportable for role: %v", denied), nil).
		WithDetail("denied_fields", denied)
}

func NewApprovalRequired(fields []string) *AppError {
	return New(ErrApprovalRequired, fmt.Sprintf("fields require approval before export: %v", fields), nil).
		WithDetail("approval_fields", fields)
}

func NewRateLimited(class string, limit, used int) *AppError {
	return New(ErrRateLimited, fmt.Sprintf("daily %s limit reached (%d/%d)", class, used, limit), nil).
		WithDetail("limit", limit).
		WithDetail("used", used)
}

func NewSystem(msg string, cause error) *AppError {
	return New(ErrSystem, msg, cause)
}

func NewNotFound(msg string) *AppError {
	return New(ErrNotFound, msg, nil)
}

func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return New(ErrInternal, err.Error(), err)
}

// TypeOf returns the error type of err, or "" when err is not an AppError.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ""
}

func Is(err error, t ErrorType) bool {
	return err != nil && TypeOf(err) == t
}

func mapTypeToStatus(t ErrorType) int {
	switch t {
	case ErrValidation:
		return http.StatusBadRequest
	case ErrAuthFailed:
		return http.StatusUnauthorized
	case ErrAuthorization, ErrApprovalRequired:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrSystem:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func mapTypeToSuggestion(t ErrorType) string {
	switch t {
	case ErrValidation:
		return "Fix the request and resubmit."
	case ErrAuthorization:
		return "Remove the denied fields or ask for a role with access."
	case ErrApprovalRequired:
		return "Submit the export through the approval workflow."
	case ErrRateLimited:
		return "Retry after the daily window resets (00:00 UTC)."
	case ErrSystem:
		return "Retry later."
	case ErrAuthFailed:
		return "Check the API key."
	default:
		return ""
	}
}
