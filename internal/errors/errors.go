package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/wallet-provisioner/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryUserInput represents user input errors (4xx)
	CategoryUserInput ErrorCategory = "user_input"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
	// CategoryConfiguration represents missing or invalid configuration
	CategoryConfiguration ErrorCategory = "configuration"
	// CategoryProvider represents custody provider errors
	CategoryProvider ErrorCategory = "provider"
	// CategoryTimeout represents bounded runs that exceeded their deadline
	CategoryTimeout ErrorCategory = "timeout"
	// CategoryValidation represents validation errors
	CategoryValidation ErrorCategory = "validation"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryRateLimit represents rate limit errors
	CategoryRateLimit ErrorCategory = "rate_limit"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// User Input Errors (4xx)

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PARAMETER",
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewScriptNotAllowedError is returned when a script name is outside the allow-list
func NewScriptNotAllowedError(name string, allowed []string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUserInput,
		StatusCode: http.StatusBadRequest,
		Code:       "SCRIPT_NOT_ALLOWED",
		Message:    fmt.Sprintf("Script '%s' is not allowed", name),
		Details: map[string]interface{}{
			"scriptName":     name,
			"allowedScripts": allowed,
		},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(retryAfter int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "rate limit exceeded",
		Details: map[string]interface{}{
			"retryAfter": retryAfter,
		},
	}
}

// NewTimeoutError is returned when a bounded subprocess run exceeds its timeout
func NewTimeoutError(command string, timeout time.Duration) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTimeout,
		StatusCode: http.StatusRequestTimeout,
		Code:       "EXECUTION_TIMEOUT",
		Message:    fmt.Sprintf("Script execution timeout (%d seconds)", int(timeout.Seconds())),
		Details: map[string]interface{}{
			"command":   command,
			"timeoutMs": timeout.Milliseconds(),
		},
	}
}

// System Errors (5xx)

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// NewConfigurationError is fatal at startup: credentials or paths are missing
func NewConfigurationError(setting string, message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConfiguration,
		StatusCode: http.StatusInternalServerError,
		Code:       "CONFIGURATION_ERROR",
		Message:    message,
		Details: map[string]interface{}{
			"setting": setting,
		},
	}
}

// NewSpawnError is returned when a subprocess could not be started
func NewSpawnError(command string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "SPAWN_ERROR",
		Message:    fmt.Sprintf("failed to execute %s", command),
		Cause:      cause,
		Details: map[string]interface{}{
			"command": command,
		},
	}
}

// Provider Errors

// NewProviderError wraps a failed custody provider call.
// status is the provider's HTTP status, or 0 when no response was received.
func NewProviderError(operation string, status int, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       "PROVIDER_ERROR",
		Message:    fmt.Sprintf("custody provider error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation":      operation,
			"providerStatus": status,
		},
	}
}

// ProviderStatus returns the provider HTTP status carried by a provider error, or 0
func ProviderStatus(err error) int {
	var catErr *CategorizedError
	if !errors.As(err, &catErr) || catErr.Category != CategoryProvider {
		return 0
	}
	if status, ok := catErr.Details["providerStatus"].(int); ok {
		return status
	}
	return 0
}

// IsUnsupportedOperation reports whether the provider rejected a call because
// the operation is not supported for the asset.
func IsUnsupportedOperation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not supported") || strings.Contains(msg, "unsupported")
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	// If already categorized, return as-is
	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr
	}

	// If it's a ServiceError, convert it
	var svcErr *types.ServiceError
	if errors.As(err, &svcErr) {
		return categorizeServiceError(svcErr)
	}

	// Default to internal error
	return NewInternalError("unexpected error", err)
}

// categorizeServiceError categorizes a ServiceError
func categorizeServiceError(err *types.ServiceError) *CategorizedError {
	switch err.Code {
	case "INVALID_PARAMETER", "INVALID_INPUT", "SCRIPT_NOT_ALLOWED":
		return &CategorizedError{
			Category:   CategoryUserInput,
			StatusCode: http.StatusBadRequest,
			Code:       err.Code,
			Message:    err.Message,
			Details:    err.Details,
		}
	case "NOT_FOUND", "RUN_NOT_FOUND":
		return &CategorizedError{
			Category:   CategoryNotFound,
			StatusCode: http.StatusNotFound,
			Code:       err.Code,
			Message:    err.Message,
			Details:    err.Details,
		}
	case "EXECUTION_TIMEOUT":
		return &CategorizedError{
			Category:   CategoryTimeout,
			StatusCode: http.StatusRequestTimeout,
			Code:       err.Code,
			Message:    err.Message,
			Details:    err.Details,
		}
	default:
		return &CategorizedError{
			Category:   CategorySystem,
			StatusCode: http.StatusInternalServerError,
			Code:       err.Code,
			Message:    err.Message,
			Details:    err.Details,
		}
	}
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is worth retrying.
// Provider errors are retryable only for throttling, server errors and transport failures.
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryProvider:
		status := ProviderStatus(catErr)
		return status == 0 || status == http.StatusTooManyRequests || status >= 500
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}
