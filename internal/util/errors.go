// Package util provides shared utility types for the gateway.
//
// # Error Conventions
//
// This project follows a standardized error pattern across all packages:
//
//   - Sentinel errors (errors.New) for well-known, stable conditions
//     that callers check with errors.Is(). Example: ErrNotFound.
//   - Structured error types for context-rich errors that carry
//     additional fields (e.g., ConfigError, UpstreamError). Each type
//     implements Error(), Unwrap() (if wrapping), and Is().
//   - fmt.Errorf with %w for ad-hoc wrapping that adds context to an
//     existing error without introducing a new type.
//
// All custom error types must implement:
//
//	Error() string           - human-readable message
//	Unwrap() error           - if the type wraps another error
//	Is(target error) bool    - for errors.Is() compatibility
package util

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Common sentinel errors.
var (
	ErrNotFound        = errors.New("not found")
	ErrTimeout         = errors.New("timeout")
	ErrCircuitOpen     = errors.New("circuit breaker open")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrUpstreamUnavail = errors.New("upstream unavailable")
	ErrConfigInvalid   = errors.New("invalid configuration")
)

// ConfigError represents a configuration-related error.
type ConfigError struct {
	Field   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error at %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ConfigError) Is(target error) bool {
	if target == ErrConfigInvalid {
		return true
	}
	_, ok := target.(*ConfigError)
	return ok || errors.Is(e.Cause, target)
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// NewConfigErrorWithCause creates a new ConfigError with a cause.
func NewConfigErrorWithCause(field, message string, cause error) *ConfigError {
	return &ConfigError{Field: field, Message: message, Cause: cause}
}

// ServiceNotFoundError represents a routing miss: no configured
// service prefix matches the request path.
type ServiceNotFoundError struct {
	Path   string
	Method string
}

// Error implements the error interface.
func (e *ServiceNotFoundError) Error() string {
	return fmt.Sprintf("no service found for %s %s", e.Method, e.Path)
}

// Is checks if the error matches the target.
func (e *ServiceNotFoundError) Is(target error) bool {
	if target == ErrNotFound {
		return true
	}
	_, ok := target.(*ServiceNotFoundError)
	return ok
}

// NewServiceNotFoundError creates a new ServiceNotFoundError.
func NewServiceNotFoundError(method, path string) *ServiceNotFoundError {
	return &ServiceNotFoundError{Path: path, Method: method}
}

// UpstreamError represents an upstream connectivity or transient
// failure that could not be resolved by retrying.
type UpstreamError struct {
	Service string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("upstream %s error: %s: %v", e.Service, e.Message, e.Cause)
	}
	return fmt.Sprintf("upstream %s error: %s", e.Service, e.Message)
}

// Unwrap returns the underlying error.
func (e *UpstreamError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *UpstreamError) Is(target error) bool {
	if target == ErrUpstreamUnavail {
		return true
	}
	_, ok := target.(*UpstreamError)
	return ok || errors.Is(e.Cause, target)
}

// NewUpstreamError creates a new UpstreamError.
func NewUpstreamError(service, message string) *UpstreamError {
	return &UpstreamError{Service: service, Message: message}
}

// NewUpstreamErrorWithCause creates a new UpstreamError with a cause.
func NewUpstreamErrorWithCause(service, message string, cause error) *UpstreamError {
	return &UpstreamError{Service: service, Message: message, Cause: cause}
}

// TimeoutError represents an upstream call that exceeded its
// configured timeout on every attempt.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
	Cause     error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %v during %s", e.Duration, e.Operation)
}

// Unwrap returns the underlying error.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if target == ErrTimeout {
		return true
	}
	_, ok := target.(*TimeoutError)
	return ok || errors.Is(e.Cause, target)
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{Operation: operation, Duration: duration}
}

// NewTimeoutErrorWithCause creates a new TimeoutError with a cause.
func NewTimeoutErrorWithCause(operation string, duration time.Duration, cause error) *TimeoutError {
	return &TimeoutError{Operation: operation, Duration: duration, Cause: cause}
}

// RateLimitError represents a rate limit exceeded error.
type RateLimitError struct {
	Limit      int
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded (limit: %d, retry after: %v)", e.Limit, e.RetryAfter)
}

// Is checks if the error matches the target.
func (e *RateLimitError) Is(target error) bool {
	if target == ErrRateLimited {
		return true
	}
	_, ok := target.(*RateLimitError)
	return ok
}

// NewRateLimitError creates a new RateLimitError.
func NewRateLimitError(limit int, retryAfter time.Duration) *RateLimitError {
	return &RateLimitError{Limit: limit, RetryAfter: retryAfter}
}

// AvailabilityError represents a request refused because the target
// service is circuit-open or otherwise not accepting traffic.
type AvailabilityError struct {
	Service string
	State   string
}

// Error implements the error interface.
func (e *AvailabilityError) Error() string {
	return fmt.Sprintf("service %s unavailable (state: %s)", e.Service, e.State)
}

// Is checks if the error matches the target.
func (e *AvailabilityError) Is(target error) bool {
	if target == ErrCircuitOpen {
		return true
	}
	_, ok := target.(*AvailabilityError)
	return ok
}

// NewAvailabilityError creates a new AvailabilityError.
func NewAvailabilityError(service, state string) *AvailabilityError {
	return &AvailabilityError{Service: service, State: state}
}

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// HTTPStatus maps a gateway error to the status code it should
// produce at the edge. Unrecognized errors map to 502: the proxy
// path never surfaces an unclassified failure as anything else.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// IsRetryable returns true if the error represents a timeout, the
// only transport-level failure the proxy retries.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTimeout)
}
