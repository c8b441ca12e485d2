// Package errors provides the relay's error-kind taxonomy: a closed set of
// named kinds (not Go types) with a uniform structured representation, so
// callers can classify without type-switching.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies one of the error kinds from the propagation policy.
type ErrorCode string

const (
	// ErrCodeConfigMissing signals the configuration file does not exist.
	ErrCodeConfigMissing ErrorCode = "CONFIG_MISSING"
	// ErrCodeConfigInvalid signals the configuration failed validation.
	ErrCodeConfigInvalid ErrorCode = "CONFIG_INVALID"

	// ErrCodeChainTransient signals a recoverable RPC/transport failure.
	ErrCodeChainTransient ErrorCode = "CHAIN_TRANSIENT"
	// ErrCodeChainPermanent signals an unrecoverable chain client failure.
	ErrCodeChainPermanent ErrorCode = "CHAIN_PERMANENT"

	// ErrCodeFormatterError signals a payload formatter logic defect.
	ErrCodeFormatterError ErrorCode = "FORMATTER_ERROR"

	// ErrCodeQueueTransient signals a delivery-store operation worth a short retry.
	ErrCodeQueueTransient ErrorCode = "QUEUE_TRANSIENT"
	// ErrCodeQueuePermanent signals a delivery-store failure that should crash the worker.
	ErrCodeQueuePermanent ErrorCode = "QUEUE_PERMANENT"

	// ErrCodeHTTPRetriable signals a delivery outcome the processor should retry.
	ErrCodeHTTPRetriable ErrorCode = "HTTP_RETRIABLE"
	// ErrCodeHTTPPermanent signals a delivery outcome that should dead-letter immediately.
	ErrCodeHTTPPermanent ErrorCode = "HTTP_PERMANENT"

	// ErrCodeDLQError signals a dead-letter store operation failure.
	ErrCodeDLQError ErrorCode = "DLQ_ERROR"
)

// RelayError is a structured error carrying a kind, a human message, the
// HTTP status it maps to when surfaced over the admin API, and an optional
// wrapped cause.
type RelayError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	Err        error
}

func (e *RelayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *RelayError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a structured detail and returns the receiver for chaining.
func (e *RelayError) WithDetails(key string, value interface{}) *RelayError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a RelayError with no wrapped cause.
func New(code ErrorCode, message string, httpStatus int) *RelayError {
	return &RelayError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap creates a RelayError around an existing error.
func Wrap(code ErrorCode, message string, httpStatus int, err error) *RelayError {
	return &RelayError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

func ConfigMissing(path string) *RelayError {
	return New(ErrCodeConfigMissing, "configuration file not found", http.StatusInternalServerError).
		WithDetails("path", path)
}

func ConfigInvalid(err error) *RelayError {
	return Wrap(ErrCodeConfigInvalid, "configuration failed validation", http.StatusInternalServerError, err)
}

func ChainTransient(operation string, err error) *RelayError {
	return Wrap(ErrCodeChainTransient, "chain operation failed transiently", http.StatusServiceUnavailable, err).
		WithDetails("operation", operation)
}

func ChainPermanent(operation string, err error) *RelayError {
	return Wrap(ErrCodeChainPermanent, "chain operation failed permanently", http.StatusInternalServerError, err).
		WithDetails("operation", operation)
}

func FormatterError(format string, err error) *RelayError {
	return Wrap(ErrCodeFormatterError, "payload formatting failed", http.StatusInternalServerError, err).
		WithDetails("format", format)
}

func QueueTransient(operation string, err error) *RelayError {
	return Wrap(ErrCodeQueueTransient, "delivery queue operation failed transiently", http.StatusServiceUnavailable, err).
		WithDetails("operation", operation)
}

func QueuePermanent(operation string, err error) *RelayError {
	return Wrap(ErrCodeQueuePermanent, "delivery queue operation failed permanently", http.StatusInternalServerError, err).
		WithDetails("operation", operation)
}

func HTTPRetriable(statusCode int, err error) *RelayError {
	e := New(ErrCodeHTTPRetriable, "delivery attempt failed, eligible for retry", http.StatusOK)
	if err != nil {
		e = Wrap(ErrCodeHTTPRetriable, "delivery attempt failed, eligible for retry", http.StatusOK, err)
	}
	return e.WithDetails("status_code", statusCode)
}

func HTTPPermanent(statusCode int) *RelayError {
	return New(ErrCodeHTTPPermanent, "delivery attempt failed, non-retriable", http.StatusOK).
		WithDetails("status_code", statusCode)
}

func DLQError(operation string, err error) *RelayError {
	return Wrap(ErrCodeDLQError, "dead-letter store operation failed", http.StatusInternalServerError, err).
		WithDetails("operation", operation)
}

// IsRelayError reports whether err, or something it wraps, is a *RelayError.
func IsRelayError(err error) bool {
	var relayErr *RelayError
	return stderrors.As(err, &relayErr)
}

// AsRelayError extracts the *RelayError from err's chain, if present.
func AsRelayError(err error) *RelayError {
	var relayErr *RelayError
	if stderrors.As(err, &relayErr) {
		return relayErr
	}
	return nil
}

// HTTPStatus returns the HTTP status an error maps to, defaulting to 500.
func HTTPStatus(err error) int {
	if relayErr := AsRelayError(err); relayErr != nil {
		return relayErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
