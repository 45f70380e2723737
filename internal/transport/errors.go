package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorType is a low-cardinality category of send failure.
type ErrorType string

const (
	// ErrorTypeNetwork covers DNS, refused, reset and broken connections.
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeTimeout covers deadline and i/o timeouts.
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeServerError is a 5xx response.
	ErrorTypeServerError ErrorType = "server_error"
	// ErrorTypeClientError is a 4xx response other than auth and rate limit.
	ErrorTypeClientError ErrorType = "client_error"
	// ErrorTypeAuth is a 401 or 403 response.
	ErrorTypeAuth ErrorType = "auth"
	// ErrorTypeRateLimit is a 429 response.
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeUnknown is anything else.
	ErrorTypeUnknown ErrorType = "unknown"
)

// SendError is returned from Send. The dispatcher requeues regardless of
// type; the type feeds metrics and logs.
type SendError struct {
	// Err is the underlying error.
	Err error
	// Type is the classified error type.
	Type ErrorType
	// StatusCode is the HTTP status code, 0 for socket and network errors.
	StatusCode int
	// Message is the (truncated) response body.
	Message string
}

// Error implements the error interface.
func (e *SendError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("send error: type=%s status=%d", e.Type, e.StatusCode)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *SendError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the same batch could plausibly succeed later
// without operator intervention.
func (e *SendError) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeServerError, ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit:
		return true
	default:
		return false
	}
}

// TypeOf returns the ErrorType carried by err, classifying plain errors.
func TypeOf(err error) ErrorType {
	if err == nil {
		return ""
	}
	var se *SendError
	if errors.As(err, &se) {
		return se.Type
	}
	if errors.Is(err, ErrNotConnected) {
		return ErrorTypeNetwork
	}
	return classifyError(err)
}

func classifyError(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTypeTimeout
		}
		return ErrorTypeNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "use of closed network connection"):
		return ErrorTypeNetwork
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"):
		return ErrorTypeTimeout
	}
	return ErrorTypeUnknown
}

func classifyHTTPStatusCode(statusCode int) ErrorType {
	switch {
	case statusCode == 401 || statusCode == 403:
		return ErrorTypeAuth
	case statusCode == 429:
		return ErrorTypeRateLimit
	case statusCode >= 400 && statusCode < 500:
		return ErrorTypeClientError
	case statusCode >= 500:
		return ErrorTypeServerError
	default:
		return ErrorTypeUnknown
	}
}
