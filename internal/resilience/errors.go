package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/sells-group/edu-etl/internal/model"
)

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, a
// body cut off mid-read).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError marks err as retryable.
func NewTransientError(err error) *TransientError {
	return &TransientError{Err: err}
}

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// MalformedError marks a response body that could not be decoded.
type MalformedError struct {
	Err error
}

func (e *MalformedError) Error() string {
	return "malformed payload: " + e.Err.Error()
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var se *StatusError
	if errors.As(err, &se) {
		return IsTransientHTTPStatus(se.StatusCode)
	}

	var me *MalformedError
	if errors.As(err, &me) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return isConnectionError(err) || isTimeout(err)
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch {
	case statusCode == 408, // Request Timeout
		statusCode == 429: // Too Many Requests
		return true
	case statusCode >= 500 && statusCode <= 599:
		return true
	default:
		return false
	}
}

// Classify maps an error onto the fetch error taxonomy.
func Classify(err error) model.ErrorKind {
	if err == nil {
		return model.ErrorKindNone
	}

	var se *StatusError
	if errors.As(err, &se) {
		return model.ErrorKindHTTP
	}

	var me *MalformedError
	if errors.As(err, &me) {
		return model.ErrorKindMalformed
	}

	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return model.ErrorKindTimeout
	}
	if isConnectionError(err) {
		return model.ErrorKindConnection
	}
	return model.ErrorKindUnknown
}

// StatusCode extracts the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "tls handshake timeout") ||
		strings.Contains(msg, "client.timeout exceeded")
}

func isConnectionError(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	patterns := []string{
		"connection reset by peer",
		"connection refused",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"server closed idle connection",
		"transport connection broken",
		"unexpected eof",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
