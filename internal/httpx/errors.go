// SPDX-License-Identifier: MIT

package httpx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

var (
	// Sentinel errors for errors.Is checks at the boundary.
	ErrTimeout        = errors.New("pds: request timed out")
	ErrTransport      = errors.New("pds: transport failure")
	ErrUpstream       = errors.New("pds: upstream error (5xx)")
	ErrRateLimited    = errors.New("pds: rate limited (429)")
	ErrAuthentication = errors.New("pds: authentication failed")
	ErrValidation     = errors.New("pds: request rejected")
)

// APIError wraps a sentinel with request context.
type APIError struct {
	Sentinel  error
	Operation string
	Status    int
	Body      string
	Err       error // nested lower-level error (e.g. net.Error)
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("pds: %s: %v", e.Operation, e.Sentinel)
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Body != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Body)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *APIError) Unwrap() error {
	return e.Sentinel
}

// SentinelForStatus maps an HTTP status code onto the error taxonomy.
func SentinelForStatus(status int) error {
	switch {
	case status == 429:
		return ErrRateLimited
	case status == 401 || status == 403:
		return ErrAuthentication
	case status >= 500:
		return ErrUpstream
	case status >= 400:
		return ErrValidation
	default:
		return nil
	}
}

// retryableSubstrings matches error strings from layers that do not expose
// typed errors.
var retryableSubstrings = []string{
	"timeout",
	"network",
	"socket hang up",
	"connection reset",
	"no such host",
	"connection refused",
	"unreachable",
}

// IsRetryable reports whether an error is transient: connection resets,
// timeouts, DNS failures, refused or unreachable hosts, and 5xx responses.
// Rate limiting (429) is deliberately not retryable here; the governor owns
// that wait.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrAuthentication) || errors.Is(err, ErrValidation) {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrUpstream) || errors.Is(err, ErrTransport) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	for _, errno := range []syscall.Errno{
		syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.EPIPE,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, sub := range retryableSubstrings {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}
