// SPDX-License-Identifier: MIT

// Package quota tracks server-advertised rate limits and gates batch writes
// so shared-instance quotas are never exhausted.
package quota

import (
	"net/http"
	"strconv"
	"strings"
)

// Headers is one observed set of rate-limit response headers.
type Headers struct {
	Limit     int64
	Remaining int64
	Reset     int64 // unix epoch seconds
	Policy    string
	Window    int64 // seconds, parsed from policy
	HasLimit  bool
	HasReset  bool
}

// headerValue matches both the plain and x- prefixed header families.
// http.Header lookups are already case-insensitive.
func headerValue(h http.Header, name string) string {
	if v := h.Get("ratelimit-" + name); v != "" {
		return v
	}
	return h.Get("x-ratelimit-" + name)
}

// ParseHeaders extracts rate-limit information from a response header set.
func ParseHeaders(h http.Header) Headers {
	var out Headers

	if v := headerValue(h, "limit"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			out.Limit = n
			out.HasLimit = true
		}
	}
	if v := headerValue(h, "remaining"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			out.Remaining = n
		}
	}
	if v := headerValue(h, "reset"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			out.Reset = n
			out.HasReset = true
		}
	}
	if v := headerValue(h, "policy"); v != "" {
		out.Policy = v
		out.Window = parsePolicyWindow(v)
	}
	return out
}

// parsePolicyWindow reads the window from a "<limit>;w=<seconds>" policy.
func parsePolicyWindow(policy string) int64 {
	for _, part := range strings.Split(policy, ";") {
		part = strings.TrimSpace(part)
		if rest, ok := strings.CutPrefix(part, "w="); ok {
			if n, err := strconv.ParseInt(rest, 10, 64); err == nil && n > 0 {
				return n
			}
		}
	}
	return 0
}
