// SPDX-License-Identifier: MIT

package quota

import (
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestParseHeadersPlainFamily(t *testing.T) {
	h := http.Header{}
	h.Set("ratelimit-limit", "5000")
	h.Set("ratelimit-remaining", "4997")
	h.Set("ratelimit-reset", "1700000300")
	h.Set("ratelimit-policy", "5000;w=300")

	got := ParseHeaders(h)
	want := Headers{
		Limit:     5000,
		Remaining: 4997,
		Reset:     1700000300,
		Policy:    "5000;w=300",
		Window:    300,
		HasLimit:  true,
		HasReset:  true,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("parsed headers mismatch (-want +got):\n%s", diff)
	}
}

func TestParseHeadersPrefersPlainOverXPrefixed(t *testing.T) {
	h := http.Header{}
	h.Set("RateLimit-Limit", "100")
	h.Set("X-RateLimit-Limit", "999")

	got := ParseHeaders(h)
	assert.Equal(t, int64(100), got.Limit)
}

func TestParseHeadersCaseInsensitive(t *testing.T) {
	h := http.Header{}
	h.Set("RATELIMIT-REMAINING", "42")
	h.Set("RATELIMIT-LIMIT", "50")

	got := ParseHeaders(h)
	assert.True(t, got.HasLimit)
	assert.Equal(t, int64(42), got.Remaining)
}

func TestParseHeadersAbsent(t *testing.T) {
	got := ParseHeaders(http.Header{})
	assert.False(t, got.HasLimit)
	assert.False(t, got.HasReset)
}

func TestParsePolicyWindow(t *testing.T) {
	cases := map[string]int64{
		"5000;w=300":  300,
		"100 ; w=60":  60,
		"garbage":     0,
		"5000;w=abc":  0,
		"5000;w=-5":   0,
	}
	for policy, want := range cases {
		assert.Equal(t, want, parsePolicyWindow(policy), "policy %q", policy)
	}
}
