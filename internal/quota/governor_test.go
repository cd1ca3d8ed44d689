// SPDX-License-Identifier: MIT

package quota

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestGovernor(t *testing.T, clk *fakeClock, slept *[]time.Duration) *Governor {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rate-limit.json")
	return NewGovernor(path,
		WithSafetyFactor(0.75),
		WithNow(clk.Now),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			*slept = append(*slept, d)
			// Simulate time passing while asleep.
			clk.Advance(d)
			return ctx.Err()
		}),
	)
}

func headersFor(limit, remaining, reset int64) http.Header {
	h := http.Header{}
	h.Set("RateLimit-Limit", jsonNumber(limit))
	h.Set("RateLimit-Remaining", jsonNumber(remaining))
	h.Set("RateLimit-Reset", jsonNumber(reset))
	h.Set("RateLimit-Policy", jsonNumber(limit)+";w=300")
	return h
}

func jsonNumber(n int64) string {
	return strconv.FormatInt(n, 10)
}

func TestAcquireDeductsWhenQuotaAvailable(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	var slept []time.Duration
	g := newTestGovernor(t, clk, &slept)

	g.ObserveResponse(headersFor(5000, 4997, clk.Now().Unix()+300), 200)

	require.NoError(t, g.Acquire(context.Background(), 30))
	assert.Empty(t, slept, "should not block with plenty of quota")
	assert.Equal(t, int64(4967), g.Snapshot().Remaining)
}

func TestAcquireSleepsUntilResetWhenExhausted(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	var slept []time.Duration
	g := newTestGovernor(t, clk, &slept)

	reset := clk.Now().Unix() + 10
	g.ObserveResponse(headersFor(5000, 0, reset), 200)

	require.NoError(t, g.Acquire(context.Background(), 3))
	require.NotEmpty(t, slept)
	// Must sleep at least until the reset plus the buffer.
	assert.GreaterOrEqual(t, slept[0], 10*time.Second)
}

func TestSafetyFactorHoldsBackTail(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	var slept []time.Duration
	g := newTestGovernor(t, clk, &slept)

	// 10 remaining at factor 0.75 leaves an effective 7: a cost-9 acquire
	// must wait for the window even though raw remaining would cover it.
	g.ObserveResponse(headersFor(5000, 10, clk.Now().Unix()+5), 200)
	require.NoError(t, g.Acquire(context.Background(), 9))
	assert.NotEmpty(t, slept)
}

func TestObserveClampsRemaining(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	var slept []time.Duration
	g := newTestGovernor(t, clk, &slept)

	h := headersFor(100, 500, clk.Now().Unix()+60)
	g.ObserveResponse(h, 200)
	st := g.Snapshot()
	assert.Equal(t, int64(100), st.Remaining, "remaining clamped to limit")
	assert.GreaterOrEqual(t, st.ResetEpoch, st.ObservedAt)
}

func TestXPrefixedHeadersAccepted(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	var slept []time.Duration
	g := newTestGovernor(t, clk, &slept)

	h := http.Header{}
	h.Set("X-RateLimit-Limit", "3000")
	h.Set("X-RateLimit-Remaining", "2999")
	h.Set("X-RateLimit-Reset", jsonNumber(clk.Now().Unix()+100))
	g.ObserveResponse(h, 200)

	assert.True(t, g.Advertised())
	assert.Equal(t, int64(3000), g.Snapshot().Limit)
}

func TestBackoffFor429UsesResetHeader(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	var slept []time.Duration
	g := newTestGovernor(t, clk, &slept)

	h := http.Header{}
	h.Set("RateLimit-Reset", jsonNumber(clk.Now().Unix()+3))
	wait := g.BackoffFor429(h)
	assert.Equal(t, 5*time.Second, wait, "reset in 3s plus 2s buffer")
}

func TestBackoffFor429FallsBackToSixtySeconds(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	var slept []time.Duration
	g := newTestGovernor(t, clk, &slept)

	wait := g.BackoffFor429(http.Header{})
	assert.Equal(t, 60*time.Second, wait)
}

func TestPacingModeDoublesOn429AndHalvesAfterStreak(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	var slept []time.Duration
	g := newTestGovernor(t, clk, &slept)

	initial := g.PacingDelay()
	g.ObserveResponse(http.Header{}, http.StatusTooManyRequests)
	assert.Equal(t, initial*2, g.PacingDelay())

	for i := 0; i < 5; i++ {
		g.ObserveResponse(http.Header{}, 200)
	}
	assert.Equal(t, initial, g.PacingDelay(), "halved back after five consecutive successes")
}

func TestPacingDelayCeiling(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	var slept []time.Duration
	g := newTestGovernor(t, clk, &slept)

	for i := 0; i < 20; i++ {
		g.ObserveResponse(http.Header{}, http.StatusTooManyRequests)
	}
	assert.Equal(t, 60*time.Second, g.PacingDelay())
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	path := filepath.Join(t.TempDir(), "rate-limit.json")

	g := NewGovernor(path, WithNow(clk.Now))
	g.ObserveResponse(headersFor(5000, 1200, clk.Now().Unix()+200), 200)

	g2 := NewGovernor(path, WithNow(clk.Now))
	assert.True(t, g2.Advertised())
	st := g2.Snapshot()
	assert.Equal(t, int64(5000), st.Limit)
	assert.Equal(t, int64(1200), st.Remaining)
}

func TestCorruptStateStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rate-limit.json")
	require.NoError(t, os.WriteFile(path, []byte("!"), 0o600))

	g := NewGovernor(path)
	assert.False(t, g.Advertised())
}

func TestAcquireCancellable(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	path := filepath.Join(t.TempDir(), "rate-limit.json")
	g := NewGovernor(path,
		WithNow(clk.Now),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			return context.Canceled
		}),
	)
	g.ObserveResponse(headersFor(100, 0, clk.Now().Unix()+600), 200)

	err := g.Acquire(context.Background(), 3)
	assert.ErrorIs(t, err, context.Canceled)
}
