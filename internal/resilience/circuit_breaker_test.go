// SPDX-License-Identifier: MIT

package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

var errBoom = errors.New("boom")

func TestOpensAfterThreshold(t *testing.T) {
	clk := &testClock{now: time.Unix(0, 0)}
	cb := NewCircuitBreaker("test-open", 3, 30*time.Second, WithClock(clk))

	for i := 0; i < 3; i++ {
		err := cb.Execute(func() error { return errBoom })
		assert.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, string(StateOpen), cb.State())

	err := cb.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestHalfOpenProbeAfterTimeout(t *testing.T) {
	clk := &testClock{now: time.Unix(0, 0)}
	cb := NewCircuitBreaker("test-probe", 1, 30*time.Second, WithClock(clk))

	require.Error(t, cb.Execute(func() error { return errBoom }))
	assert.Equal(t, string(StateOpen), cb.State())

	clk.now = clk.now.Add(31 * time.Second)
	called := false
	err := cb.Execute(func() error { called = true; return nil })
	require.NoError(t, err)
	assert.True(t, called, "probe must run once the reset timeout elapses")
	assert.Equal(t, string(StateClosed), cb.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clk := &testClock{now: time.Unix(0, 0)}
	cb := NewCircuitBreaker("test-reopen", 1, 30*time.Second, WithClock(clk))

	require.Error(t, cb.Execute(func() error { return errBoom }))
	clk.now = clk.now.Add(31 * time.Second)
	require.Error(t, cb.Execute(func() error { return errBoom }))
	assert.Equal(t, string(StateOpen), cb.State())
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("test-reset", 3, 30*time.Second)

	require.Error(t, cb.Execute(func() error { return errBoom }))
	require.Error(t, cb.Execute(func() error { return errBoom }))
	require.NoError(t, cb.Execute(func() error { return nil }))

	// Two more failures must not trip a threshold of three.
	require.Error(t, cb.Execute(func() error { return errBoom }))
	require.Error(t, cb.Execute(func() error { return errBoom }))
	assert.Equal(t, string(StateClosed), cb.State())
}
