// SPDX-License-Identifier: MIT

package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeedSmallInputCapsAtThree(t *testing.T) {
	assert.Equal(t, 1, NewSizer(1, 0).CurrentSize())
	assert.Equal(t, 3, NewSizer(40, 0).CurrentSize())
	assert.Equal(t, 3, NewSizer(50, 0).CurrentSize())
}

func TestSeedLogarithmic(t *testing.T) {
	small := NewSizer(100, 0).CurrentSize()
	large := NewSizer(100000, 0).CurrentSize()
	assert.GreaterOrEqual(t, small, MinSize)
	assert.Greater(t, large, small)
	assert.LessOrEqual(t, large, MaxSize)
}

func TestOverrideWins(t *testing.T) {
	assert.Equal(t, 75, NewSizer(100000, 75).CurrentSize())
	assert.Equal(t, MaxSize, NewSizer(10, 999).CurrentSize())
}

func TestGrowAfterThreeFastResponses(t *testing.T) {
	s := NewSizer(10000, 50)
	s.OnResponse(500, true)
	s.OnResponse(500, true)
	assert.Equal(t, 50, s.CurrentSize(), "no growth before the third fast response")
	s.OnResponse(500, true)
	assert.Equal(t, 75, s.CurrentSize())
}

func TestShrinkAfterTwoSlowResponses(t *testing.T) {
	s := NewSizer(10000, 50)
	s.OnResponse(3000, true)
	assert.Equal(t, 50, s.CurrentSize())
	s.OnResponse(3000, true)
	assert.Equal(t, 35, s.CurrentSize(), "50 * 0.7 = 35")
}

func TestFailureCountsSlow(t *testing.T) {
	s := NewSizer(10000, 50)
	s.OnResponse(100, false)
	s.OnResponse(100, false)
	assert.Equal(t, 35, s.CurrentSize())
}

func TestOppositeOutcomeResetsStreak(t *testing.T) {
	s := NewSizer(10000, 50)
	s.OnResponse(500, true)
	s.OnResponse(500, true)
	s.OnResponse(3000, true) // slow interrupts the fast streak
	s.OnResponse(500, true)
	s.OnResponse(500, true)
	assert.Equal(t, 50, s.CurrentSize(), "interrupted streak must not grow")
	s.OnResponse(500, true)
	assert.Equal(t, 75, s.CurrentSize())
}

func TestBoundsHold(t *testing.T) {
	s := NewSizer(10000, MaxSize)
	for i := 0; i < 10; i++ {
		s.OnResponse(100, true)
	}
	assert.Equal(t, MaxSize, s.CurrentSize())

	for i := 0; i < 50; i++ {
		s.OnResponse(5000, false)
	}
	assert.Equal(t, MinSize, s.CurrentSize())
}

func TestSmallInputFloorIsOne(t *testing.T) {
	s := NewSizer(30, 0)
	for i := 0; i < 20; i++ {
		s.OnResponse(5000, false)
	}
	assert.Equal(t, 1, s.CurrentSize())
}
