// SPDX-License-Identifier: MIT

// Package batch adjusts the number of operations per batch-write request
// based on observed latency and failures.
package batch

import (
	"math"
	"sync"

	"github.com/scrobsky/scrobsky/internal/metrics"
)

const (
	// MaxSize is the server's hard cap on operations per applyWrites call.
	MaxSize = 200
	// MinSize is the adaptive floor for normal-sized inputs.
	MinSize = 10

	// TargetLatencyMs divides fast responses from slow ones.
	TargetLatencyMs = 2000

	fastStreakLength = 3
	slowStreakLength = 2
	growFactor       = 1.5
	shrinkFactor     = 0.7

	seedBase = 10
)

// Sizer tracks response quality and yields the next batch size. Growth is
// multiplicative on a run of fast successes; shrink is multiplicative on a
// run of slow or failed responses.
type Sizer struct {
	mu         sync.Mutex
	size       int
	min        int
	fastStreak int
	slowStreak int
}

// NewSizer seeds a sizer for an input of total records. Small inputs start
// at a batch size of at most 3 so failure modes stay visible; an explicit
// override (from configuration) wins over seeding.
func NewSizer(total, override int) *Sizer {
	s := &Sizer{min: MinSize}
	switch {
	case override > 0:
		s.size = clampInt(override, 1, MaxSize)
		if s.size < MinSize {
			s.min = 1
		}
	case total <= 50:
		s.min = 1
		s.size = clampInt(total, 1, 3)
	default:
		seeded := seedBase + int(math.Floor(math.Log2(float64(total)/20)*1.5))
		s.size = clampInt(seeded, MinSize, MaxSize)
	}
	metrics.SetBatchSize(s.size)
	return s
}

// CurrentSize returns the next batch size.
func (s *Sizer) CurrentSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// OnResponse feeds one observed response into the sizer. A response is fast
// when it succeeded under the target latency; anything else counts slow.
func (s *Sizer) OnResponse(latencyMs int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ok && latencyMs < TargetLatencyMs {
		s.fastStreak++
		s.slowStreak = 0
		if s.fastStreak >= fastStreakLength {
			s.fastStreak = 0
			s.size = clampInt(int(math.Floor(float64(s.size)*growFactor)), s.min, MaxSize)
			metrics.SetBatchSize(s.size)
		}
		return
	}

	s.slowStreak++
	s.fastStreak = 0
	if s.slowStreak >= slowStreakLength {
		s.slowStreak = 0
		s.size = clampInt(int(math.Floor(float64(s.size)*shrinkFactor)), s.min, MaxSize)
		metrics.SetBatchSize(s.size)
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
