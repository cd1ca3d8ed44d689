// SPDX-License-Identifier: MIT

package quota

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"golang.org/x/time/rate"

	"github.com/scrobsky/scrobsky/internal/log"
	"github.com/scrobsky/scrobsky/internal/metrics"
)

// CostPerCreate is the quota price of a single create operation.
const CostPerCreate = 3

const (
	stateSchemaVersion = 1
	resetBuffer        = 2 * time.Second
	fallback429Wait    = 60 * time.Second

	// Pacing mode bounds, used when the server never advertises quota.
	pacingFloor      = 100 * time.Millisecond
	pacingCeiling    = 60 * time.Second
	speedupThreshold = 5
)

// State is the persisted quota snapshot.
type State struct {
	Limit         int64  `json:"limit"`
	Remaining     int64  `json:"remaining"`
	ResetEpoch    int64  `json:"resetEpochSeconds"`
	WindowSeconds int64  `json:"windowSeconds"`
	Policy        string `json:"policy"`
	ObservedAt    int64  `json:"observedAt"`
	SchemaVersion uint32 `json:"schemaVersion"`
}

// Governor tracks the server-advertised window and blocks callers until a
// write fits. When no window was ever advertised it falls back to pure
// pacing: a floor delay between batches, doubled on 429, halved after a run
// of successes.
type Governor struct {
	mu           sync.Mutex
	path         string
	safetyFactor float64
	advertised   bool
	st           State

	pacer         *rate.Limiter
	pacingDelay   time.Duration
	successStreak int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Governor.
type Option func(*Governor)

// WithSafetyFactor sets the usable fraction of advertised remaining quota.
func WithSafetyFactor(s float64) Option {
	return func(g *Governor) {
		if s > 0 && s <= 1 {
			g.safetyFactor = s
		}
	}
}

// WithPacingDelay sets the initial inter-batch delay for pacing mode.
func WithPacingDelay(d time.Duration) Option {
	return func(g *Governor) {
		if d > pacingFloor {
			g.pacingDelay = d
		}
	}
}

// WithNow injects the time source, for tests.
func WithNow(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// WithSleep injects the blocking sleep, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Governor) { g.sleep = sleep }
}

// NewGovernor loads persisted quota state from path, if any. A persisted
// window whose reset is already past is only a hint: it refreshes to the full
// limit until a fresh header is observed.
func NewGovernor(path string, opts ...Option) *Governor {
	g := &Governor{
		path:         path,
		safetyFactor: 0.75,
		pacingDelay:  pacingFloor,
		now:          time.Now,
		sleep:        sleepCtx,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.pacer = rate.NewLimiter(rate.Every(g.pacingDelay), 1)

	data, err := os.ReadFile(path)
	if err != nil {
		return g
	}
	var st State
	if jerr := json.Unmarshal(data, &st); jerr != nil || st.SchemaVersion != stateSchemaVersion {
		logger := log.WithComponent("quota")
		logger.Warn().
			Str("event", "quota.state_corrupt").
			Str("path", path).
			Msg("quota state unreadable, starting fresh")
		return g
	}
	if st.Limit > 0 {
		g.st = st
		g.advertised = true
	}
	return g
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acquire blocks until cost units can be deducted from the current window
// without violating the safety factor, or ctx is cancelled.
func (g *Governor) Acquire(ctx context.Context, cost int64) error {
	start := g.now()
	defer func() {
		metrics.ObserveGovernorWait(g.now().Sub(start).Seconds())
	}()

	g.mu.Lock()
	advertised := g.advertised
	g.mu.Unlock()

	if !advertised {
		return g.pacer.Wait(ctx)
	}

	for {
		g.mu.Lock()
		now := g.now().Unix()
		if now >= g.st.ResetEpoch {
			// Window rolled over; treat it as refreshed until a fresh
			// header says otherwise.
			g.st.Remaining = g.st.Limit
			window := g.st.WindowSeconds
			if window <= 0 {
				window = 300
			}
			g.st.ResetEpoch = now + window
		}
		effective := int64(math.Floor(float64(g.st.Remaining) * g.safetyFactor))
		if cost <= effective {
			g.st.Remaining -= cost
			g.persistLocked()
			metrics.SetQuota(g.st.Limit, g.st.Remaining)
			g.mu.Unlock()
			return nil
		}
		wait := time.Duration(g.st.ResetEpoch-now)*time.Second + resetBuffer
		reset := g.st.ResetEpoch
		g.mu.Unlock()

		logger := log.WithComponent("quota")
		logger.Info().
			Str("event", "quota.window_exhausted").
			Int64("cost", cost).
			Int64("reset_epoch", reset).
			Dur("wait", wait).
			Msg("waiting for rate-limit window to refresh")
		if err := g.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// ObserveResponse folds a response's rate-limit headers into the window.
// A 429 status additionally resets the pacing success streak.
func (g *Governor) ObserveResponse(h http.Header, status int) {
	parsed := ParseHeaders(h)

	g.mu.Lock()
	defer g.mu.Unlock()

	if parsed.HasLimit {
		g.advertised = true
		g.st.Limit = parsed.Limit
		g.st.Remaining = clamp(parsed.Remaining, 0, parsed.Limit)
		if parsed.HasReset {
			g.st.ResetEpoch = parsed.Reset
		}
		if parsed.Window > 0 {
			g.st.WindowSeconds = parsed.Window
		}
		g.st.Policy = parsed.Policy
		g.st.ObservedAt = g.now().Unix()
		if g.st.ResetEpoch < g.st.ObservedAt {
			// A reset in the past means the window already rolled over.
			g.st.ResetEpoch = g.st.ObservedAt
		}
		g.persistLocked()
		metrics.SetQuota(g.st.Limit, g.st.Remaining)
	}

	switch {
	case status == http.StatusTooManyRequests:
		g.successStreak = 0
		g.pacingDelay = minDuration(g.pacingDelay*2, pacingCeiling)
		g.pacer.SetLimit(rate.Every(g.pacingDelay))
	case status >= 200 && status < 300:
		g.successStreak++
		if g.successStreak >= speedupThreshold {
			g.successStreak = 0
			g.pacingDelay = maxDuration(g.pacingDelay/2, pacingFloor)
			g.pacer.SetLimit(rate.Every(g.pacingDelay))
		}
	}
}

// BackoffFor429 computes how long to wait after a 429 before retrying. No
// permit is consumed; the retry re-acquires.
func (g *Governor) BackoffFor429(h http.Header) time.Duration {
	parsed := ParseHeaders(h)
	if !parsed.HasReset {
		return fallback429Wait
	}
	wait := time.Duration(parsed.Reset-g.now().Unix())*time.Second + resetBuffer
	if wait < resetBuffer {
		wait = resetBuffer
	}
	return wait
}

// Wait blocks for d, honoring cancellation. Exposed so the publisher can
// apply 429 backoff through the governor's injected sleeper.
func (g *Governor) Wait(ctx context.Context, d time.Duration) error {
	return g.sleep(ctx, d)
}

// Advertised reports whether the server has ever advertised a quota window.
func (g *Governor) Advertised() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.advertised
}

// Snapshot returns the current persisted view for progress reporting.
func (g *Governor) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.st
}

// PacingDelay returns the current pacing-mode inter-batch delay.
func (g *Governor) PacingDelay() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pacingDelay
}

// persistLocked writes quota state atomically. A crashed process then resumes
// with a safe lower bound instead of re-learning the window the hard way.
func (g *Governor) persistLocked() {
	g.st.SchemaVersion = stateSchemaVersion
	logger := log.WithComponent("quota")
	data, err := json.Marshal(g.st)
	if err != nil {
		logger.Error().Err(err).Msg("marshal quota state")
		return
	}
	if err := renameio.WriteFile(g.path, data, 0o600); err != nil {
		logger.Error().
			Err(err).
			Str("event", "quota.persist_failed").
			Str("path", g.path).
			Msg("write quota state")
	}
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
