// SPDX-License-Identifier: MIT

package tid

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/scrobsky/scrobsky/internal/log"
)

const stateSchemaVersion = 1

// reserveMicros is the crash-safety margin persisted ahead of emissions, so
// the state file only has to be rewritten once per reservation window.
const reserveMicros = 1_000_000

// clockState is the persisted shape. LastMicros is an upper bound on every
// microsecond value emitted so far, never an exact position.
type clockState struct {
	LastMicros    uint64 `json:"lastMicros"`
	ClockID       uint16 `json:"clockId"`
	SchemaVersion uint32 `json:"schemaVersion"`
}

// Clock emits strictly monotonic identifiers across restarts and
// out-of-order input timestamps.
type Clock struct {
	mu         sync.Mutex
	path       string
	lastMicros uint64 // last emitted
	reserved   uint64 // persisted upper bound
	clockID    uint16
	forcedID   bool // clock ID was set explicitly and must not be replaced by state
	now        func() time.Time
}

// Option configures a Clock.
type Option func(*Clock)

// WithNow injects the time source, for tests.
func WithNow(now func() time.Time) Option {
	return func(c *Clock) { c.now = now }
}

// WithClockID forces a fixed clock ID (deterministic mode uses 0). A forced
// ID survives reload: persisted state never replaces it.
func WithClockID(id uint16) Option {
	return func(c *Clock) {
		c.clockID = id & ClockIDMask
		c.forcedID = true
	}
}

// NewClock loads or initializes the clock backed by the given state file.
// A corrupt or missing file reinitializes from the current time.
func NewClock(path string, opts ...Option) *Clock {
	c := &Clock{
		path:    path,
		now:     time.Now,
		clockID: randomClockID(),
	}
	for _, opt := range opts {
		opt(c)
	}

	logger := log.WithComponent("tid")
	data, err := os.ReadFile(path)
	if err == nil {
		var st clockState
		if jerr := json.Unmarshal(data, &st); jerr == nil && st.SchemaVersion == stateSchemaVersion {
			c.lastMicros = st.LastMicros
			c.reserved = st.LastMicros
			if !c.forcedID {
				c.clockID = st.ClockID & ClockIDMask
			}
			return c
		}
		logger.Warn().
			Str("event", "tid.state_corrupt").
			Str("path", path).
			Msg("clock state unreadable, reinitializing from current time")
	}
	c.lastMicros = uint64(c.now().UnixMicro())
	c.reserved = 0
	return c
}

func randomClockID() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint16(b[:]) & ClockIDMask
}

// ClockID returns the process clock disambiguator.
func (c *Clock) ClockID() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clockID
}

// ResetClockID re-randomizes the persisted clock ID. Intended for tests.
func (c *Clock) ResetClockID() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clockID = randomClockID()
	c.persistLocked(c.lastMicros)
}

// NextFromTime returns an identifier encoding t if t is strictly later (in
// microseconds) than every prior emission; otherwise it encodes one
// microsecond past the previous emission. State is advanced before returning.
func (c *Clock) NextFromTime(t time.Time) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	micros := uint64(t.UnixMicro())
	if micros <= c.lastMicros {
		micros = c.lastMicros + 1
	}
	c.lastMicros = micros

	if micros >= c.reserved {
		c.persistLocked(micros + reserveMicros)
	}
	return Encode(Compose(micros, c.clockID))
}

// NextNow is NextFromTime at the current time.
func (c *Clock) NextNow() string {
	return c.NextFromTime(c.now())
}

// persistLocked writes the state file atomically. Persistence failures are
// logged; in-memory state stays authoritative so emission never stalls.
func (c *Clock) persistLocked(upperBound uint64) {
	st := clockState{
		LastMicros:    upperBound,
		ClockID:       c.clockID,
		SchemaVersion: stateSchemaVersion,
	}
	logger := log.WithComponent("tid")
	data, err := json.Marshal(st)
	if err != nil {
		logger.Error().Err(err).Msg("marshal clock state")
		return
	}
	if err := renameio.WriteFile(c.path, data, 0o600); err != nil {
		logger.Error().
			Err(err).
			Str("event", "tid.persist_failed").
			Str("path", c.path).
			Msg("write clock state")
		return
	}
	c.reserved = upperBound
}

// Flush persists the exact current position, shrinking the reservation. Used
// at graceful shutdown so the next run does not skip the unused margin.
func (c *Clock) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := clockState{
		LastMicros:    c.lastMicros,
		ClockID:       c.clockID,
		SchemaVersion: stateSchemaVersion,
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal clock state: %w", err)
	}
	if err := renameio.WriteFile(c.path, data, 0o600); err != nil {
		return fmt.Errorf("flush clock state: %w", err)
	}
	c.reserved = c.lastMicros
	return nil
}
