// SPDX-License-Identifier: MIT

// Package publish orchestrates the import: it filters canonical play records
// against the remote-record cache, groups them into adaptively sized batches,
// and submits them through the rate-limit governor.
package publish

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/scrobsky/scrobsky/internal/cache"
	"github.com/scrobsky/scrobsky/internal/pds"
	"github.com/scrobsky/scrobsky/internal/quota"
)

// BatchWriter is the slice of the PDS client the publisher needs.
type BatchWriter interface {
	ApplyWrites(ctx context.Context, writes []pds.Write) ([]pds.WriteResult, http.Header, error)
	ListRecords(ctx context.Context, collection, cursor string, limit int) ([]pds.ListedRecord, string, error)
	Session() pds.Session
}

// IdentifierClock assigns record keys derived from played-time instants.
type IdentifierClock interface {
	NextFromTime(t time.Time) string
	Flush() error
}

// Governor gates batch submissions against the advertised quota window.
type Governor interface {
	Acquire(ctx context.Context, cost int64) error
	ObserveResponse(h http.Header, status int)
	BackoffFor429(h http.Header) time.Duration
	Wait(ctx context.Context, d time.Duration) error
	Snapshot() quota.State
}

// Sizer adapts the operations-per-request count.
type Sizer interface {
	CurrentSize() int
	OnResponse(latencyMs int64, ok bool)
}

// Breaker short-circuits submissions against a dead endpoint.
type Breaker interface {
	Execute(fn func() error) error
}

// CacheStore persists the per-account set of already-published records.
type CacheStore interface {
	Load(accountID string) (map[string]cache.RemoteHandle, bool, error)
	Save(accountID string, recs map[string]cache.RemoteHandle) error
}

// Deps holds all collaborators of a publisher run.
type Deps struct {
	Logger   zerolog.Logger
	Client   BatchWriter
	Clock    IdentifierClock
	Governor Governor
	Sizer    Sizer
	Breaker  Breaker
	Cache    CacheStore
	Now      func() time.Time
}

// Config controls one publisher run.
type Config struct {
	Collection  string
	DryRun      bool
	MaxAttempts int
	Timeout     time.Duration

	// Cache persistence cadence during the run.
	PersistEveryBatches int
	PersistEveryRecords int
}

// Result is the outcome of a run. No errors cross the publisher boundary;
// failures are folded into the counts.
type Result struct {
	SuccessCount      int
	ErrorCount        int
	SkippedDuplicates int
	Untried           int
	Cancelled         bool

	// PersistFailed is set when the final cache flush could not be written.
	// The import itself may still have fully succeeded.
	PersistFailed bool
}

// loopState names the publisher's position for progress reporting.
type loopState string

const (
	stateIdle       loopState = "idle"
	stateAcquiring  loopState = "acquiring"
	stateWriting    loopState = "writing"
	stateObserving  loopState = "observing"
	stateCancelling loopState = "cancelling"
	stateDone       loopState = "done"
)

// Progress is a point-in-time snapshot for the ops endpoint and periodic logs.
type Progress struct {
	RunID          string `json:"runId"`
	State          string `json:"state"`
	Total          int    `json:"total"`
	Published      int    `json:"published"`
	Skipped        int    `json:"skipped"`
	Failed         int    `json:"failed"`
	Remaining      int    `json:"remaining"`
	BatchSize      int    `json:"batchSize"`
	QuotaLimit     int64  `json:"quotaLimit"`
	QuotaRemaining int64  `json:"quotaRemaining"`
}
