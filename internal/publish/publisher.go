// SPDX-License-Identifier: MIT

package publish

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/scrobsky/scrobsky/internal/cache"
	"github.com/scrobsky/scrobsky/internal/httpx"
	"github.com/scrobsky/scrobsky/internal/log"
	"github.com/scrobsky/scrobsky/internal/metrics"
	"github.com/scrobsky/scrobsky/internal/pds"
	"github.com/scrobsky/scrobsky/internal/quota"
	"github.com/scrobsky/scrobsky/internal/records"
	"github.com/scrobsky/scrobsky/internal/resilience"
)

const (
	defaultPersistEveryBatches = 10
	defaultPersistEveryRecords = 10000
	progressLogEveryBatches    = 10

	// recordsPerDayAdvisory is the typical per-day creation allowance on
	// public PDS hosts. Purely advisory; the governor enforces whatever
	// the server actually advertises.
	recordsPerDayAdvisory = 10000
)

// Publisher runs one import from start to finish.
type Publisher struct {
	deps Deps
	cfg  Config

	mu   sync.Mutex
	prog Progress
}

// New wires a publisher. Zero-valued cadence fields get defaults.
func New(deps Deps, cfg Config) *Publisher {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = httpx.TimeoutBatch
	}
	if cfg.PersistEveryBatches <= 0 {
		cfg.PersistEveryBatches = defaultPersistEveryBatches
	}
	if cfg.PersistEveryRecords <= 0 {
		cfg.PersistEveryRecords = defaultPersistEveryRecords
	}
	return &Publisher{deps: deps, cfg: cfg, prog: Progress{State: string(stateIdle)}}
}

// Progress returns a snapshot for the ops endpoint.
func (p *Publisher) Progress() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prog
}

func (p *Publisher) update(fn func(*Progress)) {
	p.mu.Lock()
	fn(&p.prog)
	p.mu.Unlock()
}

func (p *Publisher) setState(s loopState) {
	p.update(func(pr *Progress) { pr.State = string(s) })
}

// pendingRecord is an input record that survived deduplication.
type pendingRecord struct {
	rec      records.PlayRecord
	key      string
	playedAt time.Time
}

// Run publishes the input and returns counts. Failures never escape as
// errors; every input record lands in exactly one of the four buckets.
func (p *Publisher) Run(ctx context.Context, input []records.PlayRecord) Result {
	logger := p.deps.Logger
	runID := log.RunIDFromContext(ctx)

	p.update(func(pr *Progress) {
		pr.RunID = runID
		pr.Total = len(input)
	})

	if len(input) == 0 {
		logger.Info().Str("event", "publish.empty_input").Msg("nothing to publish")
		p.setState(stateDone)
		return Result{}
	}

	accountID := p.deps.Client.Session().AccountID

	known, err := p.loadOrBuildIndex(ctx, accountID)
	if err != nil {
		logger.Error().Err(err).
			Str("event", "publish.index_failed").
			Msg("could not establish the set of already-published records")
		p.setState(stateDone)
		if errors.Is(err, context.Canceled) {
			return Result{Untried: len(input), Cancelled: true}
		}
		metrics.RecordFailed(len(input))
		return Result{ErrorCount: len(input)}
	}

	pending, res := p.filter(input, known)
	p.update(func(pr *Progress) {
		pr.Skipped = res.SkippedDuplicates
		pr.Failed = res.ErrorCount
		pr.Remaining = len(pending)
	})
	logger.Info().
		Str("event", "publish.start").
		Int("total", len(input)).
		Int("pending", len(pending)).
		Int("skipped_duplicates", res.SkippedDuplicates).
		Bool("dry_run", p.cfg.DryRun).
		Msg("starting publish loop")
	if len(pending) > recordsPerDayAdvisory {
		logger.Info().
			Str("event", "publish.daily_limit_advisory").
			Int("pending", len(pending)).
			Int("advisory", recordsPerDayAdvisory).
			Msg("input exceeds a typical daily allowance, expect long governor waits")
	}

	res = p.loop(ctx, accountID, pending, known, res)

	p.setState(stateCancelling)
	if !p.cfg.DryRun {
		if err := p.deps.Cache.Save(accountID, known); err != nil {
			logger.Error().Err(err).Str("event", "publish.cache_save_failed").Msg("final cache save failed")
			res.PersistFailed = true
		}
	}
	if err := p.deps.Clock.Flush(); err != nil {
		logger.Error().Err(err).Str("event", "publish.clock_flush_failed").Msg("clock state flush failed")
	}
	p.setState(stateDone)

	logger.Info().
		Str("event", "publish.done").
		Int("published", res.SuccessCount).
		Int("failed", res.ErrorCount).
		Int("skipped_duplicates", res.SkippedDuplicates).
		Int("untried", res.Untried).
		Bool("cancelled", res.Cancelled).
		Msg("publish run finished")
	return res
}

// filter drops duplicates against the remote index and within the input
// itself, and rejects records whose played-time does not parse.
func (p *Publisher) filter(input []records.PlayRecord, known map[string]cache.RemoteHandle) ([]pendingRecord, Result) {
	var res Result
	seen := make(map[string]struct{}, len(input))
	pending := make([]pendingRecord, 0, len(input))

	for _, rec := range input {
		key := rec.Key()
		if _, dup := known[key]; dup {
			res.SkippedDuplicates++
			continue
		}
		if _, dup := seen[key]; dup {
			res.SkippedDuplicates++
			continue
		}
		playedAt, err := rec.PlayedAt()
		if err != nil {
			p.deps.Logger.Warn().Err(err).
				Str("event", "publish.bad_played_time").
				Str("track", rec.TrackName).
				Msg("record rejected")
			res.ErrorCount++
			continue
		}
		seen[key] = struct{}{}
		pending = append(pending, pendingRecord{rec: rec, key: key, playedAt: playedAt})
	}
	metrics.RecordSkippedDuplicate(res.SkippedDuplicates)
	if res.ErrorCount > 0 {
		metrics.RecordFailed(res.ErrorCount)
	}
	return pending, res
}

func (p *Publisher) loop(ctx context.Context, accountID string, pending []pendingRecord, known map[string]cache.RemoteHandle, res Result) Result {
	logger := p.deps.Logger
	policy := httpx.DefaultRetryPolicy(p.cfg.Timeout)
	if p.cfg.MaxAttempts > 0 {
		policy.MaxAttempts = p.cfg.MaxAttempts
	}

	var batchesDone, batchesSinceSave, recordsSinceSave int

	idx := 0
	for idx < len(pending) {
		if ctx.Err() != nil {
			res.Cancelled = true
			res.Untried = len(pending) - idx
			logger.Info().
				Str("event", "publish.cancelled").
				Int("untried", res.Untried).
				Msg("stopping at batch boundary")
			return res
		}

		n := p.deps.Sizer.CurrentSize()
		if rest := len(pending) - idx; n > rest {
			n = rest
		}
		batch := pending[idx : idx+n]

		writes := make([]pds.Write, n)
		for i, pr := range batch {
			writes[i] = pds.Write{
				Type:       pds.CreateType,
				Collection: p.cfg.Collection,
				RKey:       p.deps.Clock.NextFromTime(pr.playedAt),
				Value:      pr.rec,
			}
		}

		if p.cfg.DryRun {
			logger.Info().
				Str("event", "publish.dry_run_batch").
				Int("size", n).
				Str("first_rkey", writes[0].RKey).
				Msg("would submit batch")
			res.SuccessCount += n
			idx += n
			p.update(func(pr *Progress) {
				pr.Published = res.SuccessCount
				pr.Remaining = len(pending) - idx
				pr.BatchSize = n
			})
			continue
		}

		p.setState(stateAcquiring)
		if err := p.deps.Governor.Acquire(ctx, int64(n)*quota.CostPerCreate); err != nil {
			res.Cancelled = true
			res.Untried = len(pending) - idx
			return res
		}

		p.setState(stateWriting)
		results, header, latency, submitErr, open := p.submit(ctx, policy, writes)

		p.setState(stateObserving)
		switch {
		case open:
			logger.Error().
				Str("event", "publish.circuit_open").
				Int("size", n).
				Msg("endpoint unavailable, batch dropped")
			metrics.RecordBatch("fatal")
			metrics.RecordFailed(n)
			res.ErrorCount += n
			idx += n

		case submitErr == nil:
			p.deps.Governor.ObserveResponse(header, http.StatusOK)
			p.deps.Sizer.OnResponse(latency.Milliseconds(), true)
			metrics.RecordBatch("success")
			metrics.RecordPublished(n)
			metrics.ObserveBatchLatency(latency.Seconds())
			for i, pr := range batch {
				known[pr.key] = cache.RemoteHandle{URI: results[i].URI, CID: results[i].CID}
			}
			res.SuccessCount += n
			idx += n
			batchesSinceSave++
			recordsSinceSave += n
			if batchesSinceSave >= p.cfg.PersistEveryBatches || recordsSinceSave >= p.cfg.PersistEveryRecords {
				if err := p.deps.Cache.Save(accountID, known); err != nil {
					logger.Warn().Err(err).Str("event", "publish.cache_save_failed").Msg("periodic cache save failed")
				}
				batchesSinceSave, recordsSinceSave = 0, 0
			}

		case errors.Is(submitErr, httpx.ErrRateLimited):
			p.deps.Governor.ObserveResponse(header, http.StatusTooManyRequests)
			metrics.RecordBatch("rate_limited")
			metrics.RecordRetry("rate_limited")
			wait := p.deps.Governor.BackoffFor429(header)
			logger.Warn().
				Str("event", "publish.rate_limited").
				Dur("backoff", wait).
				Int("size", n).
				Msg("server pushed back, holding the batch")
			if err := p.deps.Governor.Wait(ctx, wait); err != nil {
				res.Cancelled = true
				res.Untried = len(pending) - idx
				return res
			}
			// Same records go out again on the next pass; idx does not move.

		case errors.Is(submitErr, httpx.ErrAuthentication):
			// Untried records count as errors here: the run was not
			// cancelled, it was refused.
			rest := len(pending) - idx
			logger.Error().Err(submitErr).
				Str("event", "publish.auth_failed").
				Int("untried", rest).
				Msg("credentials rejected, stopping the run")
			metrics.RecordBatch("fatal")
			metrics.RecordFailed(rest)
			res.ErrorCount += rest
			return res

		default:
			outcome := "retryable"
			if errors.Is(submitErr, httpx.ErrValidation) {
				outcome = "fatal"
			}
			logger.Error().Err(submitErr).
				Str("event", "publish.batch_failed").
				Int("size", n).
				Msg("batch abandoned")
			metrics.RecordBatch(outcome)
			metrics.RecordFailed(n)
			p.deps.Sizer.OnResponse(latency.Milliseconds(), false)
			res.ErrorCount += n
			idx += n
		}

		batchesDone++
		snap := p.deps.Governor.Snapshot()
		p.update(func(pr *Progress) {
			pr.Published = res.SuccessCount
			pr.Failed = res.ErrorCount
			pr.Remaining = len(pending) - idx
			pr.BatchSize = p.deps.Sizer.CurrentSize()
			pr.QuotaLimit = snap.Limit
			pr.QuotaRemaining = snap.Remaining
		})
		if batchesDone%progressLogEveryBatches == 0 {
			logger.Info().
				Str("event", "publish.progress").
				Int("published", res.SuccessCount).
				Int("failed", res.ErrorCount).
				Int("remaining", len(pending)-idx).
				Int64("quota_remaining", snap.Remaining).
				Msg("publish progress")
		}
	}
	return res
}

// submit runs one applyWrites call through the retry policy and the circuit
// breaker. The breaker is not charged for rate limiting; that belongs to the
// governor. A cancel arriving mid-call lets the in-flight attempt finish, it
// only suppresses further retry attempts.
func (p *Publisher) submit(ctx context.Context, policy httpx.RetryPolicy, writes []pds.Write) (results []pds.WriteResult, header http.Header, latency time.Duration, submitErr error, open bool) {
	policy.Sleep = func(_ context.Context, d time.Duration) error {
		return sleepCtx(ctx, d)
	}
	detached := context.WithoutCancel(ctx)

	start := p.deps.Now()
	execErr := p.deps.Breaker.Execute(func() error {
		submitErr = policy.Do(detached, "applyWrites", func(attemptCtx context.Context) error {
			var err error
			results, header, err = p.deps.Client.ApplyWrites(attemptCtx, writes)
			return err
		})
		if submitErr != nil && errors.Is(submitErr, httpx.ErrRateLimited) {
			return nil
		}
		return submitErr
	})
	latency = p.deps.Now().Sub(start)

	if errors.Is(execErr, resilience.ErrCircuitOpen) {
		return nil, nil, latency, execErr, true
	}
	return results, header, latency, submitErr, false
}

// loadOrBuildIndex returns the key set of already-published records, from the
// cache when fresh, otherwise rebuilt by enumerating the remote collection.
func (p *Publisher) loadOrBuildIndex(ctx context.Context, accountID string) (map[string]cache.RemoteHandle, error) {
	logger := p.deps.Logger

	known, ok, err := p.deps.Cache.Load(accountID)
	if err != nil {
		return nil, err
	}
	if ok {
		logger.Info().
			Str("event", "publish.cache_loaded").
			Int("records", len(known)).
			Msg("using cached remote index")
		return known, nil
	}

	logger.Info().
		Str("event", "publish.enumerating").
		Str("collection", p.cfg.Collection).
		Msg("cache miss, enumerating remote records")

	known = make(map[string]cache.RemoteHandle)
	policy := httpx.DefaultRetryPolicy(httpx.TimeoutAPI)
	cursor := ""
	for {
		var (
			page []pds.ListedRecord
			next string
		)
		err := policy.Do(ctx, "listRecords", func(attemptCtx context.Context) error {
			var perr error
			page, next, perr = p.deps.Client.ListRecords(attemptCtx, p.cfg.Collection, cursor, 100)
			return perr
		})
		if err != nil {
			return nil, err
		}
		for _, lr := range page {
			var rec records.PlayRecord
			if uerr := json.Unmarshal(lr.Value, &rec); uerr != nil {
				logger.Warn().Err(uerr).
					Str("event", "publish.remote_record_unparseable").
					Str("uri", lr.URI).
					Msg("skipping remote record")
				continue
			}
			known[rec.Key()] = cache.RemoteHandle{URI: lr.URI, CID: lr.CID}
		}
		if next == "" {
			break
		}
		cursor = next
	}

	logger.Info().
		Str("event", "publish.enumerated").
		Int("records", len(known)).
		Msg("remote index built")
	if !p.cfg.DryRun {
		if err := p.deps.Cache.Save(accountID, known); err != nil {
			logger.Warn().Err(err).Str("event", "publish.cache_save_failed").Msg("could not persist remote index")
		}
	}
	return known, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
