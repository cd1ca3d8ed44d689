// SPDX-License-Identifier: MIT
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Publishing metrics
	recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scrobsky_records_total",
		Help: "Play records processed by outcome",
	}, []string{"outcome"}) // outcome=published|skipped_duplicate|failed

	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scrobsky_batches_total",
		Help: "Batch-write requests by outcome",
	}, []string{"outcome"}) // outcome=success|rate_limited|retryable|fatal

	batchSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scrobsky_batch_size",
		Help: "Current adaptive batch size",
	})

	batchLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scrobsky_batch_latency_seconds",
		Help:    "Wall-clock latency of batch-write requests",
		Buckets: prometheus.DefBuckets,
	})

	// Governor metrics
	quotaRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scrobsky_quota_remaining",
		Help: "Server-advertised rate-limit units remaining in the current window",
	})

	quotaLimit = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scrobsky_quota_limit",
		Help: "Server-advertised rate-limit window capacity",
	})

	governorWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scrobsky_governor_wait_seconds",
		Help:    "Time spent blocked waiting for rate-limit permits",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	})

	// Transport metrics
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scrobsky_retries_total",
		Help: "Retry attempts by reason",
	}, []string{"reason"}) // reason=transient|rate_limited

	cacheEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scrobsky_cache_events_total",
		Help: "Remote-record cache lifecycle events",
	}, []string{"event"}) // event=hit|miss|stale|saved|invalidated

	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scrobsky_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"name"})

	circuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scrobsky_circuit_breaker_trips_total",
		Help: "Circuit breaker trips by reason",
	}, []string{"name", "reason"})
)

func RecordPublished(n int) { recordsTotal.WithLabelValues("published").Add(float64(n)) }
func RecordSkippedDuplicate(n int) {
	recordsTotal.WithLabelValues("skipped_duplicate").Add(float64(n))
}
func RecordFailed(n int) { recordsTotal.WithLabelValues("failed").Add(float64(n)) }

func RecordBatch(outcome string) { batchesTotal.WithLabelValues(outcome).Inc() }
func SetBatchSize(n int) { batchSize.Set(float64(n)) }
func ObserveBatchLatency(secs float64) { batchLatencySeconds.Observe(secs) }
func SetQuota(limit, remaining int64) {
	quotaLimit.Set(float64(limit))
	quotaRemaining.Set(float64(remaining))
}
func ObserveGovernorWait(secs float64) { governorWaitSeconds.Observe(secs) }
func RecordRetry(reason string) { retriesTotal.WithLabelValues(reason).Inc() }
func RecordCacheEvent(event string) { cacheEvents.WithLabelValues(event).Inc() }

// SetCircuitBreakerState maps state names onto the gauge encoding.
func SetCircuitBreakerState(name, state string) {
	v := 0.0
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	circuitBreakerState.WithLabelValues(name).Set(v)
}

func RecordCircuitBreakerTrip(name, reason string) {
	circuitBreakerTrips.WithLabelValues(name, reason).Inc()
}
