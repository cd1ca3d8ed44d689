// SPDX-License-Identifier: MIT

// Package config resolves scrobsky configuration with precedence
// flags > environment > file > defaults.
package config

import (
	"fmt"
	"time"
)

// Defaults for the publisher. These match the server contract of the
// com.atproto.repo.applyWrites endpoint (max 200 operations per call).
const (
	DefaultSafetyFactor     = 0.75
	AggressiveSafetyFactor  = 0.85
	DefaultMaxAttempts      = 3
	DefaultTimeoutMs        = 30000
	DefaultCacheTTLHours    = 24
	DefaultResolver         = "https://slingshot.microcosm.blue"
	DefaultCollection       = "fm.teal.alpha.feed.play"
)

// Options is the single authoritative configuration shape. Legacy and
// overlapping knobs from earlier revisions are folded into these fields.
type Options struct {
	// Publishing behavior
	SafetyFactor  float64 `yaml:"safetyFactor"`
	Aggressive    bool    `yaml:"aggressive"`
	DryRun        bool    `yaml:"dryRun"`
	BatchSize     int     `yaml:"batchSize"`    // 0 = auto (log-seeded)
	BatchDelayMs  int     `yaml:"batchDelayMs"` // 0 = auto
	MaxAttempts   int     `yaml:"maxAttempts"`
	TimeoutMs     int     `yaml:"timeoutMs"`
	CacheTTLHours int     `yaml:"cacheTtlHours"`

	// Target
	Collection string `yaml:"collection"`
	Resolver   string `yaml:"resolver"`

	// Ambient
	LogLevel    string `yaml:"logLevel"`
	StateDir    string `yaml:"stateDir"`
	MetricsAddr string `yaml:"metricsAddr"` // empty = ops server disabled

	// Telemetry
	TelemetryEnabled  bool    `yaml:"telemetryEnabled"`
	TelemetryExporter string  `yaml:"telemetryExporter"` // "grpc" or "http"
	TelemetryEndpoint string  `yaml:"telemetryEndpoint"`
	TelemetrySampling float64 `yaml:"telemetrySampling"`
}

// Default returns the baseline options before file/env/flag overrides.
func Default() Options {
	return Options{
		SafetyFactor:      DefaultSafetyFactor,
		MaxAttempts:       DefaultMaxAttempts,
		TimeoutMs:         DefaultTimeoutMs,
		CacheTTLHours:     DefaultCacheTTLHours,
		Collection:        DefaultCollection,
		Resolver:          DefaultResolver,
		LogLevel:          "info",
		TelemetrySampling: 1.0,
	}
}

// FromEnv applies SCROBSKY_* environment overrides on top of o.
func (o Options) FromEnv() Options {
	o.SafetyFactor = ParseFloat("SCROBSKY_SAFETY_FACTOR", o.SafetyFactor)
	o.Aggressive = ParseBool("SCROBSKY_AGGRESSIVE", o.Aggressive)
	o.DryRun = ParseBool("SCROBSKY_DRY_RUN", o.DryRun)
	o.BatchSize = ParseInt("SCROBSKY_BATCH_SIZE", o.BatchSize)
	o.BatchDelayMs = ParseInt("SCROBSKY_BATCH_DELAY_MS", o.BatchDelayMs)
	o.MaxAttempts = ParseInt("SCROBSKY_MAX_ATTEMPTS", o.MaxAttempts)
	o.TimeoutMs = ParseInt("SCROBSKY_TIMEOUT_MS", o.TimeoutMs)
	o.CacheTTLHours = ParseInt("SCROBSKY_CACHE_TTL_HOURS", o.CacheTTLHours)
	o.Collection = ParseString("SCROBSKY_COLLECTION", o.Collection)
	o.Resolver = ParseString("SCROBSKY_RESOLVER", o.Resolver)
	o.LogLevel = ParseString("SCROBSKY_LOG_LEVEL", o.LogLevel)
	o.StateDir = ParseString("SCROBSKY_STATE_DIR", o.StateDir)
	o.MetricsAddr = ParseString("SCROBSKY_METRICS_ADDR", o.MetricsAddr)
	o.TelemetryEnabled = ParseBool("SCROBSKY_OTEL_ENABLED", o.TelemetryEnabled)
	o.TelemetryExporter = ParseString("SCROBSKY_OTEL_EXPORTER", o.TelemetryExporter)
	o.TelemetryEndpoint = ParseString("SCROBSKY_OTEL_ENDPOINT", o.TelemetryEndpoint)
	return o
}

// EffectiveSafetyFactor resolves the aggressive shortcut against the explicit
// safety factor. An explicit non-default factor wins over the shortcut.
func (o Options) EffectiveSafetyFactor() float64 {
	if o.Aggressive && o.SafetyFactor == DefaultSafetyFactor {
		return AggressiveSafetyFactor
	}
	return o.SafetyFactor
}

// Timeout returns the per-request timeout as a duration.
func (o Options) Timeout() time.Duration {
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

// CacheTTL returns the cache validity window as a duration.
func (o Options) CacheTTL() time.Duration {
	return time.Duration(o.CacheTTLHours) * time.Hour
}

// Validate rejects option combinations the publisher cannot honor.
func (o Options) Validate() error {
	if o.SafetyFactor <= 0 || o.SafetyFactor > 1 {
		return fmt.Errorf("safetyFactor must be in (0,1], got %v", o.SafetyFactor)
	}
	if o.BatchSize < 0 || o.BatchSize > 200 {
		return fmt.Errorf("batchSize must be in [0,200], got %d", o.BatchSize)
	}
	if o.MaxAttempts < 1 {
		return fmt.Errorf("maxAttempts must be at least 1, got %d", o.MaxAttempts)
	}
	if o.TimeoutMs < 1000 {
		return fmt.Errorf("timeoutMs must be at least 1000, got %d", o.TimeoutMs)
	}
	if o.CacheTTLHours < 1 {
		return fmt.Errorf("cacheTtlHours must be at least 1, got %d", o.CacheTTLHours)
	}
	if o.Collection == "" {
		return fmt.Errorf("collection must not be empty")
	}
	return nil
}
