// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the application.
const (
	// Batch attributes
	BatchSizeKey      = "batch.size"
	BatchLatencyKey   = "batch.latency_ms"
	BatchOutcomeKey   = "batch.outcome"
	BatchCollection   = "batch.collection"
	BatchFirstKey     = "batch.first_rkey"

	// Quota attributes
	QuotaLimitKey     = "quota.limit"
	QuotaRemainingKey = "quota.remaining"
	QuotaCostKey      = "quota.cost"

	// Run attributes
	RunAccountKey   = "run.account"
	RunTotalKey     = "run.total"
	RunPublishedKey = "run.published"
	RunSkippedKey   = "run.skipped"
	RunFailedKey    = "run.failed"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// BatchAttributes creates batch-write span attributes.
func BatchAttributes(collection, outcome string, size int, latencyMS int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(BatchCollection, collection),
		attribute.String(BatchOutcomeKey, outcome),
		attribute.Int(BatchSizeKey, size),
		attribute.Int64(BatchLatencyKey, latencyMS),
	}
}

// QuotaAttributes creates governor-related span attributes.
func QuotaAttributes(limit, remaining, cost int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64(QuotaLimitKey, limit),
		attribute.Int64(QuotaRemainingKey, remaining),
		attribute.Int64(QuotaCostKey, cost),
	}
}

// RunAttributes creates run-summary span attributes.
func RunAttributes(account string, total, published, skipped, failed int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(RunAccountKey, account),
		attribute.Int(RunTotalKey, total),
		attribute.Int(RunPublishedKey, published),
		attribute.Int(RunSkippedKey, skipped),
		attribute.Int(RunFailedKey, failed),
	}
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
