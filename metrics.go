package transactions

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const buildVersion = "v1.0.0"

var (
	meter = otel.Meter("github.com/couchbaselabs/txnengine",
		metric.WithInstrumentationVersion(buildVersion))
)

var (
	// cleanupAttempts counts every attempt made to clean up an ATR entry,
	// whether it came from this client or was found by lost cleanup.
	cleanupAttempts, _ = meter.Int64Counter("txnengine.cleanup.attempts")

	// cleanupFailures counts cleanup attempts which left the entry in place.
	cleanupFailures, _ = meter.Int64Counter("txnengine.cleanup.failures")

	// cleanupDroppedRequests counts requests refused because the queue was full.
	cleanupDroppedRequests, _ = meter.Int64Counter("txnengine.cleanup.dropped_requests")

	lostCleanupATRsScanned, _    = meter.Int64Counter("txnengine.lost_cleanup.atrs_scanned")
	lostCleanupEntriesFound, _   = meter.Int64Counter("txnengine.lost_cleanup.expired_entries")
	lostCleanupClientsRemoved, _ = meter.Int64Counter("txnengine.lost_cleanup.clients_removed")
)

func cleanupAttrs(regular bool, state AttemptState) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.Bool("regular", regular),
		attribute.String("state", state.String()),
	)
}
