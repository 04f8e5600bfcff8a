package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EntriesStoredTotal tracks history entries appended to the local store.
	EntriesStoredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "history_entries_stored_total",
		Help: "Total history entries appended to the local store",
	})

	// EntriesExpiredTotal tracks entries removed by TTL expiry.
	EntriesExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "history_entries_expired_total",
		Help: "Total history entries removed by retention TTL",
	})

	// EntriesEvictedTotal tracks entries removed by watermark eviction.
	EntriesEvictedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "history_entries_evicted_total",
		Help: "Total history entries removed by watermark eviction",
	})

	// StoreErrorsTotal tracks failed store writes.
	StoreErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "history_store_errors_total",
		Help: "Total store write failures",
	})

	// QueriesTotal tracks served history queries by source.
	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "history_queries_total",
		Help: "Total history queries served",
	}, []string{"source"}) // local | federated

	// FederationTimeoutsTotal tracks federated queries finalized by deadline.
	FederationTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "history_federation_timeouts_total",
		Help: "Total federated queries finalized with partial results at deadline",
	})

	// RedactionsTotal tracks redactions applied to the local store.
	RedactionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "history_redactions_total",
		Help: "Total redactions applied locally",
	})

	// WritesForwardedTotal tracks writes forwarded to storage peers.
	WritesForwardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "history_writes_forwarded_total",
		Help: "Total writes forwarded to storage servers",
	})

	// WritesDroppedTotal tracks frames dropped on full peer send channels.
	WritesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "history_writes_dropped_total",
		Help: "Total frames dropped due to full peer send channels",
	})

	// PeersConnected tracks linked federation peers.
	PeersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "history_peers_connected",
		Help: "Current number of linked federation peers",
	})

	// SessionsCurrent tracks connected gateway sessions.
	SessionsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "history_sessions_current",
		Help: "Current number of gateway sessions",
	})

	// StoreUsageBytes tracks the accounted size of stored values.
	StoreUsageBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "history_store_usage_bytes",
		Help: "Accounted bytes of stored history values",
	})

	// StoreUsagePercent tracks usage relative to the configured maximum.
	StoreUsagePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "history_store_usage_percent",
		Help: "Store usage as a percentage of store.max_bytes",
	})

	// PendingQueries tracks open federation queries.
	PendingQueries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "history_pending_queries",
		Help: "Current number of pending federation queries",
	})
)

func IncrementStored()           { EntriesStoredTotal.Inc() }
func IncrementStoreErrors()      { StoreErrorsTotal.Inc() }
func IncrementRedactions()       { RedactionsTotal.Inc() }
func IncrementForwarded()        { WritesForwardedTotal.Inc() }
func IncrementDropped()          { WritesDroppedTotal.Inc() }
func IncrementTimeouts()         { FederationTimeoutsTotal.Inc() }
func IncrementLocalQueries()     { QueriesTotal.WithLabelValues("local").Inc() }
func IncrementFederatedQueries() { QueriesTotal.WithLabelValues("federated").Inc() }

// AddForwarded records a flushed forward batch.
func AddForwarded(n int) { WritesForwardedTotal.Add(float64(n)) }

// AddExpired records a TTL purge batch.
func AddExpired(n int) { EntriesExpiredTotal.Add(float64(n)) }

// AddEvicted records a watermark eviction batch.
func AddEvicted(n int) { EntriesEvictedTotal.Add(float64(n)) }

// SetPeersConnected updates the linked-peer gauge.
func SetPeersConnected(n int) { PeersConnected.Set(float64(n)) }

// SetPendingQueries updates the pending-query gauge.
func SetPendingQueries(n int) { PendingQueries.Set(float64(n)) }

// SetStoreUsage updates both usage gauges.
func SetStoreUsage(bytes, maxBytes int64) {
	StoreUsageBytes.Set(float64(bytes))
	if maxBytes > 0 {
		StoreUsagePercent.Set(100 * float64(bytes) / float64(maxBytes))
	}
}
