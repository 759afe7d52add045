package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sync Metrics
	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailsync_sync_runs_total",
		Help: "Total mailbox sync runs by result",
	}, []string{"result"})

	SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mailsync_sync_duration_seconds",
		Help:    "Time taken for one mailbox sync run",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
	})

	MessagesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailsync_messages_fetched_total",
		Help: "Total messages fetched and normalized by provider",
	}, []string{"provider"})

	MessagesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailsync_messages_skipped_total",
		Help: "Total messages skipped due to per-message parse failures",
	}, []string{"provider"})

	// Transport Metrics
	TransportErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailsync_transport_errors_total",
		Help: "Total transport failures by provider and kind",
	}, []string{"provider", "kind"})

	SessionsForceClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailsync_sessions_force_closed_total",
		Help: "Total transport sessions destroyed after the graceful close timeout",
	})

	// Local Store Metrics
	StoreOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailsync_store_operations_total",
		Help: "Total local store mutations by operation",
	}, []string{"operation"})

	IndexCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailsync_index_cache_hits_total",
		Help: "Index loads served from the in-memory cache",
	})

	IndexCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailsync_index_cache_misses_total",
		Help: "Index loads that re-read and reduced the on-disk log",
	})

	IndexCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailsync_index_cache_evictions_total",
		Help: "Least-recently-used index cache evictions",
	})

	// Notification Metrics
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailsync_events_published_total",
		Help: "New-mail events published by sink",
	}, []string{"sink"})
)
