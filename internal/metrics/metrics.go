// Package metrics exposes Prometheus instrumentation for the poller and the
// aggregation pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Poll result label values.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Feed violation kinds.
const (
	ViolationMalformedTimestamp = "malformed_timestamp"
	ViolationNonMonotonic       = "non_monotonic"
)

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	PollsTotal     *prometheus.CounterVec
	PollDuration   prometheus.Histogram
	EventsMerged   prometheus.Counter
	MergeConflicts prometheus.Counter
	FeedViolations *prometheus.CounterVec
	TokenRefreshes prometheus.Counter
}

// New registers the collectors with reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PollsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wrapped_polls_total",
			Help: "Number of user polls, by result.",
		}, []string{"result"}),
		PollDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "wrapped_poll_duration_seconds",
			Help:    "Duration of a single user poll.",
			Buckets: prometheus.DefBuckets,
		}),
		EventsMerged: factory.NewCounter(prometheus.CounterOpts{
			Name: "wrapped_events_merged_total",
			Help: "Number of listen events merged into ledgers.",
		}),
		MergeConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "wrapped_merge_conflicts_total",
			Help: "Number of conditional merges dropped because a newer state was already recorded.",
		}),
		FeedViolations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wrapped_feed_violations_total",
			Help: "Number of polls aborted on feed invariant violations, by kind.",
		}, []string{"kind"}),
		TokenRefreshes: factory.NewCounter(prometheus.CounterOpts{
			Name: "wrapped_token_refreshes_total",
			Help: "Number of access token refreshes performed.",
		}),
	}
}
