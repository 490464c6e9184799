// Package metrics holds the process Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Task outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeTimedOut  = "timed_out"
	OutcomeRejected  = "rejected"
)

var (
	namespace = "tenantstore"

	taskInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "invocations_total",
			Help:      "Task invocations by outcome",
		},
		[]string{"outcome", "source"},
	)

	taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "duration_seconds",
			Help:      "Wall time of task invocations",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"outcome"},
	)

	programCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "program_cache_total",
			Help:      "Compiled program cache lookups",
		},
		[]string{"result"},
	)

	documentWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "documents",
			Name:      "writes_total",
			Help:      "Successful document writes by type",
		},
		[]string{"type"},
	)

	indexFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "security",
			Name:      "index_failures_total",
			Help:      "Declared indexes that could not be applied",
		},
	)

	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// ObserveTask records one finished invocation.
func ObserveTask(outcome, source string, d time.Duration) {
	taskInvocations.WithLabelValues(outcome, source).Inc()
	taskDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func ProgramCacheHit()  { programCache.WithLabelValues("hit").Inc() }
func ProgramCacheMiss() { programCache.WithLabelValues("miss").Inc() }

func DocumentWrite(eventType string) {
	documentWrites.WithLabelValues(eventType).Inc()
}

func IndexFailure() {
	indexFailures.Inc()
}

// ObserveRequest records one served HTTP request. route is the matched
// route pattern, not the raw path.
func ObserveRequest(method, route string, status int, d time.Duration) {
	httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
