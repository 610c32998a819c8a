package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeResolved  = "resolved"
	OutcomeExpired   = "expired"
	OutcomeCancelled = "cancelled"
	OutcomeWithdrawn = "withdrawn"
	OutcomeLate      = "late"

	RetainCommitted = "committed"
	RetainNoop      = "noop"
	RetainConflict  = "conflict"
	RetainMismatch  = "mismatch"
	RetainError     = "error"
)

var (
	registerOnce sync.Once

	pendingCalls = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "redcoll",
			Subsystem: "calls",
			Name:      "pending",
			Help:      "Calls awaiting a response, timeout, or cancellation.",
		},
		[]string{"channel"},
	)
	callOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "redcoll",
			Subsystem: "calls",
			Name:      "outcomes_total",
			Help:      "Terminal transitions of pending calls, plus late responses.",
		},
		[]string{"channel", "outcome"},
	)
	retainAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "redcoll",
			Subsystem: "retain",
			Name:      "attempts_total",
			Help:      "Watched retain-only transaction attempts by result.",
		},
		[]string{"result"},
	)
	workerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "redcoll",
			Subsystem: "worker",
			Name:      "requests_total",
			Help:      "Remote service requests handled by workers.",
		},
		[]string{"service", "method", "success"},
	)
	workerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "redcoll",
			Subsystem: "worker",
			Name:      "request_duration_seconds",
			Help:      "Remote service handler duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "success"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "redcoll",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(pendingCalls, callOutcomes, retainAttempts, workerRequests, workerDuration, httpRequests)
	})
}

func RecordCallRegistered(channel string) {
	RegisterMetrics()
	pendingCalls.WithLabelValues(channel).Inc()
}

// RecordCallOutcome counts one outcome. Every outcome except late also leaves the pending set.
func RecordCallOutcome(channel, outcome string) {
	RegisterMetrics()
	callOutcomes.WithLabelValues(channel, outcome).Inc()
	if outcome != OutcomeLate {
		pendingCalls.WithLabelValues(channel).Dec()
	}
}

func RecordRetainAttempt(result string) {
	RegisterMetrics()
	retainAttempts.WithLabelValues(result).Inc()
}

func RecordWorkerRequest(service, method string, duration time.Duration, success bool) {
	RegisterMetrics()
	successLabel := strconv.FormatBool(success)
	workerRequests.WithLabelValues(service, method, successLabel).Inc()
	workerDuration.WithLabelValues(service, method, successLabel).Observe(duration.Seconds())
}

func RecordHTTPRequest(node, method, path string, status int) {
	RegisterMetrics()
	httpRequests.WithLabelValues(node, method, path, strconv.Itoa(status)).Inc()
}
