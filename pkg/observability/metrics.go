package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinicflow_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clinicflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Workflow metrics
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinicflow_turns_total",
			Help: "Total number of completed turns by origin and outcome",
		},
		[]string{"origin", "outcome"},
	)

	nodeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clinicflow_node_duration_seconds",
			Help:    "Node execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"node"},
	)

	failuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinicflow_failures_total",
			Help: "Total number of turns routed to error handling by category",
		},
		[]string{"category"},
	)

	degradedTurnsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clinicflow_degraded_turns_total",
			Help: "Turns served without conversation memory because the checkpoint store failed",
		},
	)

	inflightTurns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "clinicflow_inflight_turns",
			Help: "Number of turns holding a worker slot",
		},
	)

	// Storage metrics
	checkpointOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinicflow_checkpoint_ops_total",
			Help: "Checkpoint store operations by op and result",
		},
		[]string{"op", "result"},
	)

	queryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clinicflow_query_duration_seconds",
			Help:    "Domain query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"domain", "status"},
	)

	// Audit metrics
	auditEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinicflow_audit_events_total",
			Help: "Audit events by delivery result",
		},
		[]string{"result"},
	)

	initOnce sync.Once
)

// InitMetrics registers the collectors with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			turnsTotal,
			nodeDuration,
			failuresTotal,
			degradedTurnsTotal,
			inflightTurns,
			checkpointOpsTotal,
			queryDuration,
			auditEventsTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordTurn counts a completed turn.
func RecordTurn(origin, outcome string) {
	turnsTotal.WithLabelValues(origin, outcome).Inc()
}

// RecordNode records the duration of one node execution.
func RecordNode(node string, duration time.Duration) {
	nodeDuration.WithLabelValues(node).Observe(duration.Seconds())
}

// RecordFailure counts a turn routed to error handling.
func RecordFailure(category string) {
	failuresTotal.WithLabelValues(category).Inc()
}

// RecordDegradedTurn counts a turn served in degraded mode.
func RecordDegradedTurn() {
	degradedTurnsTotal.Inc()
}

// SetInflightTurns sets the in-flight turns gauge
func SetInflightTurns(n int) {
	inflightTurns.Set(float64(n))
}

// RecordCheckpointOp counts a checkpoint store call.
func RecordCheckpointOp(op, result string) {
	checkpointOpsTotal.WithLabelValues(op, result).Inc()
}

// RecordQuery records a domain query execution.
func RecordQuery(domain, status string, duration time.Duration) {
	queryDuration.WithLabelValues(domain, status).Observe(duration.Seconds())
}

// RecordAuditEvent counts an audit event by result (written, dropped, failed).
func RecordAuditEvent(result string) {
	auditEventsTotal.WithLabelValues(result).Inc()
}
