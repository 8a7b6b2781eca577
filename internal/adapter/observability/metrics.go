package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rpa_jobs_submitted_total",
			Help: "Total number of jobs submitted to the queue",
		},
	)
	JobsClaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rpa_jobs_claimed_total",
			Help: "Total number of successful job claims",
		},
	)
	JobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpa_jobs_finished_total",
			Help: "Total number of jobs reaching a terminal state",
		},
		[]string{"status"},
	)
	JobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rpa_jobs_running",
			Help: "Number of jobs currently executing on this process",
		},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rpa_queue_depth",
			Help: "Number of jobs per queue state",
		},
		[]string{"state"},
	)

	NodeExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpa_node_executions_total",
			Help: "Total node executions by node type and outcome",
		},
		[]string{"node_type", "outcome"},
	)
	NodeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rpa_node_duration_seconds",
			Help:    "Node execution duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60, 120},
		},
		[]string{"node_type"},
	)

	RobotsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rpa_robots",
			Help: "Registered robots per status",
		},
		[]string{"status"},
	)
	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rpa_heartbeats_total",
			Help: "Total robot heartbeats received",
		},
	)

	LeaseSweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rpa_lease_sweeps_total",
			Help: "Total lease reaper sweeps",
		},
	)
	LeasesReapedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpa_leases_reaped_total",
			Help: "Jobs recovered from expired leases by disposition",
		},
		[]string{"disposition"},
	)

	CircuitBreakerStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rpa_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	WSClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rpa_ws_clients",
			Help: "Connected websocket event subscribers",
		},
	)
	EventFramesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rpa_event_frames_dropped_total",
			Help: "Event frames dropped because a subscriber fell behind",
		},
	)
)

var initOnce sync.Once

// InitMetrics registers all collectors. Safe to call from both binaries.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(HTTPRequestsTotal)
		prometheus.MustRegister(HTTPRequestDuration)
		prometheus.MustRegister(JobsSubmittedTotal)
		prometheus.MustRegister(JobsClaimedTotal)
		prometheus.MustRegister(JobsFinishedTotal)
		prometheus.MustRegister(JobsRunning)
		prometheus.MustRegister(QueueDepth)
		prometheus.MustRegister(NodeExecutionsTotal)
		prometheus.MustRegister(NodeDuration)
		prometheus.MustRegister(RobotsByStatus)
		prometheus.MustRegister(HeartbeatsTotal)
		prometheus.MustRegister(CircuitBreakerStateGauge)
		prometheus.MustRegister(LeaseSweepsTotal)
		prometheus.MustRegister(LeasesReapedTotal)
		prometheus.MustRegister(WSClients)
		prometheus.MustRegister(EventFramesDroppedTotal)
	})
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// ObserveNodeExecution records one node run.
func ObserveNodeExecution(nodeType, outcome string, dur time.Duration) {
	NodeExecutionsTotal.WithLabelValues(nodeType, outcome).Inc()
	NodeDuration.WithLabelValues(nodeType).Observe(dur.Seconds())
}

// JobStarted and JobFinished bracket one engine run on the agent.
func JobStarted() { JobsRunning.Inc() }

func JobFinished(status string) {
	JobsRunning.Dec()
	JobsFinishedTotal.WithLabelValues(status).Inc()
}
