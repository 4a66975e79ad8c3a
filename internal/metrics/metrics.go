// Package metrics provides Prometheus instrumentation for the control-plane services.
package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "molam",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path pattern, and status code.",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "molam",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	// USSDTurnsTotal counts USSD turns by resulting state.
	USSDTurnsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "molam",
		Subsystem: "ussd",
		Name:      "turns_total",
		Help:      "Total USSD turns by resulting state.",
	}, []string{"state"})

	// USSDPinLockoutsTotal counts sessions that hit the PIN lockout.
	USSDPinLockoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "molam",
		Subsystem: "ussd",
		Name:      "pin_lockouts_total",
		Help:      "Total sessions that were locked out after exceeding max PIN attempts.",
	})

	// PayoutsTotal counts smart-payout outcomes by recommended action.
	PayoutsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "molam",
		Subsystem: "payout",
		Name:      "outcomes_total",
		Help:      "Total smart-payout outcomes by recommended action.",
	}, []string{"action"})

	// RolloutPausesTotal counts auto-pause transitions.
	RolloutPausesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "molam",
		Subsystem: "rollout",
		Name:      "auto_pauses_total",
		Help:      "Total rollouts auto-paused by the error-rate sweep.",
	})

	// RollbacksTotal counts rollback attempts by outcome.
	RollbacksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "molam",
		Subsystem: "rollout",
		Name:      "rollbacks_total",
		Help:      "Total rollback attempts by success/failure.",
	}, []string{"result"})

	// ApprovalsTotal counts approval-request outcomes by terminal status.
	ApprovalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "molam",
		Subsystem: "approval",
		Name:      "outcomes_total",
		Help:      "Total approval requests by terminal status.",
	}, []string{"status"})

	// ApprovalExpiredTotal counts requests processed by the expiry worker.
	ApprovalExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "molam",
		Subsystem: "approval",
		Name:      "expired_total",
		Help:      "Total approval requests transitioned to expired by the sweep.",
	})

	// SimulationRunsTotal counts simulation runs by final status.
	SimulationRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "molam",
		Subsystem: "simulator",
		Name:      "runs_total",
		Help:      "Total simulation runs by final status.",
	}, []string{"status", "sdk_language"})

	// SimulationRunDuration observes sandboxed run duration.
	SimulationRunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "molam",
		Subsystem: "simulator",
		Name:      "run_duration_seconds",
		Help:      "Simulation run duration in seconds.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 180},
	}, []string{"sdk_language"})

	// EventBusPublishTotal counts event-bus publish attempts by result.
	EventBusPublishTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "molam",
		Subsystem: "eventbus",
		Name:      "publish_total",
		Help:      "Total event-bus publish attempts by event type and result.",
	}, []string{"event_type", "result"})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		USSDTurnsTotal,
		USSDPinLockoutsTotal,
		PayoutsTotal,
		RolloutPausesTotal,
		RollbacksTotal,
		ApprovalsTotal,
		ApprovalExpiredTotal,
		SimulationRunsTotal,
		SimulationRunDuration,
		EventBusPublishTotal,
	)
}

// GinMiddleware records request counts and latency for every route.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := c.Writer.Status()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, httpStatusLabel(status)).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the Prometheus scrape handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func httpStatusLabel(status int) string {
	switch {
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
