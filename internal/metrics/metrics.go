// Package metrics holds the prometheus collectors, registered on the default
// registry through promauto.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests received.",
		},
		[]string{"method", "path", "code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "code"},
	)

	// PaymentsTotal counts ledger transitions by resulting status.
	PaymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dues_payments_total",
			Help: "Payments moved to a terminal status.",
		},
		[]string{"status"},
	)

	// DuplicateCaptures counts capture calls that found the payment already settled.
	DuplicateCaptures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dues_duplicate_captures_total",
		Help: "Capture requests answered from an already terminal payment.",
	})

	GatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dues_gateway_request_duration_seconds",
			Help:    "Latency of payment gateway calls.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op", "outcome"},
	)

	IdentityEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dues_identity_events_total",
			Help: "Identity events processed by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	RemindersSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dues_reminders_sent_total",
		Help: "DebtReminder events published.",
	})
)

// ObserveGateway records one gateway call.
func ObserveGateway(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	GatewayRequestDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
}

// GinMiddleware records request count and latency per route template.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		code := strconv.Itoa(c.Writer.Status())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, code).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path, code).Observe(time.Since(start).Seconds())
	}
}
