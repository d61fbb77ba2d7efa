package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmerrifield20/auditledger/internal/ledger"
)

var (
	ledgerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	ledgerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	ledgerRecordsAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_records_appended_total",
		Help: "Total audit records durably appended.",
	})

	ledgerAppendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_append_errors_total",
		Help: "Rejected or failed appends by HTTP status.",
	}, []string{"status"})

	ledgerVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_verifications_total",
		Help: "Chain verifications by result and failure kind.",
	}, []string{"result", "kind"})

	ledgerHeadSeq = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ledger_head_seq",
		Help: "Sequence number of the most recently appended record per tenant.",
	}, []string{"tenant_id"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		ledgerRequestsTotal.WithLabelValues(method, path, status).Inc()
		ledgerRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordLedgerAppend is a ledger.AppendHook.
func RecordLedgerAppend(rec *ledger.Record) {
	ledgerRecordsAppended.Inc()
	ledgerHeadSeq.WithLabelValues(rec.TenantID).Set(float64(rec.Seq))
}

// RecordAppendError counts an append rejected with the given HTTP status.
func RecordAppendError(status int) {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	ledgerAppendErrors.WithLabelValues(strconv.Itoa(status)).Inc()
}

// RecordVerification counts a verification outcome.
func RecordVerification(res ledger.Result) {
	kind := ""
	if res.Failure != nil {
		kind = string(res.Failure.Kind)
	}
	ledgerVerificationsTotal.WithLabelValues(string(res.Result), kind).Inc()
}
