package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "endpoint"},
	)

	// 信号处理端到端耗时，桶围绕 100ms/200ms 预算设置
	SignalProcessDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "signal_process_duration_seconds",
			Help:    "End-to-end processing time of one behavioral signal",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1},
		},
	)

	SignalCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signals_total",
			Help: "Behavioral signals by outcome (accepted / rejection reason)",
		},
		[]string{"outcome"},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_sessions",
			Help: "Number of live session actors",
		},
	)

	InterventionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "interventions_total",
			Help: "Intervention decisions by outcome (triggered / suppression reason)",
		},
		[]string{"outcome"},
	)

	AlertCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instructor_alerts_total",
			Help: "Instructor alerts by type",
		},
		[]string{"type"},
	)

	PurgeTaskCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "purge_tasks_total",
			Help: "Consent withdrawal purge tasks by outcome",
		},
		[]string{"outcome"},
	)

	// 系统级故障（同意库不可达等），监控告警直接挂在该指标上
	OperationalErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "operational_errors_total",
			Help: "Systemic failures escalated to operators",
		},
		[]string{"component"},
	)

	AlertFeedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "alert_feed_clients",
			Help: "Connected instructor dashboard websocket clients",
		},
	)
)

func Init() {
	prometheus.MustRegister(RequestCounter)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(SignalProcessDuration)
	prometheus.MustRegister(SignalCounter)
	prometheus.MustRegister(ActiveSessions)
	prometheus.MustRegister(InterventionCounter)
	prometheus.MustRegister(AlertCounter)
	prometheus.MustRegister(PurgeTaskCounter)
	prometheus.MustRegister(OperationalErrors)
	prometheus.MustRegister(AlertFeedClients)
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := c.Writer.Status()

		RequestCounter.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(status),
		).Inc()

		RequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
		).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
