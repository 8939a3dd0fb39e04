package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	turnTotal    *prometheus.CounterVec
	turnDuration prometheus.Histogram
	activeTurns  prometheus.Gauge

	modelCallTotal    *prometheus.CounterVec
	modelCallDuration *prometheus.HistogramVec
	modelRetryTotal   *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	sessionAppendDuration *prometheus.HistogramVec
	sessionEventsTotal    *prometheus.CounterVec
	sessionBusyTotal      prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turn_total",
					Help: "Total turns by terminal status.",
				},
				[]string{"status"},
			),
			turnDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "turn_duration_seconds",
					Help:    "Turn duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			activeTurns: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_turns",
					Help: "Turns currently executing.",
				},
			),
			modelCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "model_call_total",
					Help: "Total model calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			modelCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "model_call_duration_seconds",
					Help:    "Model call duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			modelRetryTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "model_retry_total",
					Help: "Total retried model calls by provider.",
				},
				[]string{"provider"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			sessionAppendDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "session_append_duration_seconds",
					Help:    "Session event append duration in seconds by backend.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"backend"},
			),
			sessionEventsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "session_events_appended_total",
					Help: "Total events appended by backend.",
				},
				[]string{"backend"},
			),
			sessionBusyTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "session_busy_total",
					Help: "Total runs rejected because the session was busy.",
				},
			),
		}

		prometheus.MustRegister(
			m.turnTotal,
			m.turnDuration,
			m.activeTurns,
			m.modelCallTotal,
			m.modelCallDuration,
			m.modelRetryTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.sessionAppendDuration,
			m.sessionEventsTotal,
			m.sessionBusyTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func TurnStarted() {
	getMetrics().activeTurns.Inc()
}

func RecordTurn(status string, duration time.Duration) {
	m := getMetrics()
	m.activeTurns.Dec()
	m.turnTotal.WithLabelValues(status).Inc()
	m.turnDuration.Observe(duration.Seconds())
}

func RecordModelCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.modelCallTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.modelCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordModelRetry(provider string) {
	getMetrics().modelRetryTotal.WithLabelValues(provider).Inc()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordSessionAppend(backend string, duration time.Duration) {
	m := getMetrics()
	m.sessionAppendDuration.WithLabelValues(backend).Observe(duration.Seconds())
	m.sessionEventsTotal.WithLabelValues(backend).Inc()
}

func RecordSessionBusy() {
	getMetrics().sessionBusyTotal.Inc()
}
