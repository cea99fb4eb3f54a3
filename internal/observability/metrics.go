package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	modelRequestTotal    *prometheus.CounterVec
	modelRequestDuration prometheus.Histogram
	modelRetryTotal      *prometheus.CounterVec

	actionTotal    *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec

	stepsTotal         prometheus.Counter
	sessionsActive     prometheus.Gauge
	sessionTotal       *prometheus.CounterVec
	sessionDuration    prometheus.Histogram
	provisionWait      prometheus.Histogram
	creditsDeducted    prometheus.Counter
	dailyTaskTotal     *prometheus.CounterVec
	safetyChecksTotal  *prometheus.CounterVec
	deployRejectsTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			modelRequestTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "model_request_total",
					Help: "Total model requests by final status.",
				},
				[]string{"status"},
			),
			modelRequestDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "model_request_duration_seconds",
					Help:    "Model request duration in seconds, successful attempts only.",
					Buckets: prometheus.DefBuckets,
				},
			),
			modelRetryTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "model_retry_total",
					Help: "Total model request retries by classified cause.",
				},
				[]string{"cause"},
			),
			actionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "browser_action_total",
					Help: "Total browser actions by action type and status.",
				},
				[]string{"action", "status"},
			),
			actionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "browser_action_duration_seconds",
					Help:    "Browser action duration in seconds by action type.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"action"},
			),
			stepsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "agent_steps_total",
					Help: "Total agent loop steps executed.",
				},
			),
			sessionsActive: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "agent_sessions_active",
					Help: "Currently running agent sessions.",
				},
			),
			sessionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_session_total",
					Help: "Total agent sessions by terminal status.",
				},
				[]string{"status"},
			),
			sessionDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "agent_session_duration_seconds",
					Help:    "Agent session wall-clock duration in seconds.",
					Buckets: []float64{30, 60, 120, 300, 600, 1200, 1800, 3600},
				},
			),
			provisionWait: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "browser_provision_wait_seconds",
					Help:    "Time spent waiting for a browser session to become ready.",
					Buckets: []float64{1, 2, 5, 10, 30, 60, 90},
				},
			),
			creditsDeducted: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "billing_credits_deducted_total",
					Help: "Total metered credits deducted for completed sessions.",
				},
			),
			dailyTaskTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "daily_task_total",
					Help: "Total daily task transitions by outcome.",
				},
				[]string{"outcome"},
			),
			safetyChecksTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "safety_check_total",
					Help: "Total safety check resolutions by decision.",
				},
				[]string{"decision"},
			),
			deployRejectsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "deploy_reject_total",
					Help: "Total rejected deployment requests by reason.",
				},
				[]string{"reason"},
			),
		}

		prometheus.MustRegister(
			m.modelRequestTotal,
			m.modelRequestDuration,
			m.modelRetryTotal,
			m.actionTotal,
			m.actionDuration,
			m.stepsTotal,
			m.sessionsActive,
			m.sessionTotal,
			m.sessionDuration,
			m.provisionWait,
			m.creditsDeducted,
			m.dailyTaskTotal,
			m.safetyChecksTotal,
			m.deployRejectsTotal,
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

// RecordModelRequest records the terminal outcome of a model request
func RecordModelRequest(status string, duration time.Duration) {
	m := getMetrics()
	m.modelRequestTotal.WithLabelValues(status).Inc()
	if status == "success" {
		m.modelRequestDuration.Observe(duration.Seconds())
	}
}

// RecordModelRetry records one scheduled retry by classified cause
func RecordModelRetry(cause string) {
	getMetrics().modelRetryTotal.WithLabelValues(cause).Inc()
}

// RecordAction records one browser action execution
func RecordAction(action string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "success"
	if !success {
		status = "error"
	}
	m.actionTotal.WithLabelValues(action, status).Inc()
	m.actionDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordStep counts one agent loop iteration
func RecordStep() {
	getMetrics().stepsTotal.Inc()
}

// SessionStarted marks a session as running
func SessionStarted() {
	getMetrics().sessionsActive.Inc()
}

// SessionFinished records a session's terminal status and duration
func SessionFinished(status string, duration time.Duration) {
	m := getMetrics()
	m.sessionsActive.Dec()
	m.sessionTotal.WithLabelValues(status).Inc()
	m.sessionDuration.Observe(duration.Seconds())
}

// RecordProvisionWait records how long readiness polling took
func RecordProvisionWait(d time.Duration) {
	getMetrics().provisionWait.Observe(d.Seconds())
}

// RecordCreditsDeducted counts metered credits charged
func RecordCreditsDeducted(credits int) {
	getMetrics().creditsDeducted.Add(float64(credits))
}

// RecordDailyTask records a daily task transition outcome
func RecordDailyTask(outcome string) {
	getMetrics().dailyTaskTotal.WithLabelValues(outcome).Inc()
}

// RecordSafetyCheck records one safety check decision
func RecordSafetyCheck(accepted bool) {
	decision := "accepted"
	if !accepted {
		decision = "rejected"
	}
	getMetrics().safetyChecksTotal.WithLabelValues(decision).Inc()
}

// RecordDeployReject records a rejected deployment request
func RecordDeployReject(reason string) {
	getMetrics().deployRejectsTotal.WithLabelValues(reason).Inc()
}
