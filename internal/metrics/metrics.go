// Package metrics provides Prometheus metrics for monitoring the reliability engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AttemptsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_attempts_recorded_total",
			Help: "Total number of delivery attempts recorded by strategy and result",
		},
		[]string{"strategy", "result"},
	)
	AttemptsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_attempts_dropped_total",
			Help: "Total number of attempt records dropped because the ingestion queue was full",
		},
	)
	AttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_attempt_duration_seconds",
			Help:    "Delivery attempt duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"strategy", "result"},
	)
	StrategySwitches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_strategy_switches_total",
			Help: "Total number of active strategy switches",
		},
		[]string{"from", "to", "trigger"},
	)
	StrategyScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_strategy_score",
			Help: "Latest score computed for each strategy",
		},
		[]string{"strategy"},
	)
	OverallReliability = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_overall_reliability_score",
			Help: "Overall reliability score of the latest report",
		},
	)
	ActiveStrategy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_active_strategy",
			Help: "Currently active strategy (1 for the active one, 0 otherwise)",
		},
		[]string{"strategy"},
	)
	HealthStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_health_status",
			Help: "Overall health status (0 healthy, 1 warning, 2 critical)",
		},
	)
	ConsecutiveFailures = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_consecutive_failures",
			Help: "Current number of consecutive failed attempts",
		},
	)
	Recoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_auto_recoveries_total",
			Help: "Total number of automatic recovery runs",
		},
		[]string{"strategy_changed"},
	)
	ReportsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_reports_requested_total",
			Help: "Total number of reliability report requests by refresh mode",
		},
		[]string{"refresh"},
	)
	PersistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_persistence_errors_total",
			Help: "Total number of failed writes to the persistence layer",
		},
		[]string{"store"},
	)
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_attempt_queue_depth",
			Help: "Current depth of the attempt ingestion queue",
		},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

var knownStrategies = []string{
	"WORK_MANAGER_EXPEDITED",
	"WORK_MANAGER_NORMAL",
	"FOREGROUND_SERVICE",
	"HYBRID_AUTO_SWITCH",
}

func RecordAttempt(strategy string, success bool, duration time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	AttemptsRecorded.WithLabelValues(strategy, result).Inc()
	AttemptDuration.WithLabelValues(strategy, result).Observe(duration.Seconds())
}

func RecordAttemptDropped() {
	AttemptsDropped.Inc()
}

func RecordStrategySwitch(from, to, trigger string) {
	StrategySwitches.WithLabelValues(from, to, trigger).Inc()
	UpdateActiveStrategy(to)
}

func UpdateActiveStrategy(active string) {
	for _, s := range knownStrategies {
		v := 0.0
		if s == active {
			v = 1
		}
		ActiveStrategy.WithLabelValues(s).Set(v)
	}
}

func UpdateStrategyScores(scores map[string]float64, overall float64) {
	for s, score := range scores {
		StrategyScore.WithLabelValues(s).Set(score)
	}
	OverallReliability.Set(overall)
}

func UpdateHealth(status int, consecutiveFailures int) {
	HealthStatus.Set(float64(status))
	ConsecutiveFailures.Set(float64(consecutiveFailures))
}

func RecordRecovery(strategyChanged bool) {
	label := "false"
	if strategyChanged {
		label = "true"
	}
	Recoveries.WithLabelValues(label).Inc()
}

func RecordReportRequest(forceRefresh bool) {
	label := "cached"
	if forceRefresh {
		label = "forced"
	}
	ReportsGenerated.WithLabelValues(label).Inc()
}

func RecordPersistenceError(store string) {
	PersistenceErrors.WithLabelValues(store).Inc()
}

func UpdateQueueDepth(depth int) {
	QueueDepth.Set(float64(depth))
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
