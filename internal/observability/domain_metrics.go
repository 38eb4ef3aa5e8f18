package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckchat_turns_total",
			Help: "Total number of user inputs processed, by dispatch path.",
		},
		[]string{"path"},
	)
	generationDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "duckchat_generation_duration_seconds",
			Help:    "Latency of generation model calls.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
		},
	)
	generationFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "duckchat_generation_failures_total",
			Help: "Total number of failed generation model calls.",
		},
	)
	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckchat_executions_total",
			Help: "Total number of warehouse statement executions, by status.",
		},
		[]string{"status"},
	)
	executionDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "duckchat_execution_duration_seconds",
			Help:    "Latency of warehouse statement executions.",
			Buckets: prometheus.DefBuckets,
		},
	)
	correctionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckchat_corrections_total",
			Help: "Total number of self-correction loops, by final state.",
		},
		[]string{"outcome"},
	)
	statementsRefusedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "duckchat_statements_refused_total",
			Help: "Total number of mutating statements refused before execution.",
		},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "duckchat_active_sessions",
			Help: "Current number of live chat sessions.",
		},
	)
	exportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckchat_exports_total",
			Help: "Total number of result exports, by status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		turnsTotal,
		generationDurationSeconds,
		generationFailuresTotal,
		executionsTotal,
		executionDurationSeconds,
		correctionsTotal,
		statementsRefusedTotal,
		activeSessions,
		exportsTotal,
	)
}

func ObserveTurn(path string) {
	turnsTotal.WithLabelValues(path).Inc()
}

func ObserveGeneration(elapsed time.Duration, err error) {
	generationDurationSeconds.Observe(elapsed.Seconds())
	if err != nil {
		generationFailuresTotal.Inc()
	}
}

func ObserveExecution(elapsed time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	executionsTotal.WithLabelValues(status).Inc()
	executionDurationSeconds.Observe(elapsed.Seconds())
}

func ObserveCorrection(outcome string) {
	correctionsTotal.WithLabelValues(outcome).Inc()
}

func IncrementRefusedStatements() {
	statementsRefusedTotal.Inc()
}

func SetActiveSessions(count int) {
	if count < 0 {
		count = 0
	}
	activeSessions.Set(float64(count))
}

func ObserveExport(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	exportsTotal.WithLabelValues(status).Inc()
}
