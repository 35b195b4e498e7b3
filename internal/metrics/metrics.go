// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionState is 1 for the current session state and 0 for the others.
	SessionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "paqetd_session_state",
			Help: "Current tunnel session state (1 for the active state)",
		},
		[]string{"state"},
	)

	// SessionStartsTotal counts start attempts by result.
	SessionStartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paqetd_session_starts_total",
			Help: "Total number of session start attempts",
		},
		[]string{"result"},
	)

	// ProcessExitsTotal counts proxy exits by kind (requested, crashed).
	ProcessExitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paqetd_process_exits_total",
			Help: "Total number of proxy process exits",
		},
		[]string{"kind"},
	)

	// LogLinesTotal counts proxy output lines by stream and level.
	LogLinesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paqetd_log_lines_total",
			Help: "Total number of proxy output lines",
		},
		[]string{"stream", "level"},
	)

	// LogLinesDroppedTotal counts lines discarded by the bounded output queue.
	LogLinesDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "paqetd_log_lines_dropped_total",
			Help: "Total number of proxy output lines dropped under backpressure",
		},
	)

	// StopDurationSeconds measures how long a requested stop took to reap the proxy.
	StopDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "paqetd_stop_duration_seconds",
			Help:    "Time from stop request to process reaped",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
		[]string{"escalated"},
	)

	// ProcessRSSBytes is the resident set size of the running proxy.
	ProcessRSSBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "paqetd_process_rss_bytes",
			Help: "Resident memory of the proxy process",
		},
	)

	// ProcessCPUPercent is the CPU usage of the running proxy.
	ProcessCPUPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "paqetd_process_cpu_percent",
			Help: "CPU usage of the proxy process in percent",
		},
	)

	// HistoryRecordsPruned counts session history rows removed by GC.
	HistoryRecordsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "paqetd_history_records_pruned_total",
			Help: "Total number of session history records pruned",
		},
	)
)

// Exit kinds for ProcessExitsTotal.
const (
	ExitRequested = "requested"
	ExitCrashed   = "crashed"
)

// SetSessionState marks state as the active one among states.
func SetSessionState(state string, states []string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		SessionState.WithLabelValues(s).Set(v)
	}
}
