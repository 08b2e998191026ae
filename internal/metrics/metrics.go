// Package metrics provides Prometheus metrics collection for fabricbench.
//
// The responder exposes these at /metrics on its HTTP port:
//
// Transfer metrics:
//   - fabricbench_transfers_total: transfer submissions by mode and status
//   - fabricbench_transfer_duration_seconds: per-iteration latency histogram
//   - fabricbench_bytes_transferred_total: payload bytes moved by mode
//
// Run metrics:
//   - fabricbench_runs_total: benchmark runs by mode and outcome
//   - fabricbench_buffer_mismatches_total: runs whose buffers differed
//
// Responder metrics:
//   - fabricbench_validations_total: validation callbacks by status
//   - fabricbench_responder_state: current responder state machine position
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransfersTotal counts transfer submissions.
	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabricbench_transfers_total",
			Help: "Total transfer submissions",
		},
		[]string{"mode", "status"},
	)

	// TransferDuration tracks per-iteration transfer duration.
	TransferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fabricbench_transfer_duration_seconds",
			Help:    "Per-iteration transfer duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000001, 4, 12),
		},
		[]string{"mode"},
	)

	// BytesTransferred counts payload bytes moved.
	BytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabricbench_bytes_transferred_total",
			Help: "Total payload bytes moved",
		},
		[]string{"mode"},
	)

	// RunsTotal counts benchmark runs.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabricbench_runs_total",
			Help: "Total benchmark runs",
		},
		[]string{"mode", "outcome"},
	)

	// BufferMismatches counts runs whose local and remote buffers differed.
	BufferMismatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fabricbench_buffer_mismatches_total",
			Help: "Benchmark runs with mismatched buffers after transfer",
		},
	)

	// ValidationsTotal counts responder validation callbacks.
	ValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabricbench_validations_total",
			Help: "Validation callbacks observed by the responder",
		},
		[]string{"status"},
	)

	// ResponderState tracks the responder state machine
	// (0=initializing, 1=running, 2=stopping, 3=stopped).
	ResponderState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fabricbench_responder_state",
			Help: "Responder state (0=initializing, 1=running, 2=stopping, 3=stopped)",
		},
	)
)
