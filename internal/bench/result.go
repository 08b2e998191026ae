package bench

import "github.com/piwi3910/fabricbench/internal/translist"

// Request describes one benchmark run.
type Request struct {
	// Mode is the transfer strategy to measure.
	Mode Mode

	// Repeat is the number of back-to-back iterations. Must be at least 1.
	Repeat int

	// List describes what each iteration moves.
	List *translist.List
}

// Result aggregates one benchmark run.
//
// Runtimes holds one value per iteration: throughput in bytes per
// microsecond, or 0 for an iteration whose submission failed. Throughput is
// total bytes over the outer wall-clock span of the whole repeated run, not
// the sum of per-iteration times: iterations run back-to-back, so summing
// would double-count engine warm-up and drain overlap. Both numbers are
// reported; peak single-iteration and sustained aggregate answer different
// questions.
type Result struct {
	RunID        string    `json:"run_id" yaml:"run_id"`
	Mode         string    `json:"mode" yaml:"mode"`
	SuccessCount int       `json:"success_count" yaml:"success_count"`
	BuffersMatch bool      `json:"buffers_match" yaml:"buffers_match"`
	TotalBytes   uint64    `json:"total_bytes" yaml:"total_bytes"`
	TotalRuntime uint64    `json:"total_runtime_us" yaml:"total_runtime_us"`
	Throughput   float64   `json:"throughput_bytes_per_us" yaml:"throughput_bytes_per_us"`
	Runtimes     []float64 `json:"iteration_throughputs" yaml:"iteration_throughputs"`
}
