// Package bench executes benchmark runs: it drives one configured transfer
// mode for a number of back-to-back iterations against a transfer list,
// times each iteration and the whole run, triggers remote validation, and
// independently cross-checks the two buffers.
package bench

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/fabricbench/internal/backend"
	"github.com/piwi3910/fabricbench/internal/fabric"
	"github.com/piwi3910/fabricbench/internal/metrics"
	"github.com/piwi3910/fabricbench/internal/translist"
)

// Common errors.
var (
	ErrInvalidRequest = errors.New("invalid benchmark request")
	ErrNoOperation    = errors.New("no benchmarking operation is set")
)

// Engine runs benchmarks against a fabric provider. One engine handles one
// run at a time; Run must not be invoked concurrently against the same
// transfer list.
type Engine struct {
	provider fabric.Provider
}

// New creates a benchmark engine.
func New(provider fabric.Provider) *Engine {
	return &Engine{provider: provider}
}

// Run executes one benchmark run and returns its result.
//
// A zero repeat count or a nil list fails immediately with
// ErrInvalidRequest and no result. Mode NoOp returns the zero-filled result
// together with ErrNoOperation. A backend fault aborts the run; a single
// failed transfer iteration does not; it is recorded as zero throughput
// and the run continues.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Repeat < 1 {
		return nil, fmt.Errorf("%w: repeat count %d", ErrInvalidRequest, req.Repeat)
	}
	if req.List == nil {
		return nil, fmt.Errorf("%w: no transfer list", ErrInvalidRequest)
	}

	runID := uuid.NewString()
	logger := log.With().Str("run_id", runID).Str("mode", req.Mode.String()).Logger()

	result := &Result{
		RunID:    runID,
		Mode:     req.Mode.String(),
		Runtimes: make([]float64, req.Repeat),
	}

	if req.Mode == NoOp {
		logger.Error().Msg("No benchmarking operation is set")
		metrics.RunsTotal.WithLabelValues(req.Mode.String(), "config-error").Inc()
		return result, ErrNoOperation
	}

	list := req.List
	be := list.Backend()

	// Fill the local buffer with a fresh random byte. The value is the
	// transfer marker that makes this run distinguishable from the last.
	fillByte := randomByte()
	logger.Debug().Str("value", fmt.Sprintf("%02x", fillByte)).Msg("Filling local buffer with random value")
	if err := be.Fill(list.Local().Buffer(), list.SegmentSize(), fillByte); err != nil {
		return nil, fmt.Errorf("filling local buffer: %w", err)
	}

	result.TotalBytes = list.TotalSize() * uint64(req.Repeat)

	iteration, cleanup, err := e.prepare(ctx, req.Mode, list)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	logger.Info().
		Int("repeat", req.Repeat).
		Int("entries", list.EntryCount()).
		Uint64("bytes", list.TotalSize()).
		Msg("Executing benchmark")

	wallStart := time.Now()
	for i := 0; i < req.Repeat; i++ {
		iterStart := time.Now()
		err := iteration(ctx)
		elapsed := time.Since(iterStart)

		metrics.TransferDuration.WithLabelValues(req.Mode.String()).Observe(elapsed.Seconds())

		if err != nil {
			if errors.Is(err, backend.ErrInaccessible) {
				return nil, fmt.Errorf("iteration %d: %w", i, err)
			}
			logger.Error().Err(err).Int("iteration", i).Msg("Transfer failed")
			metrics.TransfersTotal.WithLabelValues(req.Mode.String(), "error").Inc()
			continue
		}

		metrics.TransfersTotal.WithLabelValues(req.Mode.String(), "ok").Inc()
		metrics.BytesTransferred.WithLabelValues(req.Mode.String()).Add(float64(list.TotalSize()))
		result.Runtimes[i] = float64(list.TotalSize()) / micros(elapsed)
		result.SuccessCount++
	}
	wall := time.Since(wallStart)

	result.TotalRuntime = uint64(wall.Microseconds())
	result.Throughput = float64(list.TotalSize()) * float64(req.Repeat) / micros(wall)

	logger.Info().Msg("Benchmark complete, verifying transfer")

	// A failed trigger leaves the collected throughput numbers valid, but
	// validation can no longer be confirmed for this run.
	confirmed := true
	if err := e.provider.FireTrigger(ctx, list.ValidationTrigger()); err != nil {
		logger.Error().Err(err).Msg("Failed to trigger remote validation")
		confirmed = false
	}

	if after, err := be.ReadByte(list.Local().Buffer()); err == nil {
		logger.Info().
			Str("before_transfer", fmt.Sprintf("%02x", fillByte)).
			Str("after_transfer", fmt.Sprintf("%02x", after)).
			Msg("Local buffer value")
	}

	matched, err := e.verify(ctx, list)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to compare local and remote buffers")
		confirmed = false
	}

	result.BuffersMatch = confirmed && matched == list.TotalSize()
	if result.BuffersMatch {
		logger.Debug().Msg("Local and remote buffers are equal")
		metrics.RunsTotal.WithLabelValues(req.Mode.String(), "ok").Inc()
	} else {
		logger.Warn().Msg("Local and remote buffers differ")
		metrics.BufferMismatches.Inc()
		metrics.RunsTotal.WithLabelValues(req.Mode.String(), "mismatch").Inc()
	}

	return result, nil
}

// prepare builds the per-iteration transfer function for a mode, plus the
// cleanup run after the last iteration. A failure here is a setup failure
// and aborts the run before anything is measured.
func (e *Engine) prepare(ctx context.Context, mode Mode, list *translist.List) (func(context.Context) error, func(), error) {
	entries := list.Entries()

	switch {
	case mode.UsesDMA():
		ch, err := e.provider.OpenTransferChannel(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("opening transfer channel: %w", err)
		}

		dir := fabric.Push
		if mode.pulls() {
			dir = fabric.Pull
		}
		ord := fabric.OrderPointToPoint
		if mode.global() {
			ord = fabric.OrderGlobal
		}

		iteration := func(ctx context.Context) error {
			return ch.Submit(ctx, list.Local(), list.RemoteHandle(), entries, dir, ord)
		}
		cleanup := func() {
			if err := ch.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close transfer channel")
			}
		}
		return iteration, cleanup, nil

	case mode == InterruptPayload:
		return e.payloadIteration(list, entries), func() {}, nil

	default:
		return e.pioIteration(mode, list, entries), func() {}, nil
	}
}

// pioIteration copies every entry through a mapped view of the remote
// region. The view is borrowed per iteration and released before the next
// one begins.
func (e *Engine) pioIteration(mode Mode, list *translist.List, entries []fabric.TransferEntry) func(context.Context) error {
	be := list.Backend()
	local := list.Local().Buffer()

	return func(ctx context.Context) error {
		view, err := e.provider.MapRemoteRegion(ctx, list.RemoteHandle(), list.SegmentSize())
		if err != nil {
			return fmt.Errorf("%w: mapping remote region: %v", fabric.ErrTransferFailed, err)
		}
		defer releaseView(e.provider, view)

		remote := view.Buffer()
		for i, entry := range entries {
			var err error
			switch mode {
			case PioWriteRemote:
				staged := make([]byte, entry.Size)
				if err = be.Read(local, int64(entry.LocalOffset), staged); err == nil {
					err = be.Write(remote, int64(entry.RemoteOffset), staged)
				}
			case PioCopyToRemote, MemcpyWriteRemote:
				err = be.Copy(remote, int64(entry.RemoteOffset), local, int64(entry.LocalOffset), int64(entry.Size))
			case PioCopyFromRemote, MemcpyReadRemote:
				err = be.Copy(local, int64(entry.LocalOffset), remote, int64(entry.RemoteOffset), int64(entry.Size))
			}
			if err != nil {
				return fmt.Errorf("entry %d: %w", i, err)
			}
		}
		return nil
	}
}

// payloadIteration carries every entry as chunked interrupt data instead of
// going through the mapped buffer.
func (e *Engine) payloadIteration(list *translist.List, entries []fabric.TransferEntry) func(context.Context) error {
	be := list.Backend()
	local := list.Local().Buffer()
	remote := list.RemoteHandle()
	chunk := make([]byte, fabric.MaxInterruptPayload)

	return func(ctx context.Context) error {
		for i, entry := range entries {
			for off := uint64(0); off < entry.Size; off += fabric.MaxInterruptPayload {
				n := min(uint64(fabric.MaxInterruptPayload), entry.Size-off)
				p := chunk[:n]
				if err := be.Read(local, int64(entry.LocalOffset+off), p); err != nil {
					return fmt.Errorf("entry %d: %w", i, err)
				}
				if err := e.provider.SendPayload(ctx, remote, entry.RemoteOffset+off, p); err != nil {
					return fmt.Errorf("entry %d: %w", i, err)
				}
			}
		}
		return nil
	}
}

// verify borrows a view of the remote region, compares it byte-for-byte
// against the local buffer, and releases the view. The returned count equals
// TotalSize when every transferred byte arrived.
func (e *Engine) verify(ctx context.Context, list *translist.List) (uint64, error) {
	view, err := e.provider.MapRemoteRegion(ctx, list.RemoteHandle(), list.SegmentSize())
	if err != nil {
		return 0, fmt.Errorf("mapping remote region: %w", err)
	}
	defer releaseView(e.provider, view)

	log.Info().Msg("Comparing local and remote memory")
	matched, err := list.Backend().Compare(list.Local().Buffer(), view.Buffer(), list.SegmentSize())
	if err != nil {
		return 0, fmt.Errorf("comparing buffers: %w", err)
	}
	return uint64(matched), nil
}

// releaseView returns a borrowed view, retrying while the provider reports
// it busy.
func releaseView(p fabric.Provider, v fabric.RemoteView) {
	for {
		err := p.ReleaseView(v)
		if err == nil {
			return
		}
		if !errors.Is(err, fabric.ErrViewBusy) {
			log.Error().Err(err).Msg("Unexpected error releasing remote view")
			return
		}
	}
}

// micros converts a duration to fractional microseconds, clamped away from
// zero so throughput division stays finite.
func micros(d time.Duration) float64 {
	us := float64(d.Nanoseconds()) / 1e3
	if us <= 0 {
		return 1e-3
	}
	return us
}

// randomByte returns a uniformly random byte. It is a transfer marker, not
// a security primitive, but crypto/rand is the path of least surprise.
func randomByte() byte {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("failed to generate random byte: %v", err))
	}
	return b[0]
}
