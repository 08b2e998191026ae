// Package responder implements the passive side of a benchmark pair. A
// session exposes a memory region to the fabric, arms a validation trigger,
// and then parks until asked to stop, reading the buffer back and logging
// its value every time the initiator requests validation.
package responder

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/fabricbench/internal/backend"
	"github.com/piwi3910/fabricbench/internal/fabric"
	"github.com/piwi3910/fabricbench/internal/metrics"
)

// ErrSessionDone is returned by Serve when it is called again after the
// session already stopped.
var ErrSessionDone = errors.New("responder session already stopped")

// State is the lifecycle state of a session.
type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config holds the responder session configuration.
type Config struct {
	// RegionID is the fabric id the region is exposed under.
	RegionID fabric.RegionID

	// TriggerID is the fabric id the validation trigger is registered under.
	TriggerID fabric.TriggerID

	// SegmentSize is the byte length of the exposed region. Both ends of a
	// benchmark pair must agree on it out of band.
	SegmentSize int64
}

func (c Config) validate() error {
	if c.SegmentSize <= 0 {
		return fmt.Errorf("segment size must be positive, got %d", c.SegmentSize)
	}
	return nil
}

// unwindStep is one acquired resource and how to let go of it again.
type unwindStep struct {
	name    string
	release func() error
}

// Session is one responder lifetime. It is constructed once at server start,
// serves until stopped, and tears down exactly once. The session owns the
// provider handle and closes it as the final teardown step.
type Session struct {
	provider fabric.Provider
	be       backend.Backend
	cfg      Config

	mu            sync.Mutex
	cond          *sync.Cond
	state         State
	stopRequested bool

	region  fabric.LocalRegion
	trigger fabric.Trigger
	ready   chan struct{}

	// fillByte records the buffer value observed by the most recent
	// validation. The callback is the only writer; reads come from other
	// goroutines, hence the atomic.
	fillByte atomic.Uint32
}

// New creates a responder session. Nothing is exposed to the fabric until
// Serve runs.
func New(provider fabric.Provider, be backend.Backend, cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &Session{
		provider: provider,
		be:       be,
		cfg:      cfg,
		state:    StateInitializing,
		ready:    make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

// Serve exposes the region, registers the validation trigger, and blocks
// until Stop is called or ctx is cancelled. Setup failures unwind whatever
// was acquired so far, in reverse order, and are returned to the caller.
// A normal stop returns nil after the full teardown has run.
func (s *Session) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateInitializing {
		s.mu.Unlock()
		return ErrSessionDone
	}
	s.mu.Unlock()

	var acquired []unwindStep
	acquired = append(acquired, unwindStep{"provider", s.provider.Close})

	// A failed setup step unwinds what was acquired so far and leaves the
	// session terminally stopped.
	fail := func(err error) error {
		s.teardown(acquired)
		s.setState(StateStopped)
		return err
	}

	region, err := s.provider.ExposeLocalRegion(ctx, s.cfg.RegionID, s.cfg.SegmentSize, s.be)
	if err != nil {
		return fail(fmt.Errorf("exposing region %d: %w", s.cfg.RegionID, err))
	}
	s.region = region
	acquired = append(acquired, unwindStep{"region", func() error {
		return s.provider.WithdrawRegion(region)
	}})

	// Seed the buffer with a random value so a no-op run is distinguishable
	// from a real transfer.
	seed := randomByte()
	if err := s.be.Fill(region.Buffer(), s.cfg.SegmentSize, seed); err != nil {
		return fail(fmt.Errorf("seeding responder buffer: %w", err))
	}
	s.fillByte.Store(uint32(seed))

	trigger, err := s.provider.RegisterTrigger(ctx, s.cfg.TriggerID, s.onValidate)
	if err != nil {
		return fail(fmt.Errorf("registering validation trigger %d: %w", s.cfg.TriggerID, err))
	}
	s.trigger = trigger
	acquired = append(acquired, unwindStep{"trigger", func() error {
		return s.provider.UnregisterTrigger(trigger)
	}})
	acquired = append(acquired, unwindStep{"availability", func() error {
		return s.provider.SetRegionAvailability(region, false)
	}})

	cancelWatch := context.AfterFunc(ctx, s.Stop)
	defer cancelWatch()

	s.setState(StateRunning)
	close(s.ready)
	log.Info().
		Uint32("region", uint32(s.cfg.RegionID)).
		Uint32("trigger", uint32(s.cfg.TriggerID)).
		Int64("size", s.cfg.SegmentSize).
		Str("backend", s.be.Kind().String()).
		Msg("Responder running, waiting for validation requests")

	s.mu.Lock()
	for s.state == StateRunning && !s.stopRequested {
		s.cond.Wait()
	}
	if s.state == StateRunning {
		s.state = StateStopping
	}
	s.mu.Unlock()
	metrics.ResponderState.Set(float64(StateStopping))

	log.Info().Msg("Responder stopping")
	s.teardown(acquired)
	s.setState(StateStopped)
	log.Info().Msg("Responder stopped")
	return nil
}

// Stop requests shutdown. It is idempotent and safe to call from any
// goroutine; a second call on a stopping or stopped session is a no-op.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateStopping, StateStopped:
		return
	case StateInitializing:
		// Serve has not parked yet. Leave a note so it stops right after
		// setup instead of waiting forever.
		s.stopRequested = true
		return
	}
	s.state = StateStopping
	s.stopRequested = true
	s.cond.Broadcast()
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready is closed once the session has exposed its region and entered the
// Running state. Initiators wait on it before building a transfer list
// against the region.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// FillByte reports the buffer value recorded by the most recent validation.
func (s *Session) FillByte() byte {
	return byte(s.fillByte.Load())
}

// Region exposes the served region. It is nil until Serve has exposed it.
func (s *Session) Region() fabric.LocalRegion {
	return s.region
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.cond.Broadcast()
	s.mu.Unlock()
	metrics.ResponderState.Set(float64(st))
}

// onValidate runs on the provider's notification goroutine for every remote
// validation request. It never aborts the listener: any failure is logged
// and the trigger stays armed until the session stops.
func (s *Session) onValidate(status error) fabric.CallbackAction {
	if status != nil {
		log.Warn().Err(status).Msg("Validation trigger delivered an error status")
		metrics.ValidationsTotal.WithLabelValues("error").Inc()
		return fabric.CallbackContinue
	}

	observed, err := s.be.ReadByte(s.region.Buffer())
	if err != nil {
		log.Error().Err(err).Msg("Failed to read back buffer value")
		metrics.ValidationsTotal.WithLabelValues("error").Inc()
		return fabric.CallbackContinue
	}

	previous := byte(s.fillByte.Swap(uint32(observed)))
	log.Info().
		Str("previous", fmt.Sprintf("%02x", previous)).
		Str("observed", fmt.Sprintf("%02x", observed)).
		Msg("Validation requested, recorded buffer value")
	metrics.ValidationsTotal.WithLabelValues("ok").Inc()
	return fabric.CallbackContinue
}

// randomByte returns a uniformly random seed byte for the buffer.
func randomByte() byte {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("failed to generate random byte: %v", err))
	}
	return b[0]
}

// teardown releases acquired resources in reverse-acquisition order. A
// failing step is logged and skipped so the remaining steps still run.
func (s *Session) teardown(acquired []unwindStep) {
	for i := len(acquired) - 1; i >= 0; i-- {
		step := acquired[i]
		if err := step.release(); err != nil {
			log.Error().Err(err).Str("resource", step.name).Msg("Teardown step failed, continuing")
		}
	}
}
