// Package loopback provides an in-process fabric implementation. Two
// endpoints attached to the same Fabric hub see each other's regions and
// triggers over shared memory, which lets the responder and the initiator
// run a full benchmark in a single process and makes the core testable
// without interconnect hardware.
//
// The hub simulates the ordering semantics of a real fabric: point-to-point
// submissions serialize per target region, global-ordered submissions
// serialize across the whole hub. Trigger callbacks run on a dedicated
// notification goroutine per registered trigger, the way vendor libraries
// deliver interrupts on a foreign thread.
package loopback

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/piwi3910/fabricbench/internal/backend"
	"github.com/piwi3910/fabricbench/internal/fabric"
)

// Config holds simulation knobs for the loopback fabric.
type Config struct {
	// TransferLatency is the simulated engine latency added to every DMA
	// submission.
	TransferLatency time.Duration

	// PayloadLatency is the simulated latency of one data interrupt.
	PayloadLatency time.Duration
}

// DefaultConfig returns simulation defaults roughly matching a PCIe fabric.
func DefaultConfig() Config {
	return Config{
		TransferLatency: 20 * time.Microsecond,
		PayloadLatency:  5 * time.Microsecond,
	}
}

// Fabric is the in-process hub connecting loopback endpoints.
type Fabric struct {
	cfg Config

	mu       sync.RWMutex
	regions  map[fabric.RegionID]*localRegion
	triggers map[fabric.TriggerID]*trigger

	// globalMu serializes global-ordered submissions hub-wide.
	globalMu sync.Mutex

	// Fault injection, for tests.
	failTransfers atomic.Int32
	failTriggers  atomic.Bool
	viewBusy      atomic.Int32
}

// New creates a loopback fabric hub.
func New(cfg Config) *Fabric {
	return &Fabric{
		cfg:      cfg,
		regions:  make(map[fabric.RegionID]*localRegion),
		triggers: make(map[fabric.TriggerID]*trigger),
	}
}

// FailNextTransfers makes the next n DMA submissions fail with
// ErrTransferFailed.
func (f *Fabric) FailNextTransfers(n int) {
	f.failTransfers.Store(int32(n))
}

// FailTriggers makes trigger delivery fail until reset.
func (f *Fabric) FailTriggers(fail bool) {
	f.failTriggers.Store(fail)
}

// BusyViewReleases makes the next n view releases report ErrViewBusy.
func (f *Fabric) BusyViewReleases(n int) {
	f.viewBusy.Store(int32(n))
}

// InjectTriggerStatus delivers a notification with the given error status to
// a registered trigger, exercising the callback's error path.
func (f *Fabric) InjectTriggerStatus(id fabric.TriggerID, status error) error {
	f.mu.RLock()
	tr, ok := f.triggers[id]
	f.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: trigger %d", fabric.ErrUnknownTrigger, id)
	}
	return tr.deliver(context.Background(), status)
}

// Endpoint attaches a provider handle to the hub. The adapter number only
// serves logging and diagnostics; all endpoints of one hub share the fabric.
func (f *Fabric) Endpoint(adapter uint) fabric.Provider {
	return &endpoint{fab: f, adapter: adapter}
}

// localRegion is a region exposed on the hub.
type localRegion struct {
	id   fabric.RegionID
	size int64
	be   backend.Backend
	buf  backend.Buffer

	// mu serializes point-to-point submissions targeting this region.
	mu        sync.Mutex
	available atomic.Bool
	withdrawn atomic.Bool
}

func (r *localRegion) ID() fabric.RegionID    { return r.id }
func (r *localRegion) Size() int64            { return r.size }
func (r *localRegion) Buffer() backend.Buffer { return r.buf }

// remoteView is a borrowed mapping of a peer region.
type remoteView struct {
	region   *localRegion
	size     int64
	released atomic.Bool
}

func (v *remoteView) Size() int64            { return v.size }
func (v *remoteView) Buffer() backend.Buffer { return v.region.buf }

// trigger owns one notification goroutine delivering callback invocations.
type trigger struct {
	id        fabric.TriggerID
	events    chan error
	done      chan struct{}
	closeOnce sync.Once
	cancelled atomic.Bool
}

func newTrigger(id fabric.TriggerID, cb fabric.TriggerCallback) *trigger {
	t := &trigger{
		id:     id,
		events: make(chan error, 16),
		done:   make(chan struct{}),
	}
	go func() {
		for {
			select {
			case status := <-t.events:
				if t.cancelled.Load() {
					continue
				}
				if cb(status) == fabric.CallbackCancel {
					t.cancelled.Store(true)
				}
			case <-t.done:
				return
			}
		}
	}()
	return t
}

func (t *trigger) ID() fabric.TriggerID { return t.id }

// deliver queues one notification for the callback goroutine. A full event
// buffer blocks until the callback drains it, the trigger stops, or ctx
// expires, so a slow callback cannot wedge the firing side for good.
func (t *trigger) deliver(ctx context.Context, status error) error {
	select {
	case t.events <- status:
		return nil
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *trigger) stop() {
	t.closeOnce.Do(func() { close(t.done) })
}

// endpoint implements fabric.Provider against the hub.
type endpoint struct {
	fab     *Fabric
	adapter uint
	closed  atomic.Bool

	mu       sync.Mutex
	regions  []*localRegion
	triggers []*trigger
	channels atomic.Int64
}

func (e *endpoint) checkOpen() error {
	if e.closed.Load() {
		return fabric.ErrProviderClosed
	}
	return nil
}

func (e *endpoint) ExposeLocalRegion(ctx context.Context, id fabric.RegionID, size int64, be backend.Backend) (fabric.LocalRegion, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: region size %d", fabric.ErrResourceUnavailable, size)
	}

	buf, err := be.Allocate(size)
	if err != nil {
		return nil, fmt.Errorf("%w: allocating region %d: %v", fabric.ErrResourceUnavailable, id, err)
	}

	r := &localRegion{id: id, size: size, be: be, buf: buf}
	r.available.Store(true)

	e.fab.mu.Lock()
	if _, exists := e.fab.regions[id]; exists {
		e.fab.mu.Unlock()
		_ = be.Release(buf)
		return nil, fmt.Errorf("%w: region %d", fabric.ErrRegionExists, id)
	}
	e.fab.regions[id] = r
	e.fab.mu.Unlock()

	e.mu.Lock()
	e.regions = append(e.regions, r)
	e.mu.Unlock()

	return r, nil
}

func (e *endpoint) SetRegionAvailability(region fabric.LocalRegion, available bool) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	r, ok := region.(*localRegion)
	if !ok || r.withdrawn.Load() {
		return fmt.Errorf("%w: region %d", fabric.ErrUnknownRegion, region.ID())
	}
	r.available.Store(available)
	return nil
}

func (e *endpoint) WithdrawRegion(region fabric.LocalRegion) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	r, ok := region.(*localRegion)
	if !ok {
		return fmt.Errorf("%w: region %d", fabric.ErrUnknownRegion, region.ID())
	}
	if !r.withdrawn.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: region %d already withdrawn", fabric.ErrResourceUnavailable, r.id)
	}
	r.available.Store(false)

	e.fab.mu.Lock()
	delete(e.fab.regions, r.id)
	e.fab.mu.Unlock()

	if err := r.be.Release(r.buf); err != nil {
		return fmt.Errorf("releasing region %d buffer: %w", r.id, err)
	}
	return nil
}

func (e *endpoint) lookupRegion(id fabric.RegionID) (*localRegion, error) {
	e.fab.mu.RLock()
	r, ok := e.fab.regions[id]
	e.fab.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: region %d", fabric.ErrUnknownRegion, id)
	}
	if !r.available.Load() {
		return nil, fmt.Errorf("%w: region %d not available", fabric.ErrResourceUnavailable, id)
	}
	return r, nil
}

func (e *endpoint) MapRemoteRegion(ctx context.Context, peer fabric.RegionID, size int64) (fabric.RemoteView, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	r, err := e.lookupRegion(peer)
	if err != nil {
		return nil, err
	}
	if size > r.size {
		return nil, fmt.Errorf("%w: mapping %d bytes of %d-byte region %d",
			fabric.ErrResourceUnavailable, size, r.size, peer)
	}
	return &remoteView{region: r, size: size}, nil
}

func (e *endpoint) ReleaseView(view fabric.RemoteView) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	v, ok := view.(*remoteView)
	if !ok {
		return fmt.Errorf("%w: foreign view", fabric.ErrResourceUnavailable)
	}
	if n := e.fab.viewBusy.Load(); n > 0 && e.fab.viewBusy.CompareAndSwap(n, n-1) {
		return fabric.ErrViewBusy
	}
	if !v.released.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: view already released", fabric.ErrResourceUnavailable)
	}
	return nil
}

// channel is an open DMA submission queue on an endpoint.
type channel struct {
	ep     *endpoint
	closed atomic.Bool
}

func (c *channel) Submit(ctx context.Context, local fabric.LocalRegion, remote fabric.RegionID, entries []fabric.TransferEntry, dir fabric.Direction, ord fabric.Ordering) error {
	if c.closed.Load() {
		return fmt.Errorf("%w: channel closed", fabric.ErrResourceUnavailable)
	}
	return c.ep.submit(ctx, local, remote, entries, dir, ord)
}

func (c *channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.ep.channels.Add(-1)
	return nil
}

func (e *endpoint) OpenTransferChannel(ctx context.Context) (fabric.TransferChannel, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	e.channels.Add(1)
	return &channel{ep: e}, nil
}

func (e *endpoint) SubmitTransferVector(ctx context.Context, local fabric.LocalRegion, remote fabric.RegionID, entries []fabric.TransferEntry, dir fabric.Direction, ord fabric.Ordering) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.submit(ctx, local, remote, entries, dir, ord)
}

func (e *endpoint) submit(ctx context.Context, local fabric.LocalRegion, remote fabric.RegionID, entries []fabric.TransferEntry, dir fabric.Direction, ord fabric.Ordering) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n := e.fab.failTransfers.Load(); n > 0 && e.fab.failTransfers.CompareAndSwap(n, n-1) {
		return fmt.Errorf("%w: injected engine fault", fabric.ErrTransferFailed)
	}

	lr, ok := local.(*localRegion)
	if !ok || lr.withdrawn.Load() {
		return fmt.Errorf("%w: local region %d", fabric.ErrUnknownRegion, local.ID())
	}
	rr, err := e.lookupRegion(remote)
	if err != nil {
		return fmt.Errorf("%w: %v", fabric.ErrTransferFailed, err)
	}

	// Vector entries are applied strictly in order under the ordering lock.
	if ord == fabric.OrderGlobal {
		e.fab.globalMu.Lock()
		defer e.fab.globalMu.Unlock()
	} else {
		rr.mu.Lock()
		defer rr.mu.Unlock()
	}

	if e.fab.cfg.TransferLatency > 0 {
		time.Sleep(e.fab.cfg.TransferLatency)
	}

	for i, entry := range entries {
		// Subtraction form so huge offsets cannot wrap past the bound.
		if entry.Size == 0 ||
			entry.Size > uint64(lr.size) || entry.LocalOffset > uint64(lr.size)-entry.Size ||
			entry.Size > uint64(rr.size) || entry.RemoteOffset > uint64(rr.size)-entry.Size {
			return fmt.Errorf("%w: entry %d out of bounds", fabric.ErrTransferFailed, i)
		}

		var copyErr error
		if dir == fabric.Push {
			copyErr = lr.be.Copy(rr.buf, int64(entry.RemoteOffset), lr.buf, int64(entry.LocalOffset), int64(entry.Size))
		} else {
			copyErr = lr.be.Copy(lr.buf, int64(entry.LocalOffset), rr.buf, int64(entry.RemoteOffset), int64(entry.Size))
		}
		if copyErr != nil {
			return fmt.Errorf("%w: entry %d: %v", fabric.ErrTransferFailed, i, copyErr)
		}
	}
	return nil
}

func (e *endpoint) RegisterTrigger(ctx context.Context, id fabric.TriggerID, cb fabric.TriggerCallback) (fabric.Trigger, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	t := newTrigger(id, cb)

	e.fab.mu.Lock()
	if _, exists := e.fab.triggers[id]; exists {
		e.fab.mu.Unlock()
		t.stop()
		return nil, fmt.Errorf("%w: trigger %d already registered", fabric.ErrResourceUnavailable, id)
	}
	e.fab.triggers[id] = t
	e.fab.mu.Unlock()

	e.mu.Lock()
	e.triggers = append(e.triggers, t)
	e.mu.Unlock()

	return t, nil
}

func (e *endpoint) UnregisterTrigger(tr fabric.Trigger) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	t, ok := tr.(*trigger)
	if !ok {
		return fmt.Errorf("%w: trigger %d", fabric.ErrUnknownTrigger, tr.ID())
	}

	e.fab.mu.Lock()
	delete(e.fab.triggers, t.id)
	e.fab.mu.Unlock()

	t.stop()
	return nil
}

func (e *endpoint) FireTrigger(ctx context.Context, peer fabric.TriggerID) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if e.fab.failTriggers.Load() {
		return fmt.Errorf("%w: injected delivery fault", fabric.ErrTriggerFailed)
	}

	e.fab.mu.RLock()
	t, ok := e.fab.triggers[peer]
	e.fab.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: trigger %d", fabric.ErrTriggerFailed, peer)
	}
	if err := t.deliver(ctx, nil); err != nil {
		return fmt.Errorf("%w: %v", fabric.ErrTriggerFailed, err)
	}
	return nil
}

func (e *endpoint) SendPayload(ctx context.Context, peer fabric.RegionID, offset uint64, p []byte) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if len(p) > fabric.MaxInterruptPayload {
		return fmt.Errorf("%w: %d bytes", fabric.ErrPayloadTooLarge, len(p))
	}
	r, err := e.lookupRegion(peer)
	if err != nil {
		return fmt.Errorf("%w: %v", fabric.ErrTriggerFailed, err)
	}

	if e.fab.cfg.PayloadLatency > 0 {
		time.Sleep(e.fab.cfg.PayloadLatency)
	}
	if err := r.be.Write(r.buf, int64(offset), p); err != nil {
		return fmt.Errorf("%w: delivering payload: %v", fabric.ErrTriggerFailed, err)
	}
	return nil
}

func (e *endpoint) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.mu.Lock()
	regions := e.regions
	triggers := e.triggers
	e.regions = nil
	e.triggers = nil
	e.mu.Unlock()

	e.fab.mu.Lock()
	for _, t := range triggers {
		delete(e.fab.triggers, t.id)
	}
	for _, r := range regions {
		if !r.withdrawn.Load() {
			delete(e.fab.regions, r.id)
		}
	}
	e.fab.mu.Unlock()

	for _, t := range triggers {
		t.stop()
	}
	for _, r := range regions {
		if r.withdrawn.CompareAndSwap(false, true) {
			r.available.Store(false)
			_ = r.be.Release(r.buf)
		}
	}
	return nil
}
