// Package fabric defines the interface to the remote-memory fabric: region
// exposure and mapping, vectored DMA submission, and the lightweight trigger
// primitive used to signal the remote side.
//
// The benchmark core is written entirely against the Provider interface.
// Production deployments plug in a hardware-backed provider; tests and
// single-host runs use the in-process implementation in fabric/loopback.
package fabric

import (
	"context"
	"errors"

	"github.com/piwi3910/fabricbench/internal/backend"
)

// Common errors.
var (
	ErrTransferFailed      = errors.New("fabric transfer failed")
	ErrResourceUnavailable = errors.New("fabric resource unavailable")
	ErrTriggerFailed       = errors.New("trigger delivery failed")
	ErrViewBusy            = errors.New("remote view busy")
	ErrRegionExists        = errors.New("region id already exposed")
	ErrUnknownRegion       = errors.New("unknown region id")
	ErrUnknownTrigger      = errors.New("unknown trigger id")
	ErrPayloadTooLarge     = errors.New("interrupt payload too large")
	ErrProviderClosed      = errors.New("fabric provider closed")
)

// MaxInterruptPayload is the largest payload one data interrupt can carry.
// Larger transfers in interrupt-payload mode are chunked by the caller.
const MaxInterruptPayload = 4096

// RegionID addresses an exposed memory region on the fabric.
type RegionID uint32

// TriggerID addresses a registered remote trigger.
type TriggerID uint32

// Direction selects which way a transfer vector moves data.
type Direction int

const (
	// Push moves local bytes into the remote region.
	Push Direction = iota
	// Pull moves remote bytes into the local region.
	Pull
)

func (d Direction) String() string {
	if d == Pull {
		return "pull"
	}
	return "push"
}

// Ordering selects the visibility guarantee requested for a transfer.
type Ordering int

const (
	// OrderPointToPoint orders transfers only between the two endpoints.
	OrderPointToPoint Ordering = iota
	// OrderGlobal requests fabric-wide visibility ordering. Same data
	// movement, stronger guarantee.
	OrderGlobal
)

func (o Ordering) String() string {
	if o == OrderGlobal {
		return "global"
	}
	return "point-to-point"
}

// TransferEntry is one contiguous range moved in a single submission. This
// offset/offset/size triple is the only wire layout the core owns; entry
// order within a vector is significant and preserved by providers.
type TransferEntry struct {
	LocalOffset  uint64
	RemoteOffset uint64
	Size         uint64
}

// CallbackAction is returned by a trigger callback to keep or stop the
// notification stream.
type CallbackAction int

const (
	// CallbackContinue keeps the trigger armed for further deliveries.
	CallbackContinue CallbackAction = iota
	// CallbackCancel stops delivery; the trigger stays registered but quiet.
	CallbackCancel
)

// TriggerCallback is invoked on the provider's notification goroutine each
// time the remote side fires the trigger. status carries the delivery error,
// if any; callbacks must never panic and should return CallbackContinue to
// stay armed.
type TriggerCallback func(status error) CallbackAction

// LocalRegion is a region this process exposed to the fabric. The buffer is
// exclusively owned by the exposing process for the region's lifetime.
type LocalRegion interface {
	ID() RegionID
	Size() int64
	Buffer() backend.Buffer
}

// RemoteView is a borrowed, mapped view of a peer's region. Views must be
// released promptly and never held across benchmark iterations.
type RemoteView interface {
	Size() int64
	Buffer() backend.Buffer
}

// Trigger is a registered local trigger handle.
type Trigger interface {
	ID() TriggerID
}

// TransferChannel is an acquired DMA submission queue. Channels are opened
// once per benchmark run and submissions on one channel are strictly
// sequential.
type TransferChannel interface {
	// Submit issues one transfer vector and blocks until the engine confirms
	// completion. Fails with an error wrapping ErrTransferFailed on a fabric
	// fault; a failed submission leaves the channel usable.
	Submit(ctx context.Context, local LocalRegion, remote RegionID, entries []TransferEntry, dir Direction, ord Ordering) error

	// Close releases the channel.
	Close() error
}

// Provider is the fabric collaborator the benchmark core runs against.
type Provider interface {
	// ExposeLocalRegion allocates a buffer from be, registers it with the
	// fabric under id, and makes it reachable by peers.
	ExposeLocalRegion(ctx context.Context, id RegionID, size int64, be backend.Backend) (LocalRegion, error)

	// SetRegionAvailability flips whether peers may map or target the
	// region. Exposed regions start available.
	SetRegionAvailability(region LocalRegion, available bool) error

	// WithdrawRegion makes a region unreachable and frees its buffer.
	WithdrawRegion(region LocalRegion) error

	// MapRemoteRegion borrows a view of a peer's exposed region.
	MapRemoteRegion(ctx context.Context, peer RegionID, size int64) (RemoteView, error)

	// ReleaseView returns a borrowed view. May fail with ErrViewBusy while
	// an access is still draining; callers retry until it succeeds.
	ReleaseView(view RemoteView) error

	// OpenTransferChannel acquires a DMA submission queue.
	OpenTransferChannel(ctx context.Context) (TransferChannel, error)

	// SubmitTransferVector is the one-shot submission path, equivalent to
	// opening a channel, submitting once, and closing it.
	SubmitTransferVector(ctx context.Context, local LocalRegion, remote RegionID, entries []TransferEntry, dir Direction, ord Ordering) error

	// RegisterTrigger registers a local trigger under id. cb runs on a
	// provider-owned notification goroutine for every remote fire.
	RegisterTrigger(ctx context.Context, id TriggerID, cb TriggerCallback) (Trigger, error)

	// UnregisterTrigger removes a trigger and stops its notification
	// goroutine. Deliveries already in flight may still complete.
	UnregisterTrigger(t Trigger) error

	// FireTrigger fires a peer's trigger.
	FireTrigger(ctx context.Context, peer TriggerID) error

	// SendPayload delivers p as interrupt-carried data, written into the
	// peer's exposed region at offset. len(p) must not exceed
	// MaxInterruptPayload.
	SendPayload(ctx context.Context, peer RegionID, offset uint64, p []byte) error

	// Close releases every resource still held by this provider handle.
	// Further calls on the provider fail with ErrProviderClosed.
	Close() error
}
