// Package translist describes what a benchmark run moves: an ordered vector
// of byte ranges between a local buffer and a remote region, together with
// the handles needed to address both ends and to trigger remote validation.
package translist

import (
	"errors"
	"fmt"

	"github.com/piwi3910/fabricbench/internal/backend"
	"github.com/piwi3910/fabricbench/internal/fabric"
)

// Common errors.
var (
	ErrIndexOutOfRange  = errors.New("transfer entry index out of range")
	ErrEmptyList        = errors.New("transfer list has no entries")
	ErrEntryOutOfBounds = errors.New("transfer entry exceeds segment bounds")
	ErrOversubscribed   = errors.New("transfer entries exceed segment size")
)

// List is an immutable description of one benchmark run's transfers. Entry
// order is significant: it is the vector order submitted to the transfer
// engine, and the data-correctness contract between the two ends.
type List struct {
	entries     []fabric.TransferEntry
	local       fabric.LocalRegion
	remote      fabric.RegionID
	trigger     fabric.TriggerID
	segmentSize int64
	be          backend.Backend
	totalSize   uint64
}

// New validates and builds a transfer list. Both segments are segmentSize
// bytes; every entry must fit on both ends and the entry sizes must not sum
// past the segment. Overlap between entries is the caller's responsibility.
func New(local fabric.LocalRegion, remote fabric.RegionID, trigger fabric.TriggerID, segmentSize int64, be backend.Backend, entries []fabric.TransferEntry) (*List, error) {
	if len(entries) == 0 {
		return nil, ErrEmptyList
	}

	seg := uint64(segmentSize)
	var total uint64
	for i, e := range entries {
		if e.Size == 0 {
			return nil, fmt.Errorf("%w: entry %d has zero size", ErrEntryOutOfBounds, i)
		}
		// Subtraction form so huge offsets cannot wrap past the bound.
		if e.Size > seg || e.LocalOffset > seg-e.Size || e.RemoteOffset > seg-e.Size {
			return nil, fmt.Errorf("%w: entry %d (%d@%d->%d) in %d-byte segment",
				ErrEntryOutOfBounds, i, e.Size, e.LocalOffset, e.RemoteOffset, segmentSize)
		}
		// Checked per entry: total never exceeds twice the segment, so the
		// running sum cannot wrap either.
		total += e.Size
		if total > seg {
			return nil, fmt.Errorf("%w: %d bytes over %d-byte segment", ErrOversubscribed, total, segmentSize)
		}
	}

	own := make([]fabric.TransferEntry, len(entries))
	copy(own, entries)

	return &List{
		entries:     own,
		local:       local,
		remote:      remote,
		trigger:     trigger,
		segmentSize: segmentSize,
		be:          be,
		totalSize:   total,
	}, nil
}

// EntryCount returns the number of entries in the vector.
func (l *List) EntryCount() int { return len(l.entries) }

// Entry returns the i-th entry, bounds-checked.
func (l *List) Entry(i int) (fabric.TransferEntry, error) {
	if i < 0 || i >= len(l.entries) {
		return fabric.TransferEntry{}, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, len(l.entries))
	}
	return l.entries[i], nil
}

// Entries returns a copy of the entry vector in submission order.
func (l *List) Entries() []fabric.TransferEntry {
	out := make([]fabric.TransferEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// TotalSize returns the sum of all entry sizes, computed once at
// construction. This is the byte count one iteration moves and the basis of
// all throughput math.
func (l *List) TotalSize() uint64 { return l.totalSize }

// Local returns the initiator-side region, exclusively owned for the run.
func (l *List) Local() fabric.LocalRegion { return l.local }

// RemoteHandle addresses the responder's exposed region. Borrowed, never
// owned: it is only valid while the responder keeps the region available.
func (l *List) RemoteHandle() fabric.RegionID { return l.remote }

// ValidationTrigger addresses the responder's validation trigger.
func (l *List) ValidationTrigger() fabric.TriggerID { return l.trigger }

// SegmentSize returns the byte length of both segments.
func (l *List) SegmentSize() int64 { return l.segmentSize }

// Backend returns the memory backend the local buffer lives in.
func (l *List) Backend() backend.Backend { return l.be }
