// Package backend abstracts the memory space a benchmark buffer lives in.
//
// Two variants exist: host memory (plain process memory) and device memory
// (accelerator-resident memory reached through staged copies). The benchmark
// engine and the responder only ever talk to the Backend interface, so the
// same transfer and validation logic runs unchanged against either variant.
package backend

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrInaccessible   = errors.New("backend memory inaccessible")
	ErrOutOfRange     = errors.New("offset and length exceed buffer bounds")
	ErrForeignBuffer  = errors.New("buffer does not belong to this backend kind")
	ErrNoDevice       = errors.New("no such device")
	ErrMemoryExceeded = errors.New("device memory exceeded")
)

// Kind selects the memory space of a backend.
type Kind int

const (
	// Host is plain process memory.
	Host Kind = iota
	// Device is accelerator-resident memory.
	Device
)

// String returns the configuration name of the kind.
func (k Kind) String() string {
	switch k {
	case Host:
		return "host"
	case Device:
		return "device"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind parses a configuration value into a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "host", "ram", "":
		return Host, nil
	case "device", "gpu":
		return Device, nil
	default:
		return 0, fmt.Errorf("unknown backend kind %q", s)
	}
}

// Buffer is a handle to memory owned by some backend. Host buffers wrap a
// byte slice; device buffers are opaque pointers into a device memory space.
// A buffer stays readable by any backend via staged copies, which is what
// lets a host-side engine compare against a device-resident remote region.
type Buffer interface {
	// Len returns the buffer length in bytes.
	Len() int64
}

// Backend is the capability set required of both memory variants.
//
// Every operation fails with an error wrapping ErrInaccessible when the
// underlying memory is gone (released buffer, device fault). That condition
// is non-retryable: callers must abort the current run rather than continue
// on possibly stale data.
type Backend interface {
	// Kind reports which memory space this backend manages.
	Kind() Kind

	// Allocate reserves a buffer of the given size.
	Allocate(size int64) (Buffer, error)

	// Release frees a buffer previously returned by Allocate.
	Release(buf Buffer) error

	// Fill deterministically sets the first length bytes of buf to value.
	Fill(buf Buffer, length int64, value byte) error

	// Compare counts the bytes equal between a and b over the first length
	// bytes. Neither buffer is modified; device buffers are staged to host
	// scratch memory for the comparison. A result equal to length means the
	// buffers match.
	Compare(a, b Buffer, length int64) (int64, error)

	// ReadByte returns the first byte of buf without modifying it.
	ReadByte(buf Buffer) (byte, error)

	// Copy moves length bytes from src at srcOff into dst at dstOff. Either
	// side may live in a different memory space; the backend stages through
	// host memory as needed.
	Copy(dst Buffer, dstOff int64, src Buffer, srcOff int64, length int64) error

	// Write copies p into dst starting at off.
	Write(dst Buffer, off int64, p []byte) error

	// Read copies len(p) bytes from src starting at off into p.
	Read(src Buffer, off int64, p []byte) error
}

// New constructs a backend of the given kind. The device ID is only
// meaningful for Device backends.
func New(kind Kind, deviceID int) (Backend, error) {
	switch kind {
	case Host:
		return NewHost(), nil
	case Device:
		return NewDevice(deviceID)
	default:
		return nil, fmt.Errorf("unknown backend kind %d", int(kind))
	}
}

func checkRange(buf Buffer, off, length int64) error {
	if off < 0 || length < 0 || off+length > buf.Len() {
		return fmt.Errorf("%w: offset %d length %d buffer %d", ErrOutOfRange, off, length, buf.Len())
	}
	return nil
}

// snapshot returns a host-visible copy (or direct reference, for host
// buffers) of a byte range. Used for comparisons so device buffers are never
// mutated while being read back.
func snapshot(buf Buffer, off, length int64) ([]byte, error) {
	switch b := buf.(type) {
	case *hostBuffer:
		// The released check must come first: a released buffer reports
		// length zero, which would turn every access into a range error.
		return b.bytes(off, length)
	case *deviceBuffer:
		if err := checkRange(b, off, length); err != nil {
			return nil, err
		}
		out := make([]byte, length)
		if err := b.mem.read(b.ptr, off, out); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrForeignBuffer, buf)
	}
}

// compareBytes counts positions at which the two slices hold equal bytes.
func compareBytes(a, b []byte) int64 {
	var matched int64
	for i := range a {
		if a[i] == b[i] {
			matched++
		}
	}
	return matched
}
