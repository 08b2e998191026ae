package backend

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Simulated device defaults.
const (
	// Total memory per simulated device: 4GB.
	simDeviceTotalMemory = 4 << 30
	// Staged copy latencies, device reads being cheaper than writes.
	simReadLatency  = 5 * time.Microsecond
	simWriteLatency = 10 * time.Microsecond
)

// deviceBuffer is an opaque pointer into a device memory space. The backing
// store travels with the handle so a different backend instance can still
// stage its contents for comparison.
type deviceBuffer struct {
	mem  *deviceMemory
	ptr  uintptr
	size int64
}

func (b *deviceBuffer) Len() int64 { return b.size }

// deviceMemory emulates one accelerator's memory space. Buffers are
// addressed by pointer tokens and every access goes through a staged copy
// with a simulated transfer latency, which is how real device memory behaves
// from the host's point of view.
type deviceMemory struct {
	mu           sync.Mutex
	deviceID     int
	allocations  map[uintptr][]byte
	nextPtr      uintptr
	freeMemory   int64
	readLatency  atomic.Int64
	writeLatency atomic.Int64
}

func newDeviceMemory(deviceID int) *deviceMemory {
	m := &deviceMemory{
		deviceID:    deviceID,
		allocations: make(map[uintptr][]byte),
		freeMemory:  simDeviceTotalMemory,
	}
	m.readLatency.Store(int64(simReadLatency))
	m.writeLatency.Store(int64(simWriteLatency))
	return m
}

func (m *deviceMemory) allocate(size int64) (uintptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if size > m.freeMemory {
		return 0, fmt.Errorf("%w: device %d: %d bytes requested, %d free",
			ErrMemoryExceeded, m.deviceID, size, m.freeMemory)
	}
	m.nextPtr++
	ptr := m.nextPtr
	m.allocations[ptr] = make([]byte, size)
	m.freeMemory -= size
	return ptr, nil
}

func (m *deviceMemory) free(ptr uintptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.allocations[ptr]
	if !ok {
		return fmt.Errorf("%w: device %d: stale pointer %#x", ErrInaccessible, m.deviceID, ptr)
	}
	m.freeMemory += int64(len(data))
	delete(m.allocations, ptr)
	return nil
}

func (m *deviceMemory) read(ptr uintptr, off int64, p []byte) error {
	m.mu.Lock()
	data, ok := m.allocations[ptr]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: device %d: stale pointer %#x", ErrInaccessible, m.deviceID, ptr)
	}
	if off < 0 || off+int64(len(p)) > int64(len(data)) {
		return fmt.Errorf("%w: offset %d length %d buffer %d", ErrOutOfRange, off, len(p), len(data))
	}
	time.Sleep(time.Duration(m.readLatency.Load()))
	copy(p, data[off:])
	return nil
}

func (m *deviceMemory) write(ptr uintptr, off int64, p []byte) error {
	m.mu.Lock()
	data, ok := m.allocations[ptr]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: device %d: stale pointer %#x", ErrInaccessible, m.deviceID, ptr)
	}
	if off < 0 || off+int64(len(p)) > int64(len(data)) {
		return fmt.Errorf("%w: offset %d length %d buffer %d", ErrOutOfRange, off, len(p), len(data))
	}
	time.Sleep(time.Duration(m.writeLatency.Load()))
	copy(data[off:], p)
	return nil
}

// deviceBackend implements Backend over a simulated device memory space.
type deviceBackend struct {
	mem *deviceMemory
}

// NewDevice creates a backend bound to the given simulated device.
func NewDevice(deviceID int) (Backend, error) {
	if deviceID < 0 {
		return nil, fmt.Errorf("%w: device %d", ErrNoDevice, deviceID)
	}
	return &deviceBackend{mem: newDeviceMemory(deviceID)}, nil
}

func (d *deviceBackend) Kind() Kind { return Device }

// DeviceID reports which device this backend is bound to.
func (d *deviceBackend) DeviceID() int { return d.mem.deviceID }

// SetSimulatedLatency overrides the staged copy latencies, for tests.
func (d *deviceBackend) SetSimulatedLatency(read, write time.Duration) {
	d.mem.readLatency.Store(int64(read))
	d.mem.writeLatency.Store(int64(write))
}

func (d *deviceBackend) Allocate(size int64) (Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid buffer size %d", size)
	}
	ptr, err := d.mem.allocate(size)
	if err != nil {
		return nil, err
	}
	return &deviceBuffer{mem: d.mem, ptr: ptr, size: size}, nil
}

func (d *deviceBackend) Release(buf Buffer) error {
	b, ok := buf.(*deviceBuffer)
	if !ok {
		return fmt.Errorf("%w: %T", ErrForeignBuffer, buf)
	}
	return b.mem.free(b.ptr)
}

func (d *deviceBackend) Fill(buf Buffer, length int64, value byte) error {
	b, ok := buf.(*deviceBuffer)
	if !ok {
		return fmt.Errorf("%w: %T", ErrForeignBuffer, buf)
	}
	if err := checkRange(b, 0, length); err != nil {
		return err
	}
	// Stage the pattern host-side, then one device write.
	staged := make([]byte, length)
	for i := range staged {
		staged[i] = value
	}
	return b.mem.write(b.ptr, 0, staged)
}

func (d *deviceBackend) Compare(a, b Buffer, length int64) (int64, error) {
	as, err := snapshot(a, 0, length)
	if err != nil {
		return 0, err
	}
	bs, err := snapshot(b, 0, length)
	if err != nil {
		return 0, err
	}
	return compareBytes(as, bs), nil
}

func (d *deviceBackend) ReadByte(buf Buffer) (byte, error) {
	s, err := snapshot(buf, 0, 1)
	if err != nil {
		return 0, err
	}
	return s[0], nil
}

func (d *deviceBackend) Copy(dst Buffer, dstOff int64, src Buffer, srcOff int64, length int64) error {
	return copyBuffers(dst, dstOff, src, srcOff, length)
}

func (d *deviceBackend) Write(dst Buffer, off int64, p []byte) error {
	return writeBuffer(dst, off, p)
}

func (d *deviceBackend) Read(src Buffer, off int64, p []byte) error {
	s, err := snapshot(src, off, int64(len(p)))
	if err != nil {
		return err
	}
	copy(p, s)
	return nil
}
