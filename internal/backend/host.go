package backend

import "fmt"

// hostBuffer wraps plain process memory.
type hostBuffer struct {
	data     []byte
	released bool
}

func (b *hostBuffer) Len() int64 { return int64(len(b.data)) }

func (b *hostBuffer) bytes(off, length int64) ([]byte, error) {
	if b.released {
		return nil, fmt.Errorf("%w: host buffer released", ErrInaccessible)
	}
	if err := checkRange(b, off, length); err != nil {
		return nil, err
	}
	return b.data[off : off+length], nil
}

// hostBackend implements Backend over byte slices.
type hostBackend struct{}

// NewHost creates the host-memory backend.
func NewHost() Backend {
	return &hostBackend{}
}

func (h *hostBackend) Kind() Kind { return Host }

func (h *hostBackend) Allocate(size int64) (Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid buffer size %d", size)
	}
	return &hostBuffer{data: make([]byte, size)}, nil
}

func (h *hostBackend) Release(buf Buffer) error {
	b, ok := buf.(*hostBuffer)
	if !ok {
		return fmt.Errorf("%w: %T", ErrForeignBuffer, buf)
	}
	if b.released {
		return fmt.Errorf("%w: host buffer already released", ErrInaccessible)
	}
	b.released = true
	b.data = nil
	return nil
}

func (h *hostBackend) Fill(buf Buffer, length int64, value byte) error {
	b, ok := buf.(*hostBuffer)
	if !ok {
		return fmt.Errorf("%w: %T", ErrForeignBuffer, buf)
	}
	dst, err := b.bytes(0, length)
	if err != nil {
		return err
	}
	for i := range dst {
		dst[i] = value
	}
	return nil
}

func (h *hostBackend) Compare(a, b Buffer, length int64) (int64, error) {
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

func (h *hostBackend) ReadByte(buf Buffer) (byte, error) {
	s, err := snapshot(buf, 0, 1)
	if err != nil {
		return 0, err
	}
	return s[0], nil
}

func (h *hostBackend) Copy(dst Buffer, dstOff int64, src Buffer, srcOff int64, length int64) error {
	return copyBuffers(dst, dstOff, src, srcOff, length)
}

func (h *hostBackend) Write(dst Buffer, off int64, p []byte) error {
	return writeBuffer(dst, off, p)
}

func (h *hostBackend) Read(src Buffer, off int64, p []byte) error {
	s, err := snapshot(src, off, int64(len(p)))
	if err != nil {
		return err
	}
	copy(p, s)
	return nil
}

// copyBuffers and writeBuffer are shared by both backends: the source and
// destination decide the staging, not the backend the caller happens to hold.
func copyBuffers(dst Buffer, dstOff int64, src Buffer, srcOff int64, length int64) error {
	s, err := snapshot(src, srcOff, length)
	if err != nil {
		return err
	}
	return writeBuffer(dst, dstOff, s)
}

func writeBuffer(dst Buffer, off int64, p []byte) error {
	switch d := dst.(type) {
	case *hostBuffer:
		out, err := d.bytes(off, int64(len(p)))
		if err != nil {
			return err
		}
		copy(out, p)
		return nil
	case *deviceBuffer:
		return d.mem.write(d.ptr, off, p)
	default:
		return fmt.Errorf("%w: %T", ErrForeignBuffer, dst)
	}
}
