package backend

import (
	"errors"
	"testing"
)

func newTestDevice(t *testing.T) Backend {
	t.Helper()
	be, err := NewDevice(0)
	if err != nil {
		t.Fatalf("NewDevice failed: %v", err)
	}
	// Zero out the staged copy latencies so tests run at full speed.
	be.(*deviceBackend).SetSimulatedLatency(0, 0)
	return be
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"host", Host, false},
		{"ram", Host, false},
		{"", Host, false},
		{"device", Device, false},
		{"gpu", Device, false},
		{"flash", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseKind(%q) expected error, got %v", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseKind(%q) failed: %v", tt.in, err)
		} else if got != tt.want {
			t.Errorf("ParseKind(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFillReadByteRoundTrip(t *testing.T) {
	backends := map[string]Backend{
		"host":   NewHost(),
		"device": newTestDevice(t),
	}
	for name, be := range backends {
		t.Run(name, func(t *testing.T) {
			buf, err := be.Allocate(4096)
			if err != nil {
				t.Fatalf("Allocate failed: %v", err)
			}
			defer be.Release(buf)

			for _, v := range []byte{0x00, 0x5a, 0xff} {
				if err := be.Fill(buf, buf.Len(), v); err != nil {
					t.Fatalf("Fill(%#02x) failed: %v", v, err)
				}
				got, err := be.ReadByte(buf)
				if err != nil {
					t.Fatalf("ReadByte failed: %v", err)
				}
				if got != v {
					t.Errorf("ReadByte = %#02x, want %#02x", got, v)
				}
			}
		})
	}
}

func TestCompareCountsMatchingBytes(t *testing.T) {
	be := NewHost()
	a, _ := be.Allocate(1024)
	b, _ := be.Allocate(1024)

	if err := be.Fill(a, 1024, 0xaa); err != nil {
		t.Fatalf("Fill failed: %v", err)
	}
	if err := be.Fill(b, 1024, 0xaa); err != nil {
		t.Fatalf("Fill failed: %v", err)
	}

	matched, err := be.Compare(a, b, 1024)
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}
	if matched != 1024 {
		t.Errorf("Compare = %d, want 1024", matched)
	}

	// Flip one byte in the middle.
	if err := be.Write(b, 512, []byte{0x55}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	matched, err = be.Compare(a, b, 1024)
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}
	if matched != 1023 {
		t.Errorf("Compare = %d, want 1023", matched)
	}
}

func TestCompareStagesAcrossMemorySpaces(t *testing.T) {
	host := NewHost()
	dev := newTestDevice(t)

	hb, _ := host.Allocate(512)
	db, err := dev.Allocate(512)
	if err != nil {
		t.Fatalf("device Allocate failed: %v", err)
	}

	if err := host.Fill(hb, 512, 0x42); err != nil {
		t.Fatalf("host Fill failed: %v", err)
	}
	if err := dev.Fill(db, 512, 0x42); err != nil {
		t.Fatalf("device Fill failed: %v", err)
	}

	// Either backend must be able to compare mixed-space buffers.
	for name, be := range map[string]Backend{"host": host, "device": dev} {
		matched, err := be.Compare(hb, db, 512)
		if err != nil {
			t.Fatalf("%s Compare failed: %v", name, err)
		}
		if matched != 512 {
			t.Errorf("%s Compare = %d, want 512", name, matched)
		}
	}
}

func TestCopyAcrossMemorySpaces(t *testing.T) {
	host := NewHost()
	dev := newTestDevice(t)

	hb, _ := host.Allocate(256)
	db, _ := dev.Allocate(256)

	if err := host.Fill(hb, 256, 0x33); err != nil {
		t.Fatalf("Fill failed: %v", err)
	}
	if err := host.Copy(db, 0, hb, 0, 256); err != nil {
		t.Fatalf("host->device Copy failed: %v", err)
	}

	back, _ := host.Allocate(256)
	if err := host.Copy(back, 0, db, 0, 256); err != nil {
		t.Fatalf("device->host Copy failed: %v", err)
	}

	matched, err := host.Compare(hb, back, 256)
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}
	if matched != 256 {
		t.Errorf("round-trip Compare = %d, want 256", matched)
	}
}

func TestReleasedBufferIsInaccessible(t *testing.T) {
	for name, be := range map[string]Backend{
		"host":   NewHost(),
		"device": newTestDevice(t),
	} {
		t.Run(name, func(t *testing.T) {
			buf, err := be.Allocate(64)
			if err != nil {
				t.Fatalf("Allocate failed: %v", err)
			}
			if err := be.Release(buf); err != nil {
				t.Fatalf("Release failed: %v", err)
			}

			if err := be.Fill(buf, 64, 0x01); !errors.Is(err, ErrInaccessible) {
				t.Errorf("Fill after release = %v, want ErrInaccessible", err)
			}
			if _, err := be.ReadByte(buf); !errors.Is(err, ErrInaccessible) {
				t.Errorf("ReadByte after release = %v, want ErrInaccessible", err)
			}
			if err := be.Read(buf, 0, make([]byte, 1)); !errors.Is(err, ErrInaccessible) {
				t.Errorf("Read after release = %v, want ErrInaccessible", err)
			}
			live, err := be.Allocate(64)
			if err != nil {
				t.Fatalf("Allocate failed: %v", err)
			}
			if _, err := be.Compare(buf, live, 64); !errors.Is(err, ErrInaccessible) {
				t.Errorf("Compare after release = %v, want ErrInaccessible", err)
			}
			// The released error must win over the shrunk-to-zero length,
			// or callers would treat a dead buffer as a retryable fault.
			if _, err := be.ReadByte(buf); errors.Is(err, ErrOutOfRange) {
				t.Errorf("ReadByte after release reported ErrOutOfRange: %v", err)
			}
			if err := be.Release(buf); !errors.Is(err, ErrInaccessible) {
				t.Errorf("double Release = %v, want ErrInaccessible", err)
			}
		})
	}
}

func TestOutOfRangeOperations(t *testing.T) {
	be := NewHost()
	buf, _ := be.Allocate(100)

	if err := be.Fill(buf, 101, 0x01); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Fill beyond bounds = %v, want ErrOutOfRange", err)
	}
	other, _ := be.Allocate(100)
	if err := be.Copy(other, 50, buf, 0, 51); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Copy beyond bounds = %v, want ErrOutOfRange", err)
	}
	if err := be.Read(buf, 90, make([]byte, 11)); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Read beyond bounds = %v, want ErrOutOfRange", err)
	}
}

func TestForeignBufferRejected(t *testing.T) {
	host := NewHost()
	dev := newTestDevice(t)

	db, _ := dev.Allocate(32)
	if err := host.Release(db); !errors.Is(err, ErrForeignBuffer) {
		t.Errorf("host Release of device buffer = %v, want ErrForeignBuffer", err)
	}
	hb, _ := host.Allocate(32)
	if err := dev.Fill(hb, 32, 0x01); !errors.Is(err, ErrForeignBuffer) {
		t.Errorf("device Fill of host buffer = %v, want ErrForeignBuffer", err)
	}
}

func TestDeviceMemoryExceeded(t *testing.T) {
	dev := newTestDevice(t)
	if _, err := dev.Allocate(simDeviceTotalMemory + 1); !errors.Is(err, ErrMemoryExceeded) {
		t.Errorf("oversized Allocate = %v, want ErrMemoryExceeded", err)
	}
}

func TestDeviceMemoryReclaimedOnRelease(t *testing.T) {
	dev := newTestDevice(t)
	mem := dev.(*deviceBackend).mem

	before := mem.freeMemory
	buf, err := dev.Allocate(1024)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if got := mem.freeMemory; got != before-1024 {
		t.Errorf("freeMemory after Allocate = %d, want %d", got, before-1024)
	}
	if err := dev.Release(buf); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if got := mem.freeMemory; got != before {
		t.Errorf("freeMemory after Release = %d, want %d", got, before)
	}
}

func TestNewDeviceRejectsNegativeID(t *testing.T) {
	if _, err := NewDevice(-1); !errors.Is(err, ErrNoDevice) {
		t.Errorf("NewDevice(-1) = %v, want ErrNoDevice", err)
	}
}

func BenchmarkHostFill(b *testing.B) {
	be := NewHost()
	buf, _ := be.Allocate(1 << 20)
	b.SetBytes(1 << 20)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := be.Fill(buf, buf.Len(), byte(i)); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkHostCompare(b *testing.B) {
	be := NewHost()
	x, _ := be.Allocate(1 << 20)
	y, _ := be.Allocate(1 << 20)
	be.Fill(x, x.Len(), 0xaa)
	be.Fill(y, y.Len(), 0xaa)
	b.SetBytes(2 << 20)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := be.Compare(x, y, x.Len()); err != nil {
			b.Fatal(err)
		}
	}
}
