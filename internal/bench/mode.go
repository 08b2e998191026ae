package bench

import "fmt"

// Mode selects the transfer strategy a benchmark run measures. The values
// are stable: the high nibble 0x1 marks the DMA-engine family, and the
// remaining families group programmed I/O, mapped-memory copies, and
// interrupt-carried payloads.
type Mode uint8

const (
	// NoOp is the unset mode; running it is a configuration error.
	NoOp Mode = 0x00
	// DmaPush pushes data to the remote host through the DMA engine.
	DmaPush Mode = 0x10
	// DmaPushGlobal is DmaPush with fabric-wide visibility ordering.
	DmaPushGlobal Mode = 0x11
	// DmaPull pulls data from the remote host through the DMA engine.
	DmaPull Mode = 0x12
	// DmaPullGlobal is DmaPull with fabric-wide visibility ordering.
	DmaPullGlobal Mode = 0x13
	// PioWriteRemote writes data into the mapped remote region with
	// programmed I/O.
	PioWriteRemote Mode = 0x20
	// PioCopyToRemote copies data into the mapped remote region.
	PioCopyToRemote Mode = 0x30
	// PioCopyFromRemote copies data out of the mapped remote region.
	PioCopyFromRemote Mode = 0x31
	// MemcpyWriteRemote writes to the mapped remote region with a plain
	// memory copy.
	MemcpyWriteRemote Mode = 0x40
	// MemcpyReadRemote reads from the mapped remote region with a plain
	// memory copy.
	MemcpyReadRemote Mode = 0x41
	// InterruptPayload carries the payload as interrupt data instead of
	// through the mapped buffer.
	InterruptPayload Mode = 0xff
)

// UsesDMA reports whether the mode submits through the DMA engine.
func (m Mode) UsesDMA() bool {
	return m&0xf0 == 0x10
}

// pulls reports whether the mode moves data remote-to-local.
func (m Mode) pulls() bool {
	switch m {
	case DmaPull, DmaPullGlobal, PioCopyFromRemote, MemcpyReadRemote:
		return true
	default:
		return false
	}
}

// global reports whether the mode requests fabric-wide ordering.
func (m Mode) global() bool {
	return m == DmaPushGlobal || m == DmaPullGlobal
}

// Family names the transfer machinery a mode exercises.
func (m Mode) Family() string {
	switch {
	case m.UsesDMA():
		return "dma"
	case m == PioWriteRemote, m == PioCopyToRemote, m == PioCopyFromRemote:
		return "pio"
	case m == MemcpyWriteRemote, m == MemcpyReadRemote:
		return "memcpy"
	case m == InterruptPayload:
		return "interrupt"
	default:
		return "none"
	}
}

var modeNames = map[Mode]string{
	NoOp:              "noop",
	DmaPush:           "dma-push",
	DmaPushGlobal:     "dma-push-global",
	DmaPull:           "dma-pull",
	DmaPullGlobal:     "dma-pull-global",
	PioWriteRemote:    "pio-write",
	PioCopyToRemote:   "pio-copy-to-remote",
	PioCopyFromRemote: "pio-copy-from-remote",
	MemcpyWriteRemote: "memcpy-write",
	MemcpyReadRemote:  "memcpy-read",
	InterruptPayload:  "interrupt-payload",
}

// String returns the mode's configuration name.
func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("mode(%#02x)", uint8(m))
}

// Modes lists every mode in declaration order, NoOp excluded.
func Modes() []Mode {
	return []Mode{
		DmaPush, DmaPushGlobal, DmaPull, DmaPullGlobal,
		PioWriteRemote, PioCopyToRemote, PioCopyFromRemote,
		MemcpyWriteRemote, MemcpyReadRemote, InterruptPayload,
	}
}

// ParseMode parses a configuration name into a Mode.
func ParseMode(s string) (Mode, error) {
	for mode, name := range modeNames {
		if name == s {
			return mode, nil
		}
	}
	return NoOp, fmt.Errorf("unknown benchmark mode %q", s)
}
