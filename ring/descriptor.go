package ring

import (
	"sync/atomic"
)

// Owner says which side of the hand-off may currently mutate a slot's
// buffer, length and flags. Transferring ownership is the only legal way
// to move data between the driver and the DMA/SPI engine; the ownership
// bit is the sole synchronization mechanism on the hot path.
type Owner uint32

const (
	// OwnerSoftware marks a slot the driver may fill (TX) or drain (RX).
	OwnerSoftware Owner = iota
	// OwnerHardware marks a slot that is in the hands of the DMA/SPI
	// engine and must not be touched by the driver.
	OwnerHardware
)

func (o Owner) String() string {
	switch o {
	case OwnerSoftware:
		return "software"
	case OwnerHardware:
		return "hardware"
	default:
		return "invalid"
	}
}

// ErrorFlags is the per-descriptor hardware error bitset. The concrete
// bit positions of a chip are translated into these flags at the
// register boundary.
type ErrorFlags uint16

const (
	// ErrorCRC marks a frame that failed the FCS check.
	ErrorCRC ErrorFlags = 1 << iota
	// ErrorTruncated marks a frame that exceeded the buffer it was
	// received into.
	ErrorTruncated
	// ErrorOverrun marks a receive FIFO overrun.
	ErrorOverrun
	// ErrorSymbol marks a PHY symbol error seen during reception.
	ErrorSymbol
)

// Descriptor is the software-facing view of one hardware buffer slot:
// a fixed backing buffer, a byte length, frame boundary markers and an
// ownership bit. The backing buffer is allocated once when the ring is
// created and is never reallocated.
//
// The owner field is the only state shared between the interrupt side
// and the processing task, so it is accessed atomically. Everything
// else is guarded by it: a side may only read or write the remaining
// fields while it holds ownership.
type Descriptor struct {
	owner atomic.Uint32

	buf []byte

	// Length is the number of valid payload bytes in the backing
	// buffer.
	Length uint32
	// StartOfFrame marks the first buffer of a frame.
	StartOfFrame bool
	// EndOfFrame marks the last buffer of a frame.
	EndOfFrame bool
	// Errors carries the hardware error bits reported for this slot.
	Errors ErrorFlags

	// wrap is set only on the last physical slot and defines the ring
	// length without a separate count field, matching the hardware
	// convention.
	wrap bool
}

// Owner returns which side currently owns the slot.
func (d *Descriptor) Owner() Owner {
	return Owner(d.owner.Load())
}

// SetOwner transfers the slot to the given side. The caller must hold
// ownership; hardware models use this to complete a transfer or to
// publish a filled receive buffer.
func (d *Descriptor) SetOwner(o Owner) {
	d.owner.Store(uint32(o))
}

// Buffer exposes the full backing storage of the slot. Only the side
// that holds ownership may touch it.
func (d *Descriptor) Buffer() []byte {
	return d.buf
}

// Payload returns the valid bytes of the backing buffer.
func (d *Descriptor) Payload() []byte {
	n := int(d.Length)
	if n > len(d.buf) {
		n = len(d.buf)
	}
	return d.buf[:n]
}

// Wraps reports whether the cursor leaving this slot returns to index 0.
func (d *Descriptor) Wraps() bool {
	return d.wrap
}

// clearStatus resets everything but ownership and the wrap marker, so a
// slot can be handed back for reuse without leaking stale frame state.
func (d *Descriptor) clearStatus() {
	d.Length = 0
	d.StartOfFrame = false
	d.EndOfFrame = false
	d.Errors = 0
}
