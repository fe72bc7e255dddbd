// Package window implements the circular packet-memory access protocol
// of SPI-attached Ethernet controllers that keep their TX/RX buffers
// on-chip. Instead of a descriptor ring there is one large circular
// byte buffer per direction, addressed by 16-bit read/write pointers
// that increase monotonically and are truncated modulo the capacity
// only when forming a physical address, matching the two's-complement
// wrap semantics of the hardware.
package window

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrWindowFull is returned when a write does not fit into the
	// remaining free space. Like a full descriptor ring this is
	// backpressure, resolved by waiting for the controller to drain.
	ErrWindowFull = errors.New("not enough free space in window")

	// ErrWindowEmpty is returned when a read finds no resident bytes.
	ErrWindowEmpty = errors.New("no unread bytes in window")

	// ErrCapacityInvalid is returned when a window capacity is invalid.
	ErrCapacityInvalid = errors.New("window capacity is invalid")
)

const (
	minCapacity = 1 << 10
	maxCapacity = 1 << 13
)

// CheckCapacity checks if the given value would be a valid on-chip
// buffer capacity and returns a wrapped [ErrCapacityInvalid], if not.
// The supported controllers carve their packet memory into power-of-two
// windows between 1 KiB and 8 KiB.
func CheckCapacity(capacity int) error {
	if capacity < minCapacity {
		return fmt.Errorf("%w: %d is smaller than the minimum %d", ErrCapacityInvalid, capacity, minCapacity)
	}
	if capacity > maxCapacity {
		return fmt.Errorf("%w: %d is larger than the maximum %d", ErrCapacityInvalid, capacity, maxCapacity)
	}
	if capacity&(capacity-1) != 0 {
		return fmt.Errorf("%w: %d is not a power of 2", ErrCapacityInvalid, capacity)
	}
	return nil
}

// Accessor performs one physically contiguous copy to or from the
// controller's packet memory. off is always below the window capacity;
// runs crossing the capacity boundary are split by [Window] before they
// reach the accessor, so an implementation maps 1:1 onto an SPI burst.
type Accessor interface {
	ReadAt(off uint16, p []byte)
	WriteAt(off uint16, p []byte)
}

// Memory is a host-memory backed [Accessor], used by tests and by the
// simulated SPI controller.
type Memory []byte

func (m Memory) ReadAt(off uint16, p []byte)  { copy(p, m[off:]) }
func (m Memory) WriteAt(off uint16, p []byte) { copy(m[off:], p) }

// Window is one direction of a controller's circular packet memory.
//
// The pointers are never reset at the capacity boundary; the unread
// byte count is writePtr-readPtr in plain uint16 arithmetic, which
// stays correct across the 16-bit overflow as long as the capacity is a
// power of two no larger than 32 KiB.
//
// Exactly two actors touch a window, one writing and one reading, and
// each pointer has a single writer. The pointers are the only state
// shared between them, so they are accessed atomically: the pointer
// advance after a copy is what publishes the bytes to the other side,
// the same role the pointer registers play on the real hardware.
type Window struct {
	capacity uint16
	mask     uint16
	mem      Accessor

	// Both hold a 16-bit pointer zero-extended; all arithmetic is done
	// truncated back to uint16.
	readPtr  atomic.Uint32
	writePtr atomic.Uint32
}

// New creates a window of the given capacity over the given packet
// memory accessor.
func New(capacity int, mem Accessor) (*Window, error) {
	if err := CheckCapacity(capacity); err != nil {
		return nil, err
	}
	if mem == nil {
		return nil, errors.New("window needs a packet memory accessor")
	}
	return &Window{
		capacity: uint16(capacity),
		mask:     uint16(capacity - 1),
		mem:      mem,
	}, nil
}

// Capacity returns the window capacity in bytes.
func (w *Window) Capacity() int {
	return int(w.capacity)
}

// Used returns the number of bytes currently resident (written but not
// yet read). Each side may see a conservative value: a reader can miss
// bytes the writer just published, never the other way around.
func (w *Window) Used() uint16 {
	return uint16(w.writePtr.Load()) - uint16(w.readPtr.Load())
}

// Free returns the number of bytes that can still be written.
func (w *Window) Free() uint16 {
	return w.capacity - w.Used()
}

// Pointers returns the raw monotonically increasing read and write
// pointers, mostly for register mirroring and diagnostics.
func (w *Window) Pointers() (readPtr, writePtr uint16) {
	return uint16(w.readPtr.Load()), uint16(w.writePtr.Load())
}

// Reset empties the window without touching the packet memory. It may
// only run while the other side of the hand-off is stopped, which is
// the case at init and during bus-error recovery with the controller
// disabled.
func (w *Window) Reset() {
	w.readPtr.Store(0)
	w.writePtr.Store(0)
}

// Write copies p into the window as one logical operation. A run that
// crosses the capacity boundary is split into two physical transfers,
// capacity-offset bytes at the tail then the remainder at address 0;
// the write pointer only advances after both halves completed, so a
// concurrent reader can never observe a torn frame.
func (w *Window) Write(p []byte) error {
	if len(p) > int(w.Free()) {
		return ErrWindowFull
	}

	ptr := uint16(w.writePtr.Load())
	off := ptr & w.mask
	if first := int(w.capacity) - int(off); len(p) > first {
		w.mem.WriteAt(off, p[:first])
		w.mem.WriteAt(0, p[first:])
	} else {
		w.mem.WriteAt(off, p)
	}

	// The advance publishes the bytes; it must be the last write.
	w.writePtr.Store(uint32(ptr + uint16(len(p))))
	return nil
}

// Read copies up to len(p) resident bytes out of the window, splitting
// at the capacity boundary like [Window.Write], and advances the read
// pointer only after the copy completed. It returns [ErrWindowEmpty]
// when nothing is resident.
func (w *Window) Read(p []byte) (int, error) {
	used := int(w.Used())
	if used == 0 {
		return 0, ErrWindowEmpty
	}
	n := min(len(p), used)

	ptr := uint16(w.readPtr.Load())
	w.readAt(ptr, p[:n])
	w.readPtr.Store(uint32(ptr + uint16(n)))
	return n, nil
}

// Peek copies resident bytes starting at the given distance past the
// read pointer without consuming them. Controllers use it to inspect a
// frame header before committing to the full read.
func (w *Window) Peek(skip int, p []byte) error {
	if skip+len(p) > int(w.Used()) {
		return ErrWindowEmpty
	}
	w.readAt(uint16(w.readPtr.Load())+uint16(skip), p)
	return nil
}

// Skip consumes n resident bytes without copying them out, the windowed
// equivalent of dropping a frame.
func (w *Window) Skip(n int) error {
	if n > int(w.Used()) {
		return ErrWindowEmpty
	}
	ptr := uint16(w.readPtr.Load())
	w.readPtr.Store(uint32(ptr + uint16(n)))
	return nil
}

func (w *Window) readAt(ptr uint16, p []byte) {
	off := ptr & w.mask
	if first := int(w.capacity) - int(off); len(p) > first {
		w.mem.ReadAt(off, p[:first])
		w.mem.ReadAt(0, p[first:])
	} else {
		w.mem.ReadAt(off, p)
	}
}
