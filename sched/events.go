// Package sched provides the only synchronization primitives the packet
// engine depends on: a level-triggered software flag set and a waker
// that gets the cooperative processing task running. The interrupt side
// sets flags and wakes; all ring work happens later on the woken task.
package sched

import "sync/atomic"

// Event is one level-triggered software flag. Flags stay set until the
// processing task takes them; setting an already-set flag is a no-op.
type Event uint32

const (
	// EventTxReady signals that the transmit ring has a free slot again.
	EventTxReady Event = 1 << iota
	// EventRxPending signals that filled receive buffers are waiting to
	// be drained.
	EventRxPending
	// EventLinkChange signals a PHY link transition.
	EventLinkChange
	// EventBusError signals a fatal DMA/SPI engine fault that needs the
	// recovery path.
	EventBusError
)

// Waker wakes the processing task. Wake reports whether a reschedule is
// needed, i.e. whether the task was actually asleep. Implementations
// must be safe to call from interrupt context and must not block.
type Waker interface {
	Wake() bool
}

// Events is a set of level-triggered flags shared between the interrupt
// handler and the processing task. The bits are the only cross-context
// state, so plain atomic operations suffice.
type Events struct {
	bits  atomic.Uint32
	waker Waker
}

// NewEvents creates a flag set wired to the given waker. The waker may
// be nil when the caller polls instead of sleeping.
func NewEvents(w Waker) *Events {
	return &Events{waker: w}
}

// orBits atomically ORs mask into u and returns the old value. It is
// the CompareAndSwap spelling of atomic.Uint32.Or, which needs Go 1.23.
func orBits(u *atomic.Uint32, mask uint32) uint32 {
	for {
		old := u.Load()
		if u.CompareAndSwap(old, old|mask) {
			return old
		}
	}
}

// andBits atomically ANDs mask into u and returns the old value. It is
// the CompareAndSwap spelling of atomic.Uint32.And, which needs Go 1.23.
func andBits(u *atomic.Uint32, mask uint32) uint32 {
	for {
		old := u.Load()
		if u.CompareAndSwap(old, old&mask) {
			return old
		}
	}
}

// Set raises flags from task context, without waking anyone.
func (e *Events) Set(ev Event) {
	orBits(&e.bits, uint32(ev))
}

// SetFromISR raises flags from interrupt context and wakes the
// processing task. It returns true when the wake requires a reschedule
// on the way out of the interrupt.
func (e *Events) SetFromISR(ev Event) bool {
	orBits(&e.bits, uint32(ev))
	if e.waker == nil {
		return false
	}
	return e.waker.Wake()
}

// Clear lowers flags.
func (e *Events) Clear(ev Event) {
	andBits(&e.bits, ^uint32(ev))
}

// Test reports whether all given flags are currently set.
func (e *Events) Test(ev Event) bool {
	return Event(e.bits.Load())&ev == ev
}

// TestAndClear atomically takes the given flags, reporting whether all
// of them were set. Flags outside ev are left pending.
func (e *Events) TestAndClear(ev Event) bool {
	old := andBits(&e.bits, ^uint32(ev))
	return Event(old)&ev == ev
}

// TakeAll atomically returns and clears every pending flag. The
// processing task calls this once per wakeup and branches on the
// result.
func (e *Events) TakeAll() Event {
	return Event(e.bits.Swap(0))
}
