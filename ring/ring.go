package ring

import (
	"errors"
	"fmt"
)

var (
	// ErrRingFull is returned when the cursor slot is still owned by
	// hardware on the transmit side. It is backpressure, not a failure:
	// the caller should stop sending until a completion event arrives.
	ErrRingFull = errors.New("no free descriptor, ring is full")

	// ErrRingEmpty is returned when the cursor slot holds no filled
	// receive buffer. It is the expected loop-termination condition for
	// a drain loop.
	ErrRingEmpty = errors.New("no filled descriptor, ring is empty")

	// ErrRingSizeInvalid is returned when a ring capacity is invalid.
	ErrRingSizeInvalid = errors.New("ring size is invalid")

	// ErrPayloadTooLarge is returned when a payload does not fit into a
	// single descriptor buffer. Multi-descriptor transmit is
	// deliberately unsupported.
	ErrPayloadTooLarge = errors.New("payload exceeds descriptor buffer")
)

// maxRingSize is the largest descriptor count any of the supported
// controllers can address.
const maxRingSize = 256

// CheckRingSize checks if the given value would be a valid descriptor
// count for a ring and returns a wrapped [ErrRingSizeInvalid], if not.
func CheckRingSize(size int) error {
	if size < 1 {
		return fmt.Errorf("%w: %d is too small", ErrRingSizeInvalid, size)
	}
	if size > maxRingSize {
		return fmt.Errorf("%w: %d is larger than the maximum possible ring size %d",
			ErrRingSizeInvalid, size, maxRingSize)
	}
	return nil
}

// Kicker pokes the DMA/SPI engine after descriptors changed hands, so
// it resumes polling the ring. It must be cheap and non-blocking.
type Kicker func()

// Ring is a fixed-capacity circular array of descriptors plus a cursor.
// It owns the wraparound arithmetic and the ownership hand-off protocol
// between the driver and an asynchronous DMA/SPI engine.
//
// Exactly two actors touch a ring: the processing task (claim, fill,
// drain, release) and the hardware side (complete, fill). Each
// descriptor's ownership bit arbitrates which of the two may touch its
// payload at any instant; no additional lock is held in steady state.
type Ring struct {
	slots  []Descriptor
	cursor int
	kick   Kicker
}

// New creates a ring of size descriptors, each backed by a fixed buffer
// of bufSize bytes. The backing storage is allocated once and lives as
// long as the ring. The kicker may be nil when no engine needs poking
// (tests, windowed controllers).
func New(size, bufSize int, kick Kicker) (*Ring, error) {
	if err := CheckRingSize(size); err != nil {
		return nil, err
	}
	if bufSize <= 0 {
		return nil, fmt.Errorf("descriptor buffer size must be positive, got %d", bufSize)
	}

	r := &Ring{
		slots: make([]Descriptor, size),
		kick:  kick,
	}

	// One allocation for all buffers, carved into fixed slices.
	backing := make([]byte, size*bufSize)
	for i := range r.slots {
		r.slots[i].buf = backing[i*bufSize : (i+1)*bufSize : (i+1)*bufSize]
	}
	r.slots[size-1].wrap = true

	return r, nil
}

// Size returns the number of descriptors in the ring.
func (r *Ring) Size() int {
	return len(r.slots)
}

// Cursor returns the current cursor position. On the transmit side it
// points at the next slot to claim, on the receive side at the next
// slot to inspect.
func (r *Ring) Cursor() int {
	return r.cursor
}

// Slot exposes the descriptor at index i. It exists for the hardware
// side of the hand-off (device models, chip bindings) and for tests;
// the driver side goes through the claim/poll/release protocol instead.
func (r *Ring) Slot(i int) *Descriptor {
	return &r.slots[i]
}

// Reset returns the ring to its startup invariant: cursor at 0, all
// status fields cleared and every slot owned by the given side
// (software for transmit rings, hardware for receive rings). It must
// only run while the engine that polls this ring is disabled.
func (r *Ring) Reset(owner Owner) {
	for i := range r.slots {
		r.slots[i].clearStatus()
		r.slots[i].SetOwner(owner)
	}
	r.cursor = 0
}

// advance moves the cursor by exactly one slot, wrapping to 0 when the
// slot it leaves carries the wrap marker.
func (r *Ring) advance() {
	if r.slots[r.cursor].wrap {
		r.cursor = 0
		return
	}
	r.cursor++
}

// TryClaimTx returns the cursor slot if the driver owns it, or
// [ErrRingFull] when it is still in the hands of the engine. Claiming
// does not move the cursor; [Ring.SubmitTx] does.
func (r *Ring) TryClaimTx() (*Descriptor, error) {
	d := &r.slots[r.cursor]
	if d.Owner() != OwnerSoftware {
		return nil, ErrRingFull
	}
	return d, nil
}

// SubmitTx copies the payload into the claimed slot, marks it as a
// complete single-buffer frame, hands it to the engine and advances the
// cursor. The descriptor must be the one returned by the immediately
// preceding [Ring.TryClaimTx].
func (r *Ring) SubmitTx(d *Descriptor, payload []byte) error {
	if d != &r.slots[r.cursor] {
		return fmt.Errorf("descriptor is not the claimed cursor slot %d", r.cursor)
	}
	if len(payload) > len(d.buf) {
		return ErrPayloadTooLarge
	}

	copy(d.buf, payload)
	d.Length = uint32(len(payload))
	d.StartOfFrame = true
	d.EndOfFrame = true
	d.Errors = 0

	// The ownership flip publishes the slot; it must be the last write.
	d.SetOwner(OwnerHardware)
	r.advance()

	if r.kick != nil {
		r.kick()
	}
	return nil
}

// TxReady reports whether the next transmit slot is free to claim. The
// engine uses it to decide when to signal backpressure for the next
// send rather than failing the current one.
func (r *Ring) TxReady() bool {
	return r.slots[r.cursor].Owner() == OwnerSoftware
}

// PollRx returns the cursor slot once the engine has filled it and
// handed it back, or [ErrRingEmpty]. The cursor does not move until the
// slot is released.
func (r *Ring) PollRx() (*Descriptor, error) {
	return r.PollRxAt(0)
}

// PollRxAt inspects the slot offset positions ahead of the cursor
// without releasing anything in between. Frame reassembly uses it to
// look at a whole SOF..EOF run before any backing slot is returned to
// the engine.
func (r *Ring) PollRxAt(offset int) (*Descriptor, error) {
	if offset < 0 || offset >= len(r.slots) {
		return nil, ErrRingEmpty
	}
	d := &r.slots[(r.cursor+offset)%len(r.slots)]
	if d.Owner() != OwnerSoftware {
		return nil, ErrRingEmpty
	}
	return d, nil
}

// ReleaseRx clears the cursor slot's status, returns it to the engine
// for reuse, advances the cursor and pokes the engine to keep polling.
// A slot must never be released while its data is still referenced by
// an in-flight frame.
func (r *Ring) ReleaseRx(d *Descriptor) error {
	if d != &r.slots[r.cursor] {
		return fmt.Errorf("descriptor is not the cursor slot %d", r.cursor)
	}

	d.clearStatus()
	d.SetOwner(OwnerHardware)
	r.advance()

	if r.kick != nil {
		r.kick()
	}
	return nil
}
