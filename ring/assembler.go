package ring

import (
	"errors"
	"fmt"
)

// ErrFrameInvalid is the assembler-internal marker for a frame that
// must be dropped: hardware error bits set, length out of range or a
// missing boundary marker. It never crosses the engine boundary; bad
// frames are counted and their slots released, nothing more.
var ErrFrameInvalid = errors.New("frame is invalid")

// DeliverFunc receives one complete frame. It runs synchronously on the
// processing task before any backing slot is released, so the frame can
// never alias a buffer the hardware is concurrently refilling.
type DeliverFunc func(Frame)

// DropFunc is told about every discarded frame and the reason. Engines
// hang their drop counters off of it.
type DropFunc func(reason error)

type assemblerState int

const (
	stateIdle assemblerState = iota
	stateAccumulating
)

// Assembler turns a run of receive descriptors bounded by start/end of
// frame markers into one contiguous frame. Frames that fit a single
// descriptor pass through in one step; frames straddling several
// descriptors are gathered into a linear scratch buffer. State never
// survives an empty ring: a partial frame with no end marker in sight
// is discarded, not buffered across calls.
type Assembler struct {
	scratch  []byte
	n        int
	state    assemblerState
	poisoned bool

	deliver DeliverFunc
	onDrop  DropFunc
}

// NewAssembler creates an assembler whose scratch buffer holds at most
// maxFrame bytes. maxFrame must be at least [MinFrameSize]. The deliver
// callback receives completed frames; onDrop may be nil.
func NewAssembler(maxFrame int, deliver DeliverFunc, onDrop DropFunc) (*Assembler, error) {
	if maxFrame < MinFrameSize {
		return nil, fmt.Errorf("max frame size %d is smaller than the minimum %d", maxFrame, MinFrameSize)
	}
	return &Assembler{
		scratch: make([]byte, maxFrame),
		deliver: deliver,
		onDrop:  onDrop,
	}, nil
}

// Reset throws away any partial assembly state. It is part of the
// bus-error recovery path, next to the ring reinitialization.
func (a *Assembler) Reset() {
	a.n = 0
	a.state = stateIdle
	a.poisoned = false
}

// Next consumes filled descriptors from r until exactly one complete
// frame was delivered or the ring runs out of filled slots, in which
// case [ErrRingEmpty] is returned. Invalid frames are dropped silently
// (modulo the drop callback) and consumption continues, so a single bad
// frame never stalls the drain loop.
//
// Slots are inspected ahead of the cursor and only released after the
// delivery callback returned, honoring the rule that hardware never
// gets a buffer back while its bytes are still referenced.
func (a *Assembler) Next(r *Ring) error {
	consumed := 0

	for {
		d, err := r.PollRxAt(consumed)
		if err != nil {
			// Ran dry mid-frame: the fragment cannot complete anymore
			// within this call, discard it.
			if consumed > 0 {
				a.drop(r, consumed, fmt.Errorf("%w: no end of frame before ring emptied", ErrFrameInvalid))
			}
			a.Reset()
			return ErrRingEmpty
		}
		consumed++

		switch a.state {
		case stateIdle:
			if !d.StartOfFrame {
				// Stray continuation slot with no frame start, skip it.
				a.drop(r, consumed, fmt.Errorf("%w: descriptor without start of frame", ErrFrameInvalid))
				consumed = 0
				continue
			}
			a.state = stateAccumulating
			a.n = 0
			a.poisoned = false

		case stateAccumulating:
			if d.StartOfFrame {
				// A new frame started before the previous one ended.
				// Everything before this slot is an unfinished fragment.
				a.drop(r, consumed-1, fmt.Errorf("%w: start of frame while accumulating", ErrFrameInvalid))
				consumed = 1
				a.n = 0
				a.poisoned = false
			}
		}

		if d.Errors != 0 {
			a.poisoned = true
		}
		a.accumulate(d.Payload())

		if !d.EndOfFrame {
			continue
		}

		// Frame boundary reached, judge what we gathered.
		a.state = stateIdle
		if a.poisoned {
			a.drop(r, consumed, fmt.Errorf("%w: hardware error bits set or frame oversized", ErrFrameInvalid))
			consumed = 0
			continue
		}
		if a.n < MinFrameSize {
			a.drop(r, consumed, fmt.Errorf("%w: length %d below minimum", ErrFrameInvalid, a.n))
			consumed = 0
			continue
		}

		if a.deliver != nil {
			a.deliver(Frame{Data: a.scratch[:a.n]})
		}
		a.releaseRun(r, consumed)
		a.n = 0
		return nil
	}
}

// accumulate appends a descriptor payload to the scratch buffer. A
// frame larger than the scratch buffer poisons the assembly instead of
// overflowing it; the drop happens at the frame boundary.
func (a *Assembler) accumulate(p []byte) {
	if a.n+len(p) > len(a.scratch) {
		a.poisoned = true
		return
	}
	copy(a.scratch[a.n:], p)
	a.n += len(p)
}

// drop releases a run of consumed slots without delivering anything.
func (a *Assembler) drop(r *Ring, consumed int, reason error) {
	if a.onDrop != nil && consumed > 0 {
		a.onDrop(reason)
	}
	a.releaseRun(r, consumed)
}

func (a *Assembler) releaseRun(r *Ring, consumed int) {
	for i := 0; i < consumed; i++ {
		d, err := r.PollRx()
		if err != nil {
			// The slots were inspected moments ago on this same task,
			// nothing can have taken them away.
			panic("consumed descriptor vanished before release")
		}
		_ = r.ReleaseRx(d)
	}
}
