package ring

// The packed status word is the register-level rendition of a
// descriptor's status. Concrete chips each define their own layout; this
// one mirrors the common MAC/DMA convention of an ownership bit in the
// top bit, boundary markers next to it and the byte count in the low
// half. Chip bindings that deviate translate at their own register
// boundary and never leak the packed form past it.
const (
	wordOwn  = 1 << 31
	wordWrap = 1 << 30
	wordSOF  = 1 << 29
	wordEOF  = 1 << 28

	wordErrShift = 16
	wordErrMask  = 0xf << wordErrShift

	wordLenMask = (1 << 14) - 1
)

// PackStatus folds the software-facing view of the descriptor into one
// hardware word.
func (d *Descriptor) PackStatus() uint32 {
	w := uint32(d.Length) & wordLenMask
	w |= (uint32(d.Errors) << wordErrShift) & wordErrMask
	if d.Owner() == OwnerHardware {
		w |= wordOwn
	}
	if d.wrap {
		w |= wordWrap
	}
	if d.StartOfFrame {
		w |= wordSOF
	}
	if d.EndOfFrame {
		w |= wordEOF
	}
	return w
}

// UnpackStatus overwrites the descriptor's status from one hardware
// word. The wrap marker is fixed at ring construction time and is
// asserted, not taken, from the word.
func (d *Descriptor) UnpackStatus(w uint32) {
	d.Length = w & wordLenMask
	d.Errors = ErrorFlags((w & wordErrMask) >> wordErrShift)
	d.StartOfFrame = w&wordSOF != 0
	d.EndOfFrame = w&wordEOF != 0
	if w&wordOwn != 0 {
		d.SetOwner(OwnerHardware)
	} else {
		d.SetOwner(OwnerSoftware)
	}
}
