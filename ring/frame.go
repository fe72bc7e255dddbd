package ring

// MinFrameSize is the smallest assembled frame the engine will deliver.
// Anything shorter cannot even carry a type field and is treated as
// noise.
const MinFrameSize = 2

// DefaultMaxFrameSize is the standard Ethernet maximum including the
// header and FCS, used when a controller does not configure its own
// limit.
const DefaultMaxFrameSize = 1518

// Frame is one reassembled unit handed to the upper layer. Data aliases
// the assembler's scratch buffer and is only valid until the delivery
// callback returns; callers that need the bytes longer must copy them.
type Frame struct {
	Data []byte
}

// Len returns the assembled frame length in bytes.
func (f Frame) Len() int {
	return len(f.Data)
}
