package ringlink

import (
	"encoding/binary"
	"hash/crc32"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ringlink/ringlink/phy"
	"github.com/ringlink/ringlink/ring"
	"github.com/ringlink/ringlink/window"
)

// simState is the bookkeeping shared by both simulated backends:
// pending interrupt causes, the programmed address filter and the
// captured outbound frames.
type simState struct {
	mu      sync.Mutex
	irqs    Irq
	enabled bool

	mac      net.HardwareAddr
	hashBits uint64
	link     phy.Link

	wire [][]byte
}

func (s *simState) raise(irq Irq) {
	s.mu.Lock()
	s.irqs |= irq
	s.mu.Unlock()
}

func (s *simState) PendingIrqs() Irq {
	s.mu.Lock()
	irqs := s.irqs
	s.irqs = 0
	s.mu.Unlock()
	return irqs
}

func (s *simState) Enable() error {
	s.mu.Lock()
	s.enabled = true
	s.mu.Unlock()
	return nil
}

func (s *simState) Disable() {
	s.mu.Lock()
	s.enabled = false
	s.mu.Unlock()
}

func (s *simState) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// SetAddressFilter mimics the hash-table multicast filter of the real
// controllers: the top 6 bits of the frame-check CRC over the address
// select one of 64 hash bucket bits.
func (s *simState) SetAddressFilter(mac net.HardwareAddr, multicast []net.HardwareAddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mac = mac
	s.hashBits = 0
	for _, m := range multicast {
		s.hashBits |= 1 << hashBucket(m)
	}
	return nil
}

func hashBucket(addr net.HardwareAddr) uint {
	return uint(crc32.ChecksumIEEE(addr) >> 26)
}

// Accepts reports whether the programmed filter would pass a frame sent
// to dst.
func (s *simState) Accepts(dst net.HardwareAddr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(dst) > 0 && dst[0]&1 != 0 {
		return s.hashBits&(1<<hashBucket(dst)) != 0
	}
	return s.mac.String() == dst.String()
}

func (s *simState) SetLinkConfig(link phy.Link) error {
	s.mu.Lock()
	s.link = link
	s.mu.Unlock()
	return nil
}

// Link returns the last configuration programmed into the MAC.
func (s *simState) Link() phy.Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

// Transmitted returns the frames the simulated engine put on the wire.
func (s *simState) Transmitted() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wire
}

// SimBackend is a software model of a descriptor-ring DMA engine. It
// does no work on its own: kicks are recorded as doorbells only, and
// tests (or the simulator loop) call [SimBackend.CompleteTx] and
// [SimBackend.InjectRx] to play the hardware side of the ownership
// hand-off, then let the engine's interrupt handler observe the raised
// causes.
type SimBackend struct {
	simState
	l *logrus.Logger

	tx, rx  *ring.Ring
	txSweep int
	rxSweep int
}

func NewSimBackend(l *logrus.Logger) *SimBackend {
	return &SimBackend{l: l}
}

// AttachRings hands the simulated engine its view of the rings. The
// engine owns ring creation, so this runs right after NewEngine.
func (b *SimBackend) AttachRings(tx, rx *ring.Ring) {
	b.tx = tx
	b.rx = rx
	b.txSweep = 0
	b.rxSweep = 0
}

func (b *SimBackend) KickTx() {}
func (b *SimBackend) KickRx() {}

// Disable also forgets the sweep positions: after a recovery the rings
// are back at cursor 0 and so is the hardware.
func (b *SimBackend) Disable() {
	b.simState.Disable()
	b.txSweep = 0
	b.rxSweep = 0
}

// CompleteTx transmits up to max hardware-owned descriptors in ring
// order, hands the slots back and raises [IrqTxDone]. It returns the
// number of descriptors consumed.
func (b *SimBackend) CompleteTx(max int) int {
	if !b.Enabled() {
		return 0
	}
	done := 0
	for done < max {
		d := b.tx.Slot(b.txSweep)
		if d.Owner() != ring.OwnerHardware {
			break
		}
		frame := make([]byte, d.Length)
		copy(frame, d.Payload())
		b.mu.Lock()
		b.wire = append(b.wire, frame)
		b.mu.Unlock()

		d.SetOwner(ring.OwnerSoftware)
		b.txSweep = b.nextSlot(b.tx, b.txSweep)
		done++
	}
	if done > 0 {
		b.raise(IrqTxDone)
	}
	return done
}

// RxPart is one descriptor's worth of an injected frame, with explicit
// boundary and error flags so tests can produce malformed runs.
type RxPart struct {
	Payload []byte
	SOF     bool
	EOF     bool
	Errors  ring.ErrorFlags
}

// InjectRxParts fills one descriptor per part and raises [IrqRxDone].
// It reports false when the ring had too few empty slots, in which case
// nothing is injected; real controllers drop frames that do not fit.
func (b *SimBackend) InjectRxParts(parts []RxPart) bool {
	if !b.Enabled() {
		return false
	}

	// All slots must be available before any is touched.
	sweep := b.rxSweep
	for range parts {
		if b.rx.Slot(sweep).Owner() != ring.OwnerHardware {
			return false
		}
		sweep = b.nextSlot(b.rx, sweep)
	}

	for _, part := range parts {
		d := b.rx.Slot(b.rxSweep)
		copy(d.Buffer(), part.Payload)
		d.Length = uint32(len(part.Payload))
		d.StartOfFrame = part.SOF
		d.EndOfFrame = part.EOF
		d.Errors = part.Errors
		d.SetOwner(ring.OwnerSoftware)
		b.rxSweep = b.nextSlot(b.rx, b.rxSweep)
	}
	b.raise(IrqRxDone)
	return true
}

// InjectRx splits payload into descriptor-sized parts with start and
// end markers set on the first and last, the way a DMA engine fills a
// ring.
func (b *SimBackend) InjectRx(payload []byte) bool {
	chunk := len(b.rx.Slot(0).Buffer())
	var parts []RxPart
	for off := 0; off < len(payload); off += chunk {
		end := min(off+chunk, len(payload))
		parts = append(parts, RxPart{
			Payload: payload[off:end],
			SOF:     off == 0,
			EOF:     end == len(payload),
		})
	}
	return b.InjectRxParts(parts)
}

// InjectBusError raises the fatal cause.
func (b *SimBackend) InjectBusError() {
	b.raise(IrqBusError)
}

func (b *SimBackend) nextSlot(r *ring.Ring, i int) int {
	if r.Slot(i).Wraps() {
		return 0
	}
	return i + 1
}

// SimWindowBackend is the SPI-controller analogue of [SimBackend]: the
// engine writes length-prefixed frames into the transmit window and the
// simulated controller drains them; injected frames appear in the
// receive window the same way.
type SimWindowBackend struct {
	simState
	l *logrus.Logger

	txWin, rxWin *window.Window
}

func NewSimWindowBackend(l *logrus.Logger) *SimWindowBackend {
	return &SimWindowBackend{l: l}
}

// AttachWindows hands the simulated controller its packet memory.
func (b *SimWindowBackend) AttachWindows(tx, rx *window.Window) {
	b.txWin = tx
	b.rxWin = rx
}

func (b *SimWindowBackend) KickTx() {}
func (b *SimWindowBackend) KickRx() {}

// PumpTx drains every complete frame from the transmit window onto the
// wire and raises [IrqTxDone].
func (b *SimWindowBackend) PumpTx() int {
	if !b.Enabled() {
		return 0
	}
	done := 0
	var hdr [2]byte
	for {
		if b.txWin.Peek(0, hdr[:]) != nil {
			break
		}
		n := int(binary.BigEndian.Uint16(hdr[:]))
		if int(b.txWin.Used()) < 2+n {
			break
		}
		_ = b.txWin.Skip(2)
		frame := make([]byte, n)
		if _, err := b.txWin.Read(frame); err != nil {
			break
		}
		b.mu.Lock()
		b.wire = append(b.wire, frame)
		b.mu.Unlock()
		done++
	}
	if done > 0 {
		b.raise(IrqTxDone)
	}
	return done
}

// InjectRx writes one length-prefixed frame into the receive window and
// raises [IrqRxDone]. Frames that do not fit are dropped, matching the
// on-chip behavior when the host drains too slowly.
func (b *SimWindowBackend) InjectRx(payload []byte) bool {
	if !b.Enabled() {
		return false
	}
	buf := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(buf, uint16(len(payload)))
	copy(buf[2:], payload)
	if err := b.rxWin.Write(buf); err != nil {
		return false
	}
	b.raise(IrqRxDone)
	return true
}

// InjectBusError raises the fatal cause.
func (b *SimWindowBackend) InjectBusError() {
	b.raise(IrqBusError)
}

// SimMDIO is a register-level model of a PHY on the management bus: it
// auto-negotiates instantly and reports a 100 full duplex partner.
// SetLinkUp lets tests and the simulator flap the link.
type SimMDIO struct {
	mu   sync.Mutex
	regs [32]uint16
	up   bool
}

func NewSimMDIO() *SimMDIO {
	s := &SimMDIO{up: true}
	s.regs[phy.RegANLPAR] = phy.AN100FD | phy.AN100HD | phy.AN10FD | phy.AN10HD
	return s
}

// SetLinkUp changes the reported link state, as if the cable had been
// pulled or plugged.
func (s *SimMDIO) SetLinkUp(up bool) {
	s.mu.Lock()
	s.up = up
	s.mu.Unlock()
}

func (s *SimMDIO) ReadReg(phyAddr, reg uint8) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(reg) >= len(s.regs) {
		return 0, phy.ErrInvalidAddr
	}

	switch reg {
	case phy.RegBMSR:
		var v uint16
		if s.up {
			v |= phy.BMSRLinkUp
			if s.regs[phy.RegBMCR]&phy.BMCRANEnable != 0 {
				v |= phy.BMSRANComplete
			}
		}
		return v, nil
	default:
		return s.regs[reg], nil
	}
}

func (s *SimMDIO) WriteReg(phyAddr, reg uint8, value uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(reg) >= len(s.regs) {
		return phy.ErrInvalidAddr
	}

	if reg == phy.RegBMCR {
		// Reset and restart-AN self-clear immediately.
		value &^= phy.BMCRReset | phy.BMCRANRestart
	}
	s.regs[reg] = value
	return nil
}
