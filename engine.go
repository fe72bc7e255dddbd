// Package ringlink is a NIC driver core for embedded TCP/IP stacks: the
// packet-ring engine that every MAC/DMA driver variant re-implements.
// It covers descriptor rings exchanged with a DMA engine under an
// ownership invariant, frame reassembly across descriptor boundaries,
// and the windowed circular-buffer protocol of SPI-attached controllers
// with on-chip packet memory. Concrete chip bindings supply a [Backend]
// and a PHY; the engine owns the hand-off protocol, the cursors and the
// recovery path.
package ringlink

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/ringlink/ringlink/config"
	"github.com/ringlink/ringlink/phy"
	"github.com/ringlink/ringlink/ring"
	"github.com/ringlink/ringlink/sched"
	"github.com/ringlink/ringlink/window"
)

// windowHeaderSize is the on-chip framing of windowed controllers: each
// frame is preceded by its length as a 16-bit big-endian word.
const windowHeaderSize = 2

// EngineConfig describes one engine instance. Either the ring sizes or
// the two windows must be set; they select the DMA-descriptor and the
// SPI-window flavor of the engine respectively.
type EngineConfig struct {
	// TxRingSize and RxRingSize are the descriptor counts for the DMA
	// flavor. BufferSize is the fixed per-descriptor buffer size.
	TxRingSize int
	RxRingSize int
	BufferSize int

	// TxWindow and RxWindow select the windowed flavor.
	TxWindow *window.Window
	RxWindow *window.Window

	// MaxFrameSize bounds assembled and transmitted frames. Defaults to
	// [ring.DefaultMaxFrameSize].
	MaxFrameSize int

	Backend Backend
	PHY     *phy.Device

	// Deliver receives each complete frame, synchronously, before the
	// backing storage returns to the hardware.
	Deliver ring.DeliverFunc

	// Waker wakes the processing task from interrupt context. Defaults
	// to a channel waker.
	Waker sched.Waker
}

// Engine composes a transmit path, a receive path and the
// interrupt-to-task hand-off into the send/receive/interrupt contract
// a driver exposes. One Engine instance serves one physical NIC; the
// caller owns it and passes it into both interrupt and task contexts.
type Engine struct {
	l *logrus.Logger

	tx *ring.Ring
	rx *ring.Ring

	txWin *window.Window
	rxWin *window.Window
	// txScratch assembles the header+payload of one windowed frame so
	// it enters the window as a single logical write; rxScratch holds
	// the frame being extracted. They are separate because Send and the
	// drain loop may run on different goroutines.
	txScratch []byte
	rxScratch []byte

	asm      *ring.Assembler
	deliver  ring.DeliverFunc
	maxFrame int

	be  Backend
	phy *phy.Device

	events   *sched.Events
	waker    sched.Waker
	notifier *Notifier

	metrics *EngineMetrics
}

// NewEngine builds an engine from an explicit configuration. Missing
// collaborators are configuration errors and fail here, not at first
// use.
func NewEngine(l *logrus.Logger, cfg EngineConfig) (*Engine, error) {
	if cfg.Backend == nil {
		return nil, ErrNoBackend
	}
	if cfg.PHY == nil {
		return nil, ErrNoPHY
	}

	maxFrame := cfg.MaxFrameSize
	if maxFrame == 0 {
		maxFrame = ring.DefaultMaxFrameSize
	}

	waker := cfg.Waker
	if waker == nil {
		waker = sched.NewChanWaker()
	}

	e := &Engine{
		l:        l,
		deliver:  cfg.Deliver,
		maxFrame: maxFrame,
		be:       cfg.Backend,
		phy:      cfg.PHY,
		waker:    waker,
		metrics:  newEngineMetrics(),
	}
	e.events = sched.NewEvents(waker)

	switch {
	case cfg.TxWindow != nil && cfg.RxWindow != nil:
		// Every legal frame must fit an empty window, or transmit could
		// never drain and ready would never re-raise.
		need := windowHeaderSize + maxFrame
		if cfg.TxWindow.Capacity() < need || cfg.RxWindow.Capacity() < need {
			return nil, fmt.Errorf("%w: %d byte frames need %d, capacity %d",
				ErrWindowTooSmall, maxFrame, need, min(cfg.TxWindow.Capacity(), cfg.RxWindow.Capacity()))
		}
		e.txWin = cfg.TxWindow
		e.rxWin = cfg.RxWindow
		e.txScratch = make([]byte, need)
		e.rxScratch = make([]byte, maxFrame)

	case cfg.TxRingSize > 0 && cfg.RxRingSize > 0:
		var err error
		e.tx, err = ring.New(cfg.TxRingSize, cfg.BufferSize, cfg.Backend.KickTx)
		if err != nil {
			return nil, fmt.Errorf("create tx ring: %w", err)
		}
		e.rx, err = ring.New(cfg.RxRingSize, cfg.BufferSize, cfg.Backend.KickRx)
		if err != nil {
			return nil, fmt.Errorf("create rx ring: %w", err)
		}

	default:
		return nil, ErrNoPath
	}

	var err error
	e.asm, err = ring.NewAssembler(maxFrame, e.deliverFrame, e.onDrop)
	if err != nil {
		return nil, fmt.Errorf("create frame assembler: %w", err)
	}

	e.notifier = NewNotifier(e.events, e.txFree)
	return e, nil
}

// NewEngineFromConfig builds an engine with ring geometry and frame
// limits taken from the loaded configuration.
func NewEngineFromConfig(l *logrus.Logger, c *config.C, be Backend, p *phy.Device, deliver ring.DeliverFunc) (*Engine, error) {
	cfg := EngineConfig{
		Backend:      be,
		PHY:          p,
		Deliver:      deliver,
		MaxFrameSize: c.GetInt("link.max_frame_size", ring.DefaultMaxFrameSize),
	}

	switch mode := c.GetString("engine.mode", "ring"); mode {
	case "ring":
		cfg.TxRingSize = c.GetInt("engine.tx_ring", 16)
		cfg.RxRingSize = c.GetInt("engine.rx_ring", 16)
		cfg.BufferSize = c.GetInt("engine.buffer_size", 256)

	case "window":
		capacity := c.GetInt("engine.window_capacity", 2048)
		txMem := make(window.Memory, capacity)
		rxMem := make(window.Memory, capacity)
		var err error
		if cfg.TxWindow, err = window.New(capacity, txMem); err != nil {
			return nil, fmt.Errorf("create tx window: %w", err)
		}
		if cfg.RxWindow, err = window.New(capacity, rxMem); err != nil {
			return nil, fmt.Errorf("create rx window: %w", err)
		}

	default:
		return nil, fmt.Errorf("engine.mode was not understood: %s", mode)
	}

	return NewEngine(l, cfg)
}

// TxRing exposes the transmit ring for the hardware side of the
// hand-off (chip bindings, device models). Nil in window mode.
func (e *Engine) TxRing() *ring.Ring {
	return e.tx
}

// RxRing exposes the receive ring for the hardware side of the
// hand-off. Nil in window mode.
func (e *Engine) RxRing() *ring.Ring {
	return e.rx
}

// Windows exposes the transmit and receive windows. Nil in ring mode.
func (e *Engine) Windows() (tx, rx *window.Window) {
	return e.txWin, e.rxWin
}

// Events exposes the engine's flag set so a processing task can sleep
// on the waker and take the flags on wakeup.
func (e *Engine) Events() *sched.Events {
	return e.events
}

// Waker exposes the waker the event flags are wired to, so a processing
// task can sleep on it.
func (e *Engine) Waker() sched.Waker {
	return e.waker
}

// Notifier exposes the interrupt-side hand-off, for chip bindings that
// dispatch their own interrupt causes.
func (e *Engine) Notifier() *Notifier {
	return e.notifier
}

// MaxFrameSize returns the configured link maximum.
func (e *Engine) MaxFrameSize() int {
	return e.maxFrame
}

// Init resets both paths to their startup invariants, brings up the
// PHY, programs the negotiated link into the MAC and enables the
// engine.
func (e *Engine) Init() error {
	e.resetPaths()

	if err := e.phy.Reset(); err != nil {
		return fmt.Errorf("bring up phy: %w", err)
	}
	if link, changed, err := e.phy.PollLink(); err != nil {
		return fmt.Errorf("poll link: %w", err)
	} else if changed {
		if err := e.be.SetLinkConfig(link); err != nil {
			return fmt.Errorf("apply link config: %w", err)
		}
	}

	if err := e.be.Enable(); err != nil {
		return fmt.Errorf("enable engine: %w", err)
	}
	e.be.KickRx()
	e.events.Set(sched.EventTxReady)

	e.l.WithFields(logrus.Fields{
		"mode":     e.mode(),
		"maxFrame": e.maxFrame,
	}).Info("Engine initialized")
	return nil
}

func (e *Engine) mode() string {
	if e.txWin != nil {
		return "window"
	}
	return "ring"
}

// txFree reports whether another send can go through right now.
func (e *Engine) txFree() bool {
	if e.txWin != nil {
		return int(e.txWin.Free()) >= windowHeaderSize+e.maxFrame
	}
	return e.tx.TxReady()
}

// Send queues one frame for transmission. It is synchronous and
// non-blocking: the payload is copied into the transmit path and
// ownership handed to the engine before it returns.
//
// [ErrBackpressure] reports a full transmit path; the caller pauses
// until the transmitter-ready event fires. Note that backpressure is
// also signaled proactively: when this send succeeded but used the last
// free slot, the ready flag is cleared for the next caller instead of
// failing them later.
func (e *Engine) Send(payload []byte) error {
	if len(payload) > e.maxFrame {
		return ErrFrameTooLarge
	}

	if e.txWin != nil {
		return e.sendWindow(payload)
	}

	d, err := e.tx.TryClaimTx()
	if err != nil {
		e.events.Clear(sched.EventTxReady)
		e.metrics.txBackpressure.Inc(1)
		return ErrBackpressure
	}
	if err := e.tx.SubmitTx(d, payload); err != nil {
		// Oversized for a single descriptor; multi-descriptor transmit
		// is deliberately not supported.
		return ErrFrameTooLarge
	}

	if !e.tx.TxReady() {
		e.events.Clear(sched.EventTxReady)
	}
	e.metrics.txFrames.Inc(1)
	e.metrics.txBytes.Inc(int64(len(payload)))
	return nil
}

func (e *Engine) sendWindow(payload []byte) error {
	need := windowHeaderSize + len(payload)
	if int(e.txWin.Free()) < need {
		e.events.Clear(sched.EventTxReady)
		e.metrics.txBackpressure.Inc(1)
		return ErrBackpressure
	}

	binary.BigEndian.PutUint16(e.txScratch, uint16(len(payload)))
	copy(e.txScratch[windowHeaderSize:], payload)
	if err := e.txWin.Write(e.txScratch[:need]); err != nil {
		e.metrics.txBackpressure.Inc(1)
		return ErrBackpressure
	}
	e.be.KickTx()

	if !e.txFree() {
		e.events.Clear(sched.EventTxReady)
	}
	e.metrics.txFrames.Inc(1)
	e.metrics.txBytes.Inc(int64(len(payload)))
	return nil
}

// ReceiveOne assembles and delivers at most one frame. It returns
// [ErrBufferEmpty] when no complete frame is pending, which is the
// drain loop's termination condition, not a failure.
func (e *Engine) ReceiveOne() error {
	if e.rxWin != nil {
		return e.receiveWindow()
	}

	if err := e.asm.Next(e.rx); err != nil {
		return ErrBufferEmpty
	}
	return nil
}

func (e *Engine) receiveWindow() error {
	var hdr [windowHeaderSize]byte
	if err := e.rxWin.Peek(0, hdr[:]); err != nil {
		return ErrBufferEmpty
	}
	n := int(binary.BigEndian.Uint16(hdr[:]))

	if n < ring.MinFrameSize || n > e.maxFrame {
		// The length prefix is the only framing the window has; a bad
		// one means the stream lost sync and nothing behind it can be
		// trusted. Drain from the read side only, the controller may
		// still be appending.
		e.l.WithField("length", n).Warn("Window framing out of sync, flushing receive window")
		_ = e.rxWin.Skip(int(e.rxWin.Used()))
		e.metrics.rxDropped.Inc(1)
		return ErrBufferEmpty
	}
	if int(e.rxWin.Used()) < windowHeaderSize+n {
		// Header visible but the payload has not fully arrived yet.
		return ErrBufferEmpty
	}

	_ = e.rxWin.Skip(windowHeaderSize)
	if _, err := e.rxWin.Read(e.rxScratch[:n]); err != nil {
		return ErrBufferEmpty
	}
	e.deliverFrame(ring.Frame{Data: e.rxScratch[:n]})
	e.be.KickRx()
	return nil
}

// ReceiveAll drains the receive path until it reports empty and returns
// the number of frames delivered. It runs on the processing task only,
// never in interrupt context.
func (e *Engine) ReceiveAll() int {
	delivered := 0
	for e.ReceiveOne() == nil {
		delivered++
	}
	return delivered
}

// HandleInterrupt reads and acknowledges the pending interrupt causes
// and performs the flag-and-wake hand-off. It returns whether the wake
// requires a reschedule on the way out of the interrupt. No buffer work
// happens here.
func (e *Engine) HandleInterrupt() bool {
	irqs := e.be.PendingIrqs()
	resched := false

	if irqs&IrqBusError != 0 {
		resched = e.notifier.OnBusError() || resched
	}
	if irqs&IrqTxDone != 0 {
		resched = e.notifier.OnTxComplete() || resched
	}
	if irqs&IrqRxDone != 0 {
		resched = e.notifier.OnRxComplete() || resched
	}
	return resched
}

// ProcessEvents is the task-side half of the hand-off: it takes the
// pending flags and performs the deferred work. Bus-error recovery runs
// first so that a fault never lets stale frames from before the reset
// leak out of the drain that follows.
func (e *Engine) ProcessEvents() error {
	ev := e.events.TakeAll()

	if ev&sched.EventBusError != 0 {
		if err := e.recover(); err != nil {
			return err
		}
	}
	if ev&sched.EventLinkChange != 0 {
		if err := e.CheckLink(); err != nil {
			return err
		}
	}
	if ev&sched.EventRxPending != 0 {
		e.ReceiveAll()
	}
	return nil
}

// recover is the only place a ring is wholesale reset after startup.
// The engine is disabled for the duration so a torn reset cannot race
// an in-flight hardware write.
func (e *Engine) recover() error {
	e.metrics.busErrors.Inc(1)
	e.l.Warn("Bus error, reinitializing packet paths")

	e.be.Disable()
	e.resetPaths()
	if err := e.be.Enable(); err != nil {
		return fmt.Errorf("re-enable engine after bus error: %w", err)
	}
	e.be.KickRx()
	e.events.Set(sched.EventTxReady)
	return nil
}

func (e *Engine) resetPaths() {
	if e.txWin != nil {
		e.txWin.Reset()
		e.rxWin.Reset()
	} else {
		e.tx.Reset(ring.OwnerSoftware)
		e.rx.Reset(ring.OwnerHardware)
	}
	e.asm.Reset()
}

// CheckLink polls the PHY and reprograms the MAC when the link state
// changed. Callers run it periodically or from a link-change interrupt;
// it is configuration work, not hot path.
func (e *Engine) CheckLink() error {
	link, changed, err := e.phy.PollLink()
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return e.be.SetLinkConfig(link)
}

// UpdateAddressFilter programs the station address and multicast set
// into the backend.
func (e *Engine) UpdateAddressFilter(mac []byte, multicast [][]byte) error {
	mcast := make([]net.HardwareAddr, len(multicast))
	for i, m := range multicast {
		mcast[i] = net.HardwareAddr(m)
	}
	return e.be.SetAddressFilter(net.HardwareAddr(mac), mcast)
}

// UpdateLinkConfig forces a speed/duplex configuration into the MAC,
// bypassing auto-negotiation.
func (e *Engine) UpdateLinkConfig(link phy.Link) error {
	return e.be.SetLinkConfig(link)
}

func (e *Engine) deliverFrame(f ring.Frame) {
	e.metrics.rxFrames.Inc(1)
	e.metrics.rxBytes.Inc(int64(f.Len()))
	if e.deliver != nil {
		e.deliver(f)
	}
}

func (e *Engine) onDrop(reason error) {
	e.metrics.rxDropped.Inc(1)
	if e.l != nil {
		e.l.WithError(reason).Debug("Dropped invalid frame")
	}
}
