package ringlink

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringlink/ringlink/phy"
	"github.com/ringlink/ringlink/ring"
	"github.com/ringlink/ringlink/sched"
	"github.com/ringlink/ringlink/window"
)

// fakeMDIO models a PHY that negotiated 100 full right away.
type fakeMDIO struct{}

func (fakeMDIO) ReadReg(phyAddr, reg uint8) (uint16, error) {
	switch reg {
	case phy.RegBMSR:
		return phy.BMSRLinkUp | phy.BMSRANComplete, nil
	case phy.RegANLPAR:
		return phy.AN100FD, nil
	}
	return 0, nil
}

func (fakeMDIO) WriteReg(phyAddr, reg uint8, value uint16) error { return nil }

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

type ringFixture struct {
	eng    *Engine
	be     *SimBackend
	frames [][]byte
}

func newRingFixture(t *testing.T, txSize, rxSize, bufSize int) *ringFixture {
	t.Helper()
	l := testLogger()

	p, err := phy.NewDevice(fakeMDIO{}, 0, nil)
	require.NoError(t, err)

	fx := &ringFixture{be: NewSimBackend(l)}
	fx.eng, err = NewEngine(l, EngineConfig{
		TxRingSize: txSize,
		RxRingSize: rxSize,
		BufferSize: bufSize,
		Backend:    fx.be,
		PHY:        p,
		Deliver: func(f ring.Frame) {
			cp := make([]byte, f.Len())
			copy(cp, f.Data)
			fx.frames = append(fx.frames, cp)
		},
	})
	require.NoError(t, err)

	fx.be.AttachRings(fx.eng.TxRing(), fx.eng.RxRing())
	require.NoError(t, fx.eng.Init())
	return fx
}

func TestNewEngine_ConfigurationErrors(t *testing.T) {
	l := testLogger()
	p, err := phy.NewDevice(fakeMDIO{}, 0, nil)
	require.NoError(t, err)
	be := NewSimBackend(l)

	_, err = NewEngine(l, EngineConfig{PHY: p, TxRingSize: 4, RxRingSize: 4, BufferSize: 64})
	assert.ErrorIs(t, err, ErrNoBackend)

	_, err = NewEngine(l, EngineConfig{Backend: be, TxRingSize: 4, RxRingSize: 4, BufferSize: 64})
	assert.ErrorIs(t, err, ErrNoPHY)

	_, err = NewEngine(l, EngineConfig{Backend: be, PHY: p})
	assert.ErrorIs(t, err, ErrNoPath)
}

func TestNewEngine_WindowMustHoldMaxFrame(t *testing.T) {
	l := testLogger()
	p, err := phy.NewDevice(fakeMDIO{}, 0, nil)
	require.NoError(t, err)

	newWindows := func(capacity int) (*window.Window, *window.Window) {
		tx, err := window.New(capacity, make(window.Memory, capacity))
		require.NoError(t, err)
		rx, err := window.New(capacity, make(window.Memory, capacity))
		require.NoError(t, err)
		return tx, rx
	}

	// 1024 bytes cannot hold a default 1518 byte frame and its length
	// prefix; a send could never succeed and never stop backpressuring.
	tx, rx := newWindows(1024)
	_, err = NewEngine(l, EngineConfig{
		TxWindow: tx,
		RxWindow: rx,
		Backend:  NewSimWindowBackend(l),
		PHY:      p,
		Deliver:  func(ring.Frame) {},
	})
	assert.ErrorIs(t, err, ErrWindowTooSmall)

	// The exact fit is legal: one maximum-size frame fills the window.
	tx, rx = newWindows(2048)
	_, err = NewEngine(l, EngineConfig{
		TxWindow:     tx,
		RxWindow:     rx,
		MaxFrameSize: 2046,
		Backend:      NewSimWindowBackend(l),
		PHY:          p,
		Deliver:      func(ring.Frame) {},
	})
	assert.NoError(t, err)
}

func TestEngine_SendBackpressureLiveness(t *testing.T) {
	// Ring capacity 4, five 64-byte sends back to back with no
	// interrupts serviced: the 4th succeeds, the 5th backpressures,
	// and one completion later the same payload goes through.
	fx := newRingFixture(t, 4, 4, 64)
	payload := make([]byte, 64)

	for i := 0; i < 4; i++ {
		require.NoError(t, fx.eng.Send(payload), "send %d", i+1)
	}
	assert.ErrorIs(t, fx.eng.Send(payload), ErrBackpressure)

	fx.be.CompleteTx(1)
	assert.True(t, fx.eng.HandleInterrupt(), "completion must wake the task")
	assert.True(t, fx.eng.Events().Test(sched.EventTxReady))

	assert.NoError(t, fx.eng.Send(payload))
	assert.Len(t, fx.be.Transmitted(), 1)
}

func TestEngine_ProactiveBackpressureFlag(t *testing.T) {
	fx := newRingFixture(t, 2, 2, 64)
	payload := make([]byte, 32)

	// The first send leaves one slot, the flag stays up. The second
	// uses the last slot: the flag is cleared for the next caller even
	// though this send succeeded.
	require.NoError(t, fx.eng.Send(payload))
	assert.True(t, fx.eng.Events().Test(sched.EventTxReady))
	require.NoError(t, fx.eng.Send(payload))
	assert.False(t, fx.eng.Events().Test(sched.EventTxReady))
}

func TestEngine_SendFrameTooLarge(t *testing.T) {
	fx := newRingFixture(t, 4, 4, 64)

	err := fx.eng.Send(make([]byte, fx.eng.MaxFrameSize()+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	// Oversized for a single descriptor buffer, even though it is
	// within the link maximum: single-buffer transmit contract.
	err = fx.eng.Send(make([]byte, 65))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestEngine_TransmitOrder(t *testing.T) {
	fx := newRingFixture(t, 4, 4, 64)

	require.NoError(t, fx.eng.Send([]byte{1, 1}))
	require.NoError(t, fx.eng.Send([]byte{2, 2}))
	require.NoError(t, fx.eng.Send([]byte{3, 3}))
	fx.be.CompleteTx(3)

	wire := fx.be.Transmitted()
	require.Len(t, wire, 3)
	assert.Equal(t, []byte{1, 1}, wire[0])
	assert.Equal(t, []byte{2, 2}, wire[1])
	assert.Equal(t, []byte{3, 3}, wire[2])
}

func TestEngine_ReceiveFragmented(t *testing.T) {
	// RX capacity 3 with flags [SOF,EOF], [SOF], [EOF]: one single-slot
	// frame, then exactly one reassembled frame, never two.
	fx := newRingFixture(t, 3, 3, 64)

	ok := fx.be.InjectRxParts([]RxPart{
		{Payload: []byte{0xa0, 0xa1}, SOF: true, EOF: true},
		{Payload: []byte{0xb0, 0xb1}, SOF: true},
		{Payload: []byte{0xb2}, EOF: true},
	})
	require.True(t, ok)
	fx.eng.HandleInterrupt()

	require.NoError(t, fx.eng.ReceiveOne())
	require.NoError(t, fx.eng.ReceiveOne())
	assert.ErrorIs(t, fx.eng.ReceiveOne(), ErrBufferEmpty)

	require.Len(t, fx.frames, 2)
	assert.Equal(t, []byte{0xa0, 0xa1}, fx.frames[0])
	assert.Equal(t, []byte{0xb0, 0xb1, 0xb2}, fx.frames[1])
}

func TestEngine_ErroredFrameDroppedAndReleased(t *testing.T) {
	fx := newRingFixture(t, 3, 3, 64)

	ok := fx.be.InjectRxParts([]RxPart{
		{Payload: []byte{1, 2, 3}, SOF: true, EOF: true, Errors: ring.ErrorCRC},
	})
	require.True(t, ok)
	fx.eng.HandleInterrupt()

	assert.ErrorIs(t, fx.eng.ReceiveOne(), ErrBufferEmpty)
	assert.Empty(t, fx.frames)
	assert.Equal(t, ring.OwnerHardware, fx.eng.RxRing().Slot(0).Owner(),
		"dropped frame's slot must go back to hardware")
}

func TestEngine_BusErrorRecovery(t *testing.T) {
	// Two frames pending unread when the bus faults: after recovery the
	// rings match fresh-init state and no stale frame is delivered.
	fx := newRingFixture(t, 4, 4, 64)

	require.True(t, fx.be.InjectRx([]byte{1, 2, 3}))
	require.True(t, fx.be.InjectRx([]byte{4, 5, 6}))
	require.NoError(t, fx.eng.Send(make([]byte, 10)))
	fx.be.InjectBusError()
	fx.eng.HandleInterrupt()

	require.NoError(t, fx.eng.ProcessEvents())

	assert.Empty(t, fx.frames, "no stale frame from before the reset")
	tx, rx := fx.eng.TxRing(), fx.eng.RxRing()
	assert.Equal(t, 0, tx.Cursor())
	assert.Equal(t, 0, rx.Cursor())
	for i := 0; i < 4; i++ {
		assert.Equal(t, ring.OwnerSoftware, tx.Slot(i).Owner(), "tx slot %d", i)
		assert.Equal(t, ring.OwnerHardware, rx.Slot(i).Owner(), "rx slot %d", i)
	}

	// The engine is live again: traffic flows both ways.
	require.True(t, fx.be.InjectRx([]byte{7, 8}))
	fx.eng.HandleInterrupt()
	require.NoError(t, fx.eng.ProcessEvents())
	require.Len(t, fx.frames, 1)
	assert.Equal(t, []byte{7, 8}, fx.frames[0])
}

func TestEngine_ReceiveAllIdempotent(t *testing.T) {
	fx := newRingFixture(t, 4, 4, 64)

	require.True(t, fx.be.InjectRx([]byte{1, 2}))
	require.True(t, fx.be.InjectRx([]byte{3, 4}))
	fx.eng.HandleInterrupt()

	assert.Equal(t, 2, fx.eng.ReceiveAll())
	assert.Equal(t, 0, fx.eng.ReceiveAll(), "a drained ring delivers nothing twice")
	assert.Len(t, fx.frames, 2)
}

func TestEngine_EthernetRoundTrip(t *testing.T) {
	// A realistic Ethernet frame split across descriptors survives
	// reassembly byte for byte.
	fx := newRingFixture(t, 8, 8, 64)

	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{},
		&layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
			DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
			EthernetType: layers.EthernetTypeIPv4,
		},
		gopacket.Payload(make([]byte, 180)),
	)
	require.NoError(t, err)
	frame := buf.Bytes()

	require.True(t, fx.be.InjectRx(frame), "frame spans multiple descriptors")
	fx.eng.HandleInterrupt()
	require.Equal(t, 1, fx.eng.ReceiveAll())

	require.Len(t, fx.frames, 1)
	assert.Equal(t, frame, fx.frames[0])

	pkt := gopacket.NewPacket(fx.frames[0], layers.LayerTypeEthernet, gopacket.Default)
	eth, ok := pkt.LinkLayer().(*layers.Ethernet)
	require.True(t, ok)
	assert.Equal(t, net.HardwareAddr{0x02, 0, 0, 0, 0, 2}, eth.DstMAC)
}

func TestEngine_AddressFilter(t *testing.T) {
	fx := newRingFixture(t, 4, 4, 64)

	station := []byte{0x02, 0, 0, 0, 0, 1}
	mcast := [][]byte{{0x01, 0x00, 0x5e, 0, 0, 1}}
	require.NoError(t, fx.eng.UpdateAddressFilter(station, mcast))

	assert.True(t, fx.be.Accepts(net.HardwareAddr(station)))
	assert.True(t, fx.be.Accepts(net.HardwareAddr(mcast[0])))
	assert.False(t, fx.be.Accepts(net.HardwareAddr{0x02, 0, 0, 0, 0, 9}))
}

func TestEngine_LinkConfigApplied(t *testing.T) {
	fx := newRingFixture(t, 4, 4, 64)

	// Init already polled the PHY, which negotiated 100 full.
	assert.Equal(t, phy.Link{Up: true, Speed: phy.Speed100, Duplex: phy.FullDuplex}, fx.be.Link())
}

// flappingMDIO is a PHY whose link can be raised mid-test.
type flappingMDIO struct {
	up bool
}

func (m *flappingMDIO) ReadReg(phyAddr, reg uint8) (uint16, error) {
	switch reg {
	case phy.RegBMSR:
		if m.up {
			return phy.BMSRLinkUp | phy.BMSRANComplete, nil
		}
		return 0, nil
	case phy.RegANLPAR:
		return phy.AN100FD, nil
	}
	return 0, nil
}

func (m *flappingMDIO) WriteReg(phyAddr, reg uint8, value uint16) error { return nil }

func TestEngine_LinkChangeInterrupt(t *testing.T) {
	// A PHY interrupt raises the link-change flag; the processing task
	// re-polls the PHY and pushes the new negotiation to the engine.
	l := testLogger()
	mdio := &flappingMDIO{}
	p, err := phy.NewDevice(mdio, 0, nil)
	require.NoError(t, err)

	be := NewSimBackend(l)
	eng, err := NewEngine(l, EngineConfig{
		TxRingSize: 4,
		RxRingSize: 4,
		BufferSize: 64,
		Backend:    be,
		PHY:        p,
		Deliver:    func(ring.Frame) {},
	})
	require.NoError(t, err)
	be.AttachRings(eng.TxRing(), eng.RxRing())
	require.NoError(t, eng.Init())
	assert.False(t, be.Link().Up, "link starts down")

	mdio.up = true
	assert.True(t, eng.Notifier().OnLinkChange(), "flag must wake the task")
	require.NoError(t, eng.ProcessEvents())
	assert.Equal(t, phy.Link{Up: true, Speed: phy.Speed100, Duplex: phy.FullDuplex}, be.Link())
}

type windowFixture struct {
	eng    *Engine
	be     *SimWindowBackend
	frames [][]byte
}

func newWindowFixture(t *testing.T, capacity, maxFrame int) *windowFixture {
	t.Helper()
	l := testLogger()

	p, err := phy.NewDevice(fakeMDIO{}, 0, nil)
	require.NoError(t, err)

	txWin, err := window.New(capacity, make(window.Memory, capacity))
	require.NoError(t, err)
	rxWin, err := window.New(capacity, make(window.Memory, capacity))
	require.NoError(t, err)

	fx := &windowFixture{be: NewSimWindowBackend(l)}
	fx.eng, err = NewEngine(l, EngineConfig{
		TxWindow:     txWin,
		RxWindow:     rxWin,
		MaxFrameSize: maxFrame,
		Backend:      fx.be,
		PHY:          p,
		Deliver: func(f ring.Frame) {
			cp := make([]byte, f.Len())
			copy(cp, f.Data)
			fx.frames = append(fx.frames, cp)
		},
	})
	require.NoError(t, err)

	tx, rx := fx.eng.Windows()
	fx.be.AttachWindows(tx, rx)
	require.NoError(t, fx.eng.Init())
	return fx
}

func TestEngine_WindowRoundTrip(t *testing.T) {
	fx := newWindowFixture(t, 2048, 1518)

	out := []byte{0xde, 0xad, 0xbe, 0xef}
	require.NoError(t, fx.eng.Send(out))
	require.Equal(t, 1, fx.be.PumpTx())
	require.Len(t, fx.be.Transmitted(), 1)
	assert.Equal(t, out, fx.be.Transmitted()[0])

	require.True(t, fx.be.InjectRx([]byte{1, 2, 3}))
	fx.eng.HandleInterrupt()
	assert.Equal(t, 1, fx.eng.ReceiveAll())
	require.Len(t, fx.frames, 1)
	assert.Equal(t, []byte{1, 2, 3}, fx.frames[0])
}

func TestEngine_WindowSplitAtBoundary(t *testing.T) {
	// Fill most of the window so the next frame straddles the capacity
	// boundary: the split is invisible at the engine surface.
	fx := newWindowFixture(t, 1024, 1000)

	filler := make([]byte, 900)
	require.True(t, fx.be.InjectRx(filler))
	fx.eng.HandleInterrupt()
	require.Equal(t, 1, fx.eng.ReceiveAll())

	straddler := make([]byte, 300)
	for i := range straddler {
		straddler[i] = byte(i)
	}
	require.True(t, fx.be.InjectRx(straddler))
	fx.eng.HandleInterrupt()
	require.Equal(t, 1, fx.eng.ReceiveAll())

	require.Len(t, fx.frames, 2)
	assert.Equal(t, straddler, fx.frames[1])
}

func TestEngine_WindowBackpressure(t *testing.T) {
	fx := newWindowFixture(t, 1024, 512)

	// Each frame costs len+2 in the window; the fourth does not fit.
	payload := make([]byte, 300)
	require.NoError(t, fx.eng.Send(payload))
	require.NoError(t, fx.eng.Send(payload))
	require.NoError(t, fx.eng.Send(payload))
	assert.ErrorIs(t, fx.eng.Send(payload), ErrBackpressure)
	assert.False(t, fx.eng.Events().Test(sched.EventTxReady))

	fx.be.PumpTx()
	assert.True(t, fx.eng.HandleInterrupt())
	assert.True(t, fx.eng.Events().Test(sched.EventTxReady))
	assert.NoError(t, fx.eng.Send(payload))
}

func TestEngine_WindowMaxFrameLiveness(t *testing.T) {
	// The tightest legal geometry: one maximum-size frame exactly fills
	// the window. Draining it must re-raise the ready flag and let the
	// next full frame through.
	fx := newWindowFixture(t, 2048, 2046)

	frame := make([]byte, 2046)
	require.NoError(t, fx.eng.Send(frame))
	assert.False(t, fx.eng.Events().Test(sched.EventTxReady))
	assert.ErrorIs(t, fx.eng.Send(frame), ErrBackpressure)

	require.Equal(t, 1, fx.be.PumpTx())
	assert.True(t, fx.eng.HandleInterrupt())
	assert.True(t, fx.eng.Events().Test(sched.EventTxReady))
	assert.NoError(t, fx.eng.Send(frame))
}

func TestEngine_WindowBusErrorRecovery(t *testing.T) {
	fx := newWindowFixture(t, 1024, 512)

	require.True(t, fx.be.InjectRx([]byte{9, 9, 9}))
	require.NoError(t, fx.eng.Send(make([]byte, 16)))
	fx.be.InjectBusError()
	fx.eng.HandleInterrupt()

	require.NoError(t, fx.eng.ProcessEvents())
	assert.Empty(t, fx.frames, "pending frame discarded by the reset")

	tx, rx := fx.eng.Windows()
	assert.Equal(t, uint16(0), tx.Used())
	assert.Equal(t, uint16(0), rx.Used())

	require.True(t, fx.be.InjectRx([]byte{4, 2}))
	fx.eng.HandleInterrupt()
	require.NoError(t, fx.eng.ProcessEvents())
	require.Len(t, fx.frames, 1)
	assert.Equal(t, []byte{4, 2}, fx.frames[0])
}

func TestEngine_WindowSyncLossFlushes(t *testing.T) {
	fx := newWindowFixture(t, 1024, 512)

	// A header longer than the link maximum cannot be a real frame: the
	// engine flushes the window instead of waiting forever.
	_, rx := fx.eng.Windows()
	require.NoError(t, rx.Write([]byte{0xff, 0xff, 1, 2, 3}))

	assert.Equal(t, 0, fx.eng.ReceiveAll())
	assert.Equal(t, uint16(0), rx.Used(), "desynchronized window is flushed")
}
