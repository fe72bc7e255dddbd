package ringlink

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ringlink/ringlink/sched"
	"github.com/ringlink/ringlink/sntp"
)

// Control owns the running simulation: the engine's processing task,
// the simulated hardware tick and the link poller. Start is
// non-blocking; use ShutdownBlock to wait for a signal.
type Control struct {
	l      *logrus.Logger
	eng    *Engine
	ringBe *SimBackend
	winBe  *SimWindowBackend

	mac       net.HardwareAddr
	multicast [][]byte

	timeSource *sntp.Client
	linkPoll   time.Duration
	simTick    time.Duration

	cancel context.CancelFunc
	eg     *errgroup.Group

	// txSeq numbers the generated traffic; wireSeen tracks how much of
	// the simulated wire has been looped back already.
	txSeq    int
	wireSeen int
}

// Start initializes the engine and launches the processing loops. It is
// non-blocking; to block use Control.ShutdownBlock().
func (ct *Control) Start() error {
	if err := ct.eng.Init(); err != nil {
		return err
	}

	multicast := make([][]byte, len(ct.multicast))
	copy(multicast, ct.multicast)
	if err := ct.eng.UpdateAddressFilter(ct.mac, multicast); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	ct.cancel = cancel
	ct.eg, ctx = errgroup.WithContext(ctx)

	if ct.timeSource != nil {
		ct.eg.Go(func() error {
			ct.fetchTime(ctx)
			return nil
		})
	}

	ct.eg.Go(func() error { return ct.eventLoop(ctx) })
	ct.eg.Go(func() error { return ct.simLoop(ctx) })
	ct.eg.Go(func() error { return ct.linkLoop(ctx) })

	ct.l.WithField("mode", ct.eng.mode()).Info("Simulation started")
	return nil
}

// Stop tears the loops down and waits for them to exit.
func (ct *Control) Stop() {
	ct.cancel()
	if err := ct.eg.Wait(); err != nil {
		ct.l.WithError(err).Error("Processing loop failed")
	}
	ct.l.Info("Goodbye")
}

// ShutdownBlock will listen for and block on term and interrupt
// signals, calling Control.Stop() once signalled.
func (ct *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)

	rawSig := <-sigChan
	sig := rawSig.String()
	ct.l.WithField("signal", sig).Info("Caught signal, shutting down")
	ct.Stop()
}

// eventLoop is the processing task half of the interrupt hand-off: it
// sleeps on the waker and performs the deferred work each time the
// interrupt side wakes it.
func (ct *Control) eventLoop(ctx context.Context) error {
	waker, ok := ct.eng.Waker().(*sched.ChanWaker)
	if !ok {
		// A custom waker means someone else runs the processing task.
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-waker.C():
			if err := ct.eng.ProcessEvents(); err != nil {
				return err
			}
		}
	}
}

// simLoop plays the hardware: on every tick it transmits whatever the
// engine queued, loops the frames back onto the receive path and fires
// the interrupt handler, then queues one frame of generated traffic.
func (ct *Control) simLoop(ctx context.Context) error {
	ticker := time.NewTicker(ct.simTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			ct.pumpHardware()

			if err := ct.eng.Send(ct.nextFrame()); err != nil {
				ct.l.WithError(err).Debug("Generated frame not queued")
			}
			ct.eng.HandleInterrupt()
		}
	}
}

// pumpHardware advances the simulated NIC one step: completed transmits
// leave through the wire and come back as received frames.
func (ct *Control) pumpHardware() {
	if ct.ringBe != nil {
		ct.ringBe.CompleteTx(ct.eng.TxRing().Size())
	} else {
		ct.winBe.PumpTx()
	}

	var wire [][]byte
	if ct.ringBe != nil {
		wire = ct.ringBe.Transmitted()
	} else {
		wire = ct.winBe.Transmitted()
	}
	for ; ct.wireSeen < len(wire); ct.wireSeen++ {
		var ok bool
		if ct.ringBe != nil {
			ok = ct.ringBe.InjectRx(wire[ct.wireSeen])
		} else {
			ok = ct.winBe.InjectRx(wire[ct.wireSeen])
		}
		if !ok {
			ct.l.Debug("Loopback frame dropped, receive path full")
		}
	}
}

// nextFrame builds one numbered broadcast frame of generated traffic.
func (ct *Control) nextFrame() []byte {
	ct.txSeq++
	buf := gopacket.NewSerializeBuffer()
	payload := make([]byte, 46)
	payload[0] = byte(ct.txSeq >> 8)
	payload[1] = byte(ct.txSeq)

	gopacket.SerializeLayers(buf, gopacket.SerializeOptions{},
		&layers.Ethernet{
			SrcMAC:       ct.mac,
			DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
			EthernetType: layers.EthernetTypeLLC,
		},
		gopacket.Payload(payload),
	)
	return buf.Bytes()
}

// linkLoop polls the PHY the way a driver without a link-change
// interrupt line would.
func (ct *Control) linkLoop(ctx context.Context) error {
	ticker := time.NewTicker(ct.linkPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := ct.eng.CheckLink(); err != nil {
				ct.l.WithError(err).Error("Link poll failed")
			}
		}
	}
}
