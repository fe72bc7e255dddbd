package ringlink

import (
	"context"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"

	"github.com/ringlink/ringlink/config"
	"github.com/ringlink/ringlink/phy"
	"github.com/ringlink/ringlink/ring"
	"github.com/ringlink/ringlink/sntp"
	"github.com/ringlink/ringlink/util"
)

type m map[string]any

// Main builds the simulated NIC from the loaded configuration: a PHY on
// a simulated MDIO bus, a simulated backend in the configured engine
// mode and the engine on top. The returned Control runs the interrupt
// and processing loops; with configTest set nothing is started.
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger) (*Control, error) {
	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.NewContextualError("Failed to configure the logger", nil, err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	mdio := NewSimMDIO()
	p, err := phy.NewDevice(mdio, uint8(c.GetInt("phy.address", 0)), l)
	if err != nil {
		return nil, util.NewContextualError("Failed to create phy device", nil, err)
	}

	var (
		be     Backend
		ringBe *SimBackend
		winBe  *SimWindowBackend
	)
	switch mode := c.GetString("engine.mode", "ring"); mode {
	case "ring":
		ringBe = NewSimBackend(l)
		be = ringBe
	case "window":
		winBe = NewSimWindowBackend(l)
		be = winBe
	default:
		return nil, util.NewContextualError("engine.mode was not understood", m{"mode": mode}, nil)
	}

	linkPoll := c.GetDuration("phy.poll_interval", 5*time.Second)
	if linkPoll <= 0 {
		return nil, util.NewContextualError("phy.poll_interval must be positive", m{"interval": linkPoll}, nil)
	}
	simTick := c.GetDuration("sim.tick", 200*time.Millisecond)
	if simTick <= 0 {
		return nil, util.NewContextualError("sim.tick must be positive", m{"tick": simTick}, nil)
	}

	ctrl := &Control{
		l:        l,
		ringBe:   ringBe,
		winBe:    winBe,
		linkPoll: linkPoll,
		simTick:  simTick,
	}

	ctrl.eng, err = NewEngineFromConfig(l, c, be, p, ctrl.onFrame)
	if err != nil {
		return nil, util.NewContextualError("Failed to create engine", nil, err)
	}

	if ringBe != nil {
		ringBe.AttachRings(ctrl.eng.TxRing(), ctrl.eng.RxRing())
	} else {
		winBe.AttachWindows(ctrl.eng.Windows())
	}

	ctrl.mac, err = net.ParseMAC(c.GetString("link.mac", "02:00:00:00:00:01"))
	if err != nil {
		return nil, util.NewContextualError("link.mac was not understood", m{"mac": c.GetString("link.mac", "")}, err)
	}
	for _, s := range c.GetStringSlice("link.multicast", nil) {
		g, err := net.ParseMAC(s)
		if err != nil {
			return nil, util.NewContextualError("link.multicast entry was not understood", m{"mac": s}, err)
		}
		ctrl.multicast = append(ctrl.multicast, g)
	}
	c.RegisterReloadCallback(ctrl.reloadAddressFilter)

	if c.GetBool("sntp.enabled", false) {
		ctrl.timeSource, err = sntp.NewClientFromConfig(l, c)
		if err != nil {
			return nil, util.NewContextualError("Failed to create sntp client", nil, err)
		}
	}

	err = StartStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.NewContextualError("Failed to start stats emission", nil, err)
	}

	return ctrl, nil
}

// onFrame is the stack side of the engine: every delivered frame is
// decoded and logged.
func (ct *Control) onFrame(f ring.Frame) {
	pkt := gopacket.NewPacket(f.Data, layers.LayerTypeEthernet, gopacket.NoCopy)
	fields := logrus.Fields{"bytes": f.Len()}
	if eth, ok := pkt.LinkLayer().(*layers.Ethernet); ok {
		fields["src"] = eth.SrcMAC
		fields["dst"] = eth.DstMAC
		fields["type"] = eth.EthernetType
	}
	ct.l.WithFields(fields).Debug("Frame received")
}

// reloadAddressFilter re-applies the station and multicast filter after
// a HUP reload changed them. The filter registers are safe to rewrite
// while the engine runs.
func (ct *Control) reloadAddressFilter(c *config.C) {
	if !c.HasChanged("link.mac") && !c.HasChanged("link.multicast") {
		return
	}

	mac, err := net.ParseMAC(c.GetString("link.mac", "02:00:00:00:00:01"))
	if err != nil {
		ct.l.WithError(err).WithField("mac", c.GetString("link.mac", "")).Error("link.mac was not understood")
		return
	}
	var multicast [][]byte
	for _, s := range c.GetStringSlice("link.multicast", nil) {
		g, err := net.ParseMAC(s)
		if err != nil {
			ct.l.WithError(err).WithField("mac", s).Error("link.multicast entry was not understood")
			return
		}
		multicast = append(multicast, g)
	}

	if err := ct.eng.UpdateAddressFilter(mac, multicast); err != nil {
		ct.l.WithError(err).Error("Failed to update address filter")
		return
	}
	ct.l.WithField("mac", mac).Info("Address filter updated")
}

// fetchTime asks the configured SNTP servers once, at startup, so the
// simulated device has a wall clock reference for its logs.
func (ct *Control) fetchTime(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	t, err := ct.timeSource.Time(ctx)
	if err != nil {
		ct.l.WithError(err).Warn("Failed to fetch time")
		return
	}
	ct.l.WithFields(logrus.Fields{
		"time":  t,
		"drift": time.Since(t),
	}).Info("Time synchronized")
}
