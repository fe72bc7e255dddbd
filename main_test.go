package ringlink

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringlink/ringlink/config"
	"github.com/ringlink/ringlink/test"
)

func TestMain_BuildsRingModeFromConfig(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)
	require.NoError(t, c.LoadString(`
engine:
  mode: ring
  tx_ring: 8
  rx_ring: 8
  buffer_size: 128
link:
  mac: "02:00:00:00:00:0a"
sim:
  tick: 10ms
`))

	ctrl, err := Main(c, false, "test", l)
	require.NoError(t, err)
	require.NotNil(t, ctrl.ringBe)
	assert.Nil(t, ctrl.winBe)
	assert.Equal(t, 8, ctrl.eng.TxRing().Size())
}

func TestMain_BuildsWindowModeFromConfig(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)
	require.NoError(t, c.LoadString(`
engine:
  mode: window
  window_capacity: 4096
`))

	ctrl, err := Main(c, false, "test", l)
	require.NoError(t, err)
	require.NotNil(t, ctrl.winBe)
	tx, rx := ctrl.eng.Windows()
	assert.Equal(t, 4096, tx.Capacity())
	assert.Equal(t, 4096, rx.Capacity())
}

func TestMain_RejectsBadConfig(t *testing.T) {
	l := test.NewLogger()

	c := config.NewC(l)
	require.NoError(t, c.LoadString("engine:\n  mode: teleport"))
	_, err := Main(c, false, "test", l)
	assert.ErrorContains(t, err, "engine.mode was not understood")

	c = config.NewC(l)
	require.NoError(t, c.LoadString("link:\n  mac: not-a-mac"))
	_, err = Main(c, false, "test", l)
	assert.ErrorContains(t, err, "link.mac was not understood")

	// 1024 bytes of window cannot hold the default 1518 byte max frame.
	c = config.NewC(l)
	require.NoError(t, c.LoadString("engine:\n  mode: window\n  window_capacity: 1024"))
	_, err = Main(c, false, "test", l)
	assert.ErrorIs(t, err, ErrWindowTooSmall)

	c = config.NewC(l)
	require.NoError(t, c.LoadString("sim:\n  tick: 0s"))
	_, err = Main(c, false, "test", l)
	assert.ErrorContains(t, err, "sim.tick must be positive")

	c = config.NewC(l)
	require.NoError(t, c.LoadString("phy:\n  poll_interval: 0s"))
	_, err = Main(c, false, "test", l)
	assert.ErrorContains(t, err, "phy.poll_interval must be positive")
}

func TestMain_ReloadUpdatesAddressFilter(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)
	require.NoError(t, c.LoadString(`
engine:
  mode: ring
link:
  mac: "02:00:00:00:00:0a"
`))

	ctrl, err := Main(c, false, "test", l)
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())
	defer ctrl.Stop()

	assert.True(t, ctrl.ringBe.Accepts(net.HardwareAddr{0x02, 0, 0, 0, 0, 0x0a}))
	assert.False(t, ctrl.ringBe.Accepts(net.HardwareAddr{0x02, 0, 0, 0, 0, 0x0b}))

	require.NoError(t, c.ReloadConfigString(`
engine:
  mode: ring
link:
  mac: "02:00:00:00:00:0b"
  multicast:
    - "01:00:5e:00:00:05"
`))

	assert.True(t, ctrl.ringBe.Accepts(net.HardwareAddr{0x02, 0, 0, 0, 0, 0x0b}))
	assert.False(t, ctrl.ringBe.Accepts(net.HardwareAddr{0x02, 0, 0, 0, 0, 0x0a}))
	assert.True(t, ctrl.ringBe.Accepts(net.HardwareAddr{0x01, 0x00, 0x5e, 0, 0, 0x05}))
}

func TestControl_StartStop(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)
	require.NoError(t, c.LoadString(`
engine:
  mode: ring
sim:
  tick: 5ms
phy:
  poll_interval: 5ms
`))

	ctrl, err := Main(c, false, "test", l)
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())

	// A few ticks of generated traffic must make it around the
	// loopback wire.
	time.Sleep(50 * time.Millisecond)
	ctrl.Stop()

	assert.NotEmpty(t, ctrl.ringBe.Transmitted())
}
