package ringlink

import (
	"net"

	"github.com/ringlink/ringlink/phy"
)

// Irq is the set of interrupt causes a backend reports. Reading the
// pending set acknowledges it, mirroring write-one-to-clear interrupt
// status registers.
type Irq uint8

const (
	// IrqTxDone fires when the engine finished transmitting one or more
	// descriptors or drained the transmit window.
	IrqTxDone Irq = 1 << iota
	// IrqRxDone fires when the engine filled one or more receive
	// buffers.
	IrqRxDone
	// IrqBusError fires on a fatal DMA or SPI bus fault. It is the only
	// cause that triggers a wholesale ring reinitialization.
	IrqBusError
)

// Backend is the asynchronous DMA or SPI engine a concrete chip binding
// implements. It is the hardware side of the ownership hand-off: it
// consumes hardware-owned transmit slots, fills receive buffers and
// hands them back, and reports completions through interrupt causes.
//
// None of these methods may block; kicks are doorbell writes, not
// transfers.
type Backend interface {
	// Enable starts the engine. After a bus error the engine is
	// re-enabled only once the rings are back at their startup state.
	Enable() error
	// Disable stops the engine and masks its interrupt sources. Ring
	// reinitialization must only happen while disabled.
	Disable()

	// KickTx pokes the engine to resume polling the transmit path.
	KickTx()
	// KickRx pokes the engine to resume filling the receive path.
	KickRx()

	// PendingIrqs returns and acknowledges the pending interrupt
	// causes. Called from the interrupt handler only.
	PendingIrqs() Irq

	// SetAddressFilter programs the station address and the multicast
	// filter. Configuration only, never on the hot path.
	SetAddressFilter(mac net.HardwareAddr, multicast []net.HardwareAddr) error
	// SetLinkConfig adjusts the MAC to a negotiated speed and duplex
	// after a link transition.
	SetLinkConfig(link phy.Link) error
}
