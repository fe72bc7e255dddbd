// Package phy provides the Ethernet PHY collaborator of the packet
// engine: IEEE 802.3 Clause 22 register access over MDIO, link state
// decoding and auto-negotiation. It runs at initialization and on link
// transitions, never on the packet hot path.
package phy

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Clause 22 register addresses.
const (
	RegBMCR   = 0x00 // basic mode control
	RegBMSR   = 0x01 // basic mode status
	RegPHYID1 = 0x02
	RegPHYID2 = 0x03
	RegANAR   = 0x04 // auto-negotiation advertisement
	RegANLPAR = 0x05 // auto-negotiation link partner ability
)

// BMCR bits.
const (
	BMCRReset      = 1 << 15
	BMCRSpeed100   = 1 << 13
	BMCRANEnable   = 1 << 12
	BMCRANRestart  = 1 << 9
	BMCRFullDuplex = 1 << 8
)

// BMSR bits.
const (
	BMSRANComplete = 1 << 5
	BMSRLinkUp     = 1 << 2
)

// ANAR/ANLPAR ability bits.
const (
	AN100FD = 1 << 8
	AN100HD = 1 << 7
	AN10FD  = 1 << 6
	AN10HD  = 1 << 5
)

var (
	// ErrNoBus is returned when a device is created without MDIO access.
	ErrNoBus = errors.New("phy device needs an mdio bus")

	// ErrInvalidAddr is returned for PHY addresses outside 0..31.
	ErrInvalidAddr = errors.New("phy address out of range")
)

// RegisterBus is the MDIO management interface a MAC exposes. Clause 22
// registers are 5-bit addressed, 16 bits wide.
type RegisterBus interface {
	ReadReg(phyAddr, reg uint8) (uint16, error)
	WriteReg(phyAddr, reg uint8, value uint16) error
}

// Speed is the negotiated link speed in Mb/s.
type Speed int

const (
	Speed10  Speed = 10
	Speed100 Speed = 100
)

// Duplex is the negotiated duplex mode.
type Duplex int

const (
	HalfDuplex Duplex = iota
	FullDuplex
)

func (d Duplex) String() string {
	if d == FullDuplex {
		return "full"
	}
	return "half"
}

// Link is one observed link state, handed to the MAC so it can adjust
// its configuration after a link-up transition.
type Link struct {
	Up     bool
	Speed  Speed
	Duplex Duplex
}

// Device is one PHY on the MDIO bus.
type Device struct {
	bus  RegisterBus
	addr uint8
	l    *logrus.Logger

	last Link
}

// NewDevice creates a handle for the PHY at addr on the given bus.
func NewDevice(bus RegisterBus, addr uint8, l *logrus.Logger) (*Device, error) {
	if bus == nil {
		return nil, ErrNoBus
	}
	if addr > 31 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAddr, addr)
	}
	return &Device{bus: bus, addr: addr, l: l}, nil
}

// Addr returns the PHY address on the MDIO bus.
func (d *Device) Addr() uint8 {
	return d.addr
}

// Reset soft-resets the PHY and advertises all 10/100 abilities, then
// restarts auto-negotiation. It does not wait for negotiation to
// complete; poll [Device.PollLink] for the outcome.
func (d *Device) Reset() error {
	if err := d.bus.WriteReg(d.addr, RegBMCR, BMCRReset); err != nil {
		return fmt.Errorf("reset phy %d: %w", d.addr, err)
	}
	if err := d.bus.WriteReg(d.addr, RegANAR, AN100FD|AN100HD|AN10FD|AN10HD|0x1); err != nil {
		return fmt.Errorf("advertise abilities on phy %d: %w", d.addr, err)
	}
	if err := d.bus.WriteReg(d.addr, RegBMCR, BMCRANEnable|BMCRANRestart); err != nil {
		return fmt.Errorf("restart autonegotiation on phy %d: %w", d.addr, err)
	}
	return nil
}

// PollLink reads the current link state and reports whether it changed
// since the previous poll. While auto-negotiation has not completed the
// link counts as down.
func (d *Device) PollLink() (Link, bool, error) {
	status, err := d.bus.ReadReg(d.addr, RegBMSR)
	if err != nil {
		return Link{}, false, fmt.Errorf("read bmsr on phy %d: %w", d.addr, err)
	}

	link := Link{}
	if status&BMSRLinkUp != 0 && status&BMSRANComplete != 0 {
		partner, err := d.bus.ReadReg(d.addr, RegANLPAR)
		if err != nil {
			return Link{}, false, fmt.Errorf("read anlpar on phy %d: %w", d.addr, err)
		}
		link = resolve(partner)
	}

	changed := link != d.last
	d.last = link
	if changed && d.l != nil {
		d.l.WithFields(logrus.Fields{
			"phy":    d.addr,
			"up":     link.Up,
			"speed":  link.Speed,
			"duplex": link.Duplex.String(),
		}).Info("Link state changed")
	}
	return link, changed, nil
}

// resolve picks the highest common ability, the standard priority
// resolution of Clause 28.
func resolve(partner uint16) Link {
	switch {
	case partner&AN100FD != 0:
		return Link{Up: true, Speed: Speed100, Duplex: FullDuplex}
	case partner&AN100HD != 0:
		return Link{Up: true, Speed: Speed100, Duplex: HalfDuplex}
	case partner&AN10FD != 0:
		return Link{Up: true, Speed: Speed10, Duplex: FullDuplex}
	default:
		return Link{Up: true, Speed: Speed10, Duplex: HalfDuplex}
	}
}
