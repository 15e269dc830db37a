// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// Package hal provides the small SPI/GPIO abstraction the modem driver is
// built on. It decouples the driver from any one hardware access library so
// that the same Modem code runs against real hardware (via embd) or a fake
// bus in tests.
package hal

import (
	"fmt"
	"time"

	"github.com/kidoman/embd"
)

// SPI is a minimal synchronous SPI bus transaction interface.
type SPI interface {
	// Tx performs a full-duplex transfer: len(w) bytes are written while
	// len(r) bytes are simultaneously read. w and r must be the same length.
	Tx(w, r []byte) error
	Speed(hz int64) error
	Configure(mode int, bits int) error
	Close() error
}

// SPI mode constants (CPOL/CPHA combinations).
const (
	SPIMode0 = 0x0
	SPIMode1 = 0x1
	SPIMode2 = 0x2
	SPIMode3 = 0x3
)

// GPIO is a single digital pin used for chip-select or reset lines.
type GPIO interface {
	In(edge int) error
	Read() int
	WaitForEdge(timeout time.Duration) bool
	Out(level int)
	Number() int
}

// GPIO edge/level constants.
const (
	GpioLow        = 0
	GpioHigh       = 1
	GpioNoEdge     = 0
	GpioRisingEdge = 1
)

// NewSPI opens SPI channel through embd, fixed at 4MHz/mode 0 to match the
// SX127x's requirements.
func NewSPI(channel int) (SPI, error) {
	bus := embd.NewSPIBus(embd.SPIMode0, byte(channel), 4*1000*1000, 8, 0)
	return &spiBus{bus}, nil
}

type spiBus struct {
	embd.SPIBus
}

func (s *spiBus) Tx(w, r []byte) error {
	copy(r, w)
	return s.TransferAndReceiveData(r)
}

func (s *spiBus) Speed(hz int64) error {
	if hz != 4*1000*1000 {
		return fmt.Errorf("hal: spi: only 4MHz is supported, got %d", hz)
	}
	return nil
}

func (s *spiBus) Configure(mode int, bits int) error {
	if mode != SPIMode0 {
		return fmt.Errorf("hal: spi: only mode 0 is supported, got %d", mode)
	}
	if bits != 8 {
		return fmt.Errorf("hal: spi: only 8-bit words are supported, got %d", bits)
	}
	return nil
}

// NewGPIO opens a digital pin by its embd name (e.g. "GPIO22", "P9_12").
func NewGPIO(name string) (GPIO, error) {
	p, err := embd.NewDigitalPin(name)
	if err != nil {
		return nil, fmt.Errorf("hal: gpio: cannot open pin %s: %w", name, err)
	}
	return &gpioPin{p: p, dir: embd.In, edge: make(chan struct{}, 1)}, nil
}

type gpioPin struct {
	p    embd.DigitalPin
	dir  embd.Direction
	edge chan struct{}
}

func (g *gpioPin) In(edge int) error {
	if err := g.p.SetDirection(embd.In); err != nil {
		return err
	}
	g.dir = embd.In
	if edge != GpioNoEdge {
		e := []embd.Edge{embd.EdgeNone, embd.EdgeRising, embd.EdgeFalling, embd.EdgeBoth}[edge]
		return g.p.Watch(e, g.edgeCB)
	}
	return nil
}

func (g *gpioPin) Read() int {
	v, _ := g.p.Read()
	return v
}

func (g *gpioPin) WaitForEdge(timeout time.Duration) bool {
	to := time.After(timeout)
	select {
	case <-g.edge:
		return true
	case <-to:
		return false
	}
}

func (g *gpioPin) Out(level int) {
	if g.dir != embd.Out {
		g.p.SetDirection(embd.Out)
		g.dir = embd.Out
	}
	g.p.Write(level)
}

func (g *gpioPin) Number() int { return g.p.N() }

func (g *gpioPin) edgeCB(embd.DigitalPin) {
	select {
	case g.edge <- struct{}{}:
	default:
	}
}
