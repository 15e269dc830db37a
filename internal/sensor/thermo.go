// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package sensor

import (
	"fmt"

	"github.com/tm2space/tm2-manha-firmware/internal/hal"
)

// Thermocouple reads a MAX31855 thermocouple-to-digital converter over the
// same raw SPI bus the modem shares, toggling its own chip-select line
// around each transaction (hal.SPI has no per-device CS of its own).
type Thermocouple struct {
	spi hal.SPI
	cs  hal.GPIO
}

// NewThermocouple returns a Thermocouple bound to spi/cs. The MAX31855 is a
// read-only device; no configuration handshake is needed beyond selecting
// it during the read.
func NewThermocouple(spi hal.SPI, cs hal.GPIO) *Thermocouple {
	return &Thermocouple{spi: spi, cs: cs}
}

// Read performs the 32-bit transaction and returns (thermocouple °C,
// internal junction °C).
func (t *Thermocouple) Read() (thermoC, internalC float64, err error) {
	w := make([]byte, 4)
	r := make([]byte, 4)
	t.cs.Out(hal.GpioLow)
	txErr := t.spi.Tx(w, r)
	t.cs.Out(hal.GpioHigh)
	if txErr != nil {
		return 0, 0, fmt.Errorf("sensor: thermocouple: spi transaction: %w", txErr)
	}

	switch {
	case r[3]&1 != 0:
		return 0, 0, fmt.Errorf("sensor: thermocouple: open circuit")
	case r[3]&2 != 0:
		return 0, 0, fmt.Errorf("sensor: thermocouple: shorted to ground")
	case r[3]&4 != 0:
		return 0, 0, fmt.Errorf("sensor: thermocouple: shorted to VCC")
	}

	intT := int32((int16(r[2]) << 8) | int16(r[3]&0xf0))
	intT = (intT * 1000) >> 8

	thermT := int32((int16(r[0]) << 8) | int16(r[1]&0xfc))
	thermT = (thermT * 1000) >> 4

	return float64(thermT) / 1000.0, float64(intT) / 1000.0, nil
}

// Producer adapts Read into a Producer suitable for Registry.Register,
// emitting "temp_c" and "temp_junction_c" fields.
func (t *Thermocouple) Producer() Producer {
	return func() (Reading, error) {
		thermoC, internalC, err := t.Read()
		if err != nil {
			return nil, err
		}
		return Reading{"temp_c": thermoC, "temp_junction_c": internalC}, nil
	}
}
