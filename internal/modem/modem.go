// Copyright (c) 2016 by Thorsten von Eicken, see LICENSE file for details

// Package modem implements a synchronous, single-threaded register-level
// driver for the SX127x family of LoRa radios, reached over SPI with
// separate chip-select and reset GPIO lines.
//
// This driver is polled rather than interrupt driven: the half-duplex link
// layer above it needs deterministic control of exactly when the chip is in
// STDBY/TX/RX_CONT, so IRQ flags are read with WaitFlag instead of wiring
// DIO0 to an edge-triggered GPIO. WaitFlag yields cooperatively between
// polls rather than spinning.
package modem

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/tm2space/tm2-manha-firmware/internal/hal"
)

// ErrInit is returned by Init when the chip does not latch LoRa mode after
// the configuration sequence. It is the one fatal error in this package.
var ErrInit = errors.New("modem: chip did not latch LoRa mode")

// Mode is one of the SX127x's operating modes.
type Mode byte

const (
	ModeSleep  Mode = MODE_SLEEP
	ModeStdby  Mode = MODE_STANDBY
	ModeTx     Mode = MODE_TX
	ModeRxCont Mode = MODE_RX_CONT
	ModeCad    Mode = MODE_CAD
)

// Config is one BW/CR/SF/CRC modem configuration triplet, written to
// REG_MODEMCONF{1,2,3}.
type Config struct {
	Conf1 byte
	Conf2 byte
	Conf3 byte
}

// Configs is the table of modem presets, bit-exact with the values a stock
// SX127x + RadioHead-compatible init uses.
var Configs = map[string]Config{
	"Bw125Cr45Sf128":   {0x72, 0x74, 0x04},
	"Bw500Cr45Sf128":   {0x92, 0x74, 0x04},
	"Bw31_25Cr48Sf512": {0x48, 0x94, 0x04},
	"Bw125Cr48Sf4096":  {0x78, 0xC4, 0x0C},
	"Bw125Cr45Sf2048":  {0x72, 0xB4, 0x04},
}

// Defaults used when the caller leaves the corresponding option zero.
const (
	DefaultConfig    = "Bw125Cr45Sf128"
	DefaultFreqMHz   = 868.0
	DefaultTxPowerDB = 14
)

// fstep is the frequency synthesizer's step size in Hz: 32MHz crystal / 2^19.
const fstep = 32000000.0 / 524288.0

// LogFunc is a low-overhead logging hook for register-level diagnostics. A
// nil LogFunc is replaced with a no-op; this driver talks SPI on every call
// and never reaches for a structured logger on its own hot path.
type LogFunc func(format string, v ...interface{})

// Opts configures a Modem at construction time.
type Opts struct {
	DeviceID  byte
	SPI       hal.SPI
	CS        hal.GPIO
	Reset     hal.GPIO
	Config    string // key into Configs; DefaultConfig if empty
	FreqMHz   float64
	TxPowerDB int
	TimeoutMS int
	Log       LogFunc
}

// Modem drives one SX127x chip. None of its methods are safe for concurrent
// use; the Link layer above it is responsible for serializing access (its
// "single-owner critical section").
type Modem struct {
	deviceID byte
	spi      hal.SPI
	cs       hal.GPIO
	reset    hal.GPIO
	freqMHz  float64
	mode     Mode
	modeSet  bool
	timeout  time.Duration
	log      LogFunc
}

// Init pulses reset, verifies the chip is reachable, latches LoRa mode,
// programs the modem configuration/frequency/power, and leaves the radio in
// STDBY. It returns ErrInit if the mode readback does not match what was
// written.
func Init(opts Opts) (*Modem, error) {
	log := opts.Log
	if log == nil {
		log = func(string, ...interface{}) {}
	}
	timeout := time.Duration(opts.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Second
	}

	m := &Modem{
		deviceID: opts.DeviceID,
		spi:      opts.SPI,
		cs:       opts.CS,
		reset:    opts.Reset,
		freqMHz:  opts.FreqMHz,
		timeout:  timeout,
		log:      log,
	}
	if m.freqMHz == 0 {
		m.freqMHz = DefaultFreqMHz
	}

	if m.reset != nil {
		m.reset.Out(hal.GpioLow)
		time.Sleep(100 * time.Millisecond)
		m.reset.Out(hal.GpioHigh)
		time.Sleep(100 * time.Millisecond)
	}

	version := m.readReg(REG_VERSION)
	log("modem: chip version %#02x", version)

	m.writeReg(REG_OPMODE, MODE_SLEEP)
	time.Sleep(10 * time.Millisecond)
	m.writeReg(REG_OPMODE, byte(MODE_SLEEP)|LongRangeMode|LowFrequencyOn)
	time.Sleep(10 * time.Millisecond)

	got := m.readReg(REG_OPMODE)
	want := byte(MODE_SLEEP) | LongRangeMode | LowFrequencyOn
	if got != want {
		return nil, fmt.Errorf("%w: op-mode readback %#02x, want %#02x", ErrInit, got, want)
	}
	m.mode = ModeSleep
	m.modeSet = true

	for i := 0; i < len(configRegs)-1; i += 2 {
		m.writeReg(configRegs[i], configRegs[i+1])
	}

	m.writeReg(REG_FIFOTXBASE, 0)
	m.writeReg(REG_FIFORXBASE, 0)

	cfgName := opts.Config
	if cfgName == "" {
		cfgName = DefaultConfig
	}
	cfg, ok := Configs[cfgName]
	if !ok {
		return nil, fmt.Errorf("modem: unknown config preset %q", cfgName)
	}
	m.writeReg(REG_MODEMCONF1, cfg.Conf1)
	m.writeReg(REG_MODEMCONF2, cfg.Conf2)
	m.writeReg(REG_MODEMCONF3, cfg.Conf3)

	m.writeReg(REG_PREAMBLEMSB, 0)
	m.writeReg(REG_PREAMBLELSB, 8)

	m.setFrequency(m.freqMHz)

	txPower := opts.TxPowerDB
	if txPower == 0 {
		txPower = DefaultTxPowerDB
	}
	m.SetTxPower(txPower)

	m.SetMode(ModeStdby)
	return m, nil
}

// setFrequency programs REG_FRFMSB/MID/LSB. frf = round(freq_hz / fstep).
func (m *Modem) setFrequency(freqMHz float64) {
	frf := uint32(math.Round(freqMHz * 1000000.0 / fstep))
	m.writeReg(REG_FRFMSB, byte(frf>>16), byte(frf>>8), byte(frf))
	m.log("modem: SetFrequency %.4fMHz -> frf=%#06x", freqMHz, frf)
}

// SetMode is idempotent: it only writes OP_MODE when the cached mode
// differs. Callers are responsible for any state the chip requires before
// a transition (e.g. STDBY before TX).
func (m *Modem) SetMode(mode Mode) {
	if m.modeSet && m.mode == mode {
		return
	}
	m.writeReg(REG_OPMODE, byte(mode)|LongRangeMode|LowFrequencyOn)
	m.mode = mode
	m.modeSet = true
	m.log("modem: mode -> %#02x", mode)
}

// Mode reports the driver's cached notion of the chip's current mode.
func (m *Modem) Mode() Mode { return m.mode }

// Send must be called while the modem is in STDBY. It loads frame into the
// FIFO starting at address 0, sets PAYLOAD_LENGTH, and switches to TX. It
// returns immediately; the caller awaits TX_DONE via WaitFlag.
func (m *Modem) Send(frame []byte) error {
	if len(frame) > 255 {
		return fmt.Errorf("modem: frame of %d bytes exceeds 255-byte FIFO", len(frame))
	}
	if m.mode != ModeStdby {
		return fmt.Errorf("modem: Send called while not in STDBY (mode=%#02x)", m.mode)
	}
	m.writeReg(REG_FIFOPTR, 0)
	m.writeReg(REG_FIFO, frame...)
	m.writeReg(REG_PAYLENGTH, byte(len(frame)))
	m.SetMode(ModeTx)
	return nil
}

// RxResult is one received frame plus its link-quality metadata.
type RxResult struct {
	Payload []byte
	RSSIdBm int
	SNRdB   float64
}

// Recv polls IRQ_RXDONE. If set, it reads the received bytes out of the
// FIFO, clears all IRQ flags, computes RSSI/SNR, and returns them. If
// RX_DONE is not set it returns (nil, false, nil) without blocking.
func (m *Modem) Recv() (*RxResult, bool, error) {
	irq := m.readReg(REG_IRQFLAGS)
	if irq&IRQ_RXDONE == 0 {
		return nil, false, nil
	}

	n := m.readReg(REG_RXBYTES)
	cur := m.readReg(REG_FIFORXCURR)
	m.writeReg(REG_FIFOPTR, cur)
	payload := m.readRegN(REG_FIFO, int(n))

	m.ClearIRQ()

	snr := float64(int8(m.readReg(REG_PKTSNR))) / 4.0
	rawRSSI := int(m.readReg(REG_PKTRSSI))
	offset := -164
	if m.freqMHz >= 779 {
		offset = -157
	}
	rssi := offset + rawRSSI
	if snr < 0 {
		rssi += int(snr)
	}

	return &RxResult{Payload: payload, RSSIdBm: rssi, SNRdB: snr}, true, nil
}

// CAD runs one-shot channel-activity detection: it switches to CAD mode and
// waits up to the modem's configured timeout for CAD_DONE, then reports
// whether CAD_DETECTED was also set.
func (m *Modem) CAD() bool {
	m.SetMode(ModeCad)
	if !m.WaitFlag(IRQ_CADDONE, m.timeout) {
		m.SetMode(ModeStdby)
		return false
	}
	detected := m.readReg(REG_IRQFLAGS)&IRQ_CADDETECT != 0
	m.ClearIRQ()
	m.SetMode(ModeStdby)
	return detected
}

// ClearIRQ clears every IRQ flag.
func (m *Modem) ClearIRQ() {
	m.writeReg(REG_IRQFLAGS, 0xFF)
}

// IsFlagSet reports whether any bit in mask is currently set in IRQFLAGS.
func (m *Modem) IsFlagSet(mask byte) bool {
	return m.readReg(REG_IRQFLAGS)&mask != 0
}

// WaitFlag polls IRQFLAGS for any bit in mask, yielding cooperatively
// between polls (never busy-spinning) until it is set or timeout elapses.
// It returns false on timeout and leaves IRQ flags untouched either way;
// callers that time out are responsible for restoring STDBY.
func (m *Modem) WaitFlag(mask byte, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if m.IsFlagSet(mask) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// SetTxPower clamps to [5,23] dBm and reprograms PA_CONFIG/PA_DAC. Values
// below 20dBm enable the PA_DAC 3dB boost and the driver compensates by
// subtracting 3 from the value it programs into PA_CONFIG.
func (m *Modem) SetTxPower(dbm int) {
	if dbm < 5 {
		dbm = 5
	}
	if dbm > 23 {
		dbm = 23
	}
	if dbm < 20 {
		m.writeReg(REG_PADAC, PADacEnableReg)
		dbm -= 3
	} else {
		m.writeReg(REG_PADAC, PADacDisableReg)
	}
	m.writeReg(REG_PACONFIG, byte(PASelectBoost|(dbm-5)))
	m.log("modem: SetTxPower -> PA_CONFIG byte %#02x", byte(PASelectBoost|(dbm-5)))
}

// writeReg writes one or more consecutive registers starting at addr.
func (m *Modem) writeReg(addr byte, data ...byte) {
	w := make([]byte, len(data)+1)
	r := make([]byte, len(data)+1)
	w[0] = addr | 0x80
	copy(w[1:], data)
	m.cs.Out(hal.GpioLow)
	m.spi.Tx(w, r)
	m.cs.Out(hal.GpioHigh)
}

// readReg reads a single register.
func (m *Modem) readReg(addr byte) byte {
	w := []byte{addr & 0x7f, 0}
	r := make([]byte, 2)
	m.cs.Out(hal.GpioLow)
	m.spi.Tx(w, r)
	m.cs.Out(hal.GpioHigh)
	return r[1]
}

// readRegN reads n bytes starting at addr (used for the FIFO burst read).
func (m *Modem) readRegN(addr byte, n int) []byte {
	w := make([]byte, n+1)
	r := make([]byte, n+1)
	w[0] = addr & 0x7f
	m.cs.Out(hal.GpioLow)
	m.spi.Tx(w, r)
	m.cs.Out(hal.GpioHigh)
	return r[1:]
}
