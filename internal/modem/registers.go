// Copyright (c) 2016 by Thorsten von Eicken, see LICENSE file for details

package modem

// Register addresses for the SX127x in LoRa mode.
const (
	REG_FIFO        = 0x00
	REG_OPMODE      = 0x01
	REG_FRFMSB      = 0x06
	REG_PACONFIG    = 0x09
	REG_OCP         = 0x0B
	REG_LNA         = 0x0C
	REG_FIFOPTR     = 0x0D
	REG_FIFOTXBASE  = 0x0E
	REG_FIFORXBASE  = 0x0F
	REG_FIFORXCURR  = 0x10
	REG_IRQMASK     = 0x11
	REG_IRQFLAGS    = 0x12
	REG_RXBYTES     = 0x13
	REG_MODEMSTAT   = 0x18
	REG_PKTSNR      = 0x19
	REG_PKTRSSI     = 0x1A
	REG_CURRSSI     = 0x1B
	REG_HOPCHAN     = 0x1C
	REG_MODEMCONF1  = 0x1D
	REG_MODEMCONF2  = 0x1E
	REG_SYMBTIMEOUT = 0x1F
	REG_PREAMBLEMSB = 0x20
	REG_PREAMBLELSB = 0x21
	REG_PAYLENGTH   = 0x22
	REG_PAYMAX      = 0x23
	REG_FIFORXLAST  = 0x25
	REG_MODEMCONF3  = 0x26
	REG_PPMCORR     = 0x27
	REG_FEI         = 0x28
	REG_DETECTOPT   = 0x31
	REG_INVERTIQ    = 0x33
	REG_DETECTTHR   = 0x37
	REG_SYNC        = 0x39
	REG_DIOMAPPING1 = 0x40
	REG_DIOMAPPING2 = 0x41
	REG_VERSION     = 0x42
	REG_TCXO        = 0x4B
	REG_PADAC       = 0x4D
	REG_FORMERTEMP  = 0x5B
)

// OpMode values (low 3 bits of REG_OPMODE once LongRangeMode is latched).
const (
	MODE_SLEEP = iota
	MODE_STANDBY
	MODE_FS_TX     // frequency synthesis TX
	MODE_TX        // TX
	MODE_FS_RX     // frequency synthesis RX
	MODE_RX_CONT   // RX continuous
	MODE_RX_SINGLE // RX single
	MODE_CAD       // channel activity detection
)

// OpMode flag bits layered on top of the 3-bit mode field.
const (
	LongRangeMode   = 0x80
	LowFrequencyOn  = 0x08 // required for the sub-1GHz SX1276/77/78 variants
	PASelectBoost   = 0x80 // PA_CONFIG: route TX through PA_BOOST
	PADacEnableReg  = 0x87
	PADacDisableReg = 0x84
)

const (
	// IRQ mask and flags register bits.
	IRQ_RXTIMEOUT = 1 << 7
	IRQ_RXDONE    = 1 << 6
	IRQ_CRCERR    = 1 << 5
	IRQ_VALIDHDR  = 1 << 4
	IRQ_TXDONE    = 1 << 3
	IRQ_CADDONE   = 1 << 2
	IRQ_FHSCHG    = 1 << 1
	IRQ_CADDETECT = 1 << 0
)

// configRegs holds the register init sequence applied at boot, as pairs of
// <address, data>.
var configRegs = []byte{
	0x0B, 0x32, // Over-current protection @150mA
	0x0C, 0x23, // max LNA gain
	0x0D, 0x00, // FIFO ptr = 0
	0x11, 0x12, // mask valid header and FHSS change interrupts
	0x1f, 0xff, // RX timeout at 255 bytes
	0x24, 0x00, // no freq hopping
	0x27, 0x00, // no ppm freq correction
	0x31, 0x03, // detection optimize for SF7-12
	0x33, 0x27, // no I/Q invert
	0x37, 0x0A, // detection threshold for SF7-12
	0x40, 0x00, // DIO mapping 1
	0x41, 0x00, // DIO mapping 2
}
