// Copyright (c) 2016 by Thorsten von Eicken, see LICENSE file for details

// Package link implements the two link-layer protocol roles, SatLink and
// GsLink, that ride on top of a Modem and a Reassembler: framing telemetry
// and commands into Packets, running the ACK/retry-free delivery rules, and
// serializing modem access the way a single cooperative Pump task would.
package link

import (
	"time"

	"github.com/tm2space/tm2-manha-firmware/internal/modem"
)

// Radio is the subset of *modem.Modem a Link needs. Narrowing to an
// interface here (rather than taking *modem.Modem directly) lets link-layer
// tests exercise the protocol state machines against a lightweight in-memory
// medium instead of a simulated SPI register file — the register-level
// behavior itself is already covered by the modem package's own tests.
type Radio interface {
	SetMode(mode modem.Mode)
	Mode() modem.Mode
	Send(frame []byte) error
	Recv() (*modem.RxResult, bool, error)
	WaitFlag(mask byte, timeout time.Duration) bool
	SetTxPower(dbm int)
	CAD() bool
	ClearIRQ()
}

var _ Radio = (*modem.Modem)(nil)
