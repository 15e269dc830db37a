// Copyright (c) 2016 by Thorsten von Eicken, see LICENSE file for details

package link

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/tm2space/tm2-manha-firmware/internal/modem"
	"github.com/tm2space/tm2-manha-firmware/internal/packet"
	"github.com/tm2space/tm2-manha-firmware/internal/reassembler"
)

// GsOpts configures a GsLink at construction.
type GsOpts struct {
	DeviceID          byte
	HeartbeatInterval time.Duration // default 1s
	// ReassemblyTimeout bounds how long a half-received multipart message
	// is kept before its buffer is reclaimed. Default 60s.
	ReassemblyTimeout time.Duration
	Log               modem.LogFunc
}

// GsLink is the ground-station protocol state machine: it receives and
// reassembles telemetry, ACKs each part, and transmits operator commands.
type GsLink struct {
	radio    Radio
	deviceID byte

	mu    sync.Mutex
	state SessionState
	re    *reassembler.Reassembler

	heartbeatInterval time.Duration
	heartbeatOn       bool
	lastHeartbeat     time.Time

	reassemblyTimeout time.Duration

	lastTelemetry map[string]interface{}

	onTelemetry       func(map[string]interface{})
	onCommandResponse func(string)

	log modem.LogFunc
}

// NewGsLink constructs a GsLink.
func NewGsLink(radio Radio, opts GsOpts) *GsLink {
	hb := opts.HeartbeatInterval
	if hb <= 0 {
		hb = time.Second
	}
	rt := opts.ReassemblyTimeout
	if rt <= 0 {
		rt = 60 * time.Second
	}
	log := opts.Log
	if log == nil {
		log = func(string, ...interface{}) {}
	}
	return &GsLink{
		radio:             radio,
		deviceID:          opts.DeviceID,
		re:                reassembler.New(),
		heartbeatInterval: hb,
		reassemblyTimeout: rt,
		log:               log,
	}
}

// OnTelemetry sets the callback invoked once per fully reassembled or
// single-part telemetry object.
func (g *GsLink) OnTelemetry(f func(map[string]interface{})) { g.onTelemetry = f }

// OnCommandResponse sets the callback invoked for every inbound CMD: frame.
func (g *GsLink) OnCommandResponse(f func(string)) { g.onCommandResponse = f }

// LastTelemetry returns the most recently delivered telemetry object, if any.
func (g *GsLink) LastTelemetry() (map[string]interface{}, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lastTelemetry == nil {
		return nil, false
	}
	return g.lastTelemetry, true
}

// SetTxPower clamps to [5,23] and reprograms the radio.
func (g *GsLink) SetTxPower(n int) {
	if n < 5 {
		n = 5
	}
	if n > 23 {
		n = 23
	}
	g.radio.SetTxPower(n)
}

// SetHeartbeat toggles the periodic CMD:PING emission.
func (g *GsLink) SetHeartbeat(on bool) {
	g.mu.Lock()
	g.heartbeatOn = on
	g.mu.Unlock()
}

// HeartbeatEnabled reports whether the heartbeat is currently toggled on.
func (g *GsLink) HeartbeatEnabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.heartbeatOn
}

// MaybeHeartbeat sends CMD:PING if the heartbeat is enabled and
// heartbeatInterval has elapsed since the last one. It is meant to be
// polled once per Pump loop iteration; it never spawns its own goroutine,
// since only the Pump task may touch the radio.
func (g *GsLink) MaybeHeartbeat(now time.Time) {
	g.mu.Lock()
	due := g.heartbeatOn && now.Sub(g.lastHeartbeat) >= g.heartbeatInterval
	if due {
		g.lastHeartbeat = now
	}
	g.mu.Unlock()
	if due {
		g.SendCommand("PING")
	}
}

// SendCommand transmits CMD:<text>\r\n to the current peer address (learned
// from the most recent valid inbound frame) and returns true once TX_DONE
// is observed. It does not retry and does not wait for any reply; the
// eventual CMD: response arrives later through ReceiveOnce.
func (g *GsLink) SendCommand(text string) bool {
	g.mu.Lock()
	to, known := g.state.peer()
	g.state.sequence++
	g.mu.Unlock()
	if !known {
		to = packet.Broadcast
	}

	frame := packet.New(g.deviceID, to, []byte("CMD:"+text+"\r\n")).Encode()
	g.radio.SetMode(modem.ModeStdby)
	if err := g.radio.Send(frame); err != nil {
		return false
	}
	ok := g.radio.WaitFlag(modem.IRQ_TXDONE, defaultTxDoneTimeout)
	g.radio.ClearIRQ()
	g.radio.SetMode(modem.ModeStdby)
	return ok
}

// ReceiveOnce holds RX_CONT and processes at most one inbound frame within
// timeout. It is the Pump task's main idle-time call, and doubles as the
// housekeeping point where stale reassembly buffers are reclaimed.
func (g *GsLink) ReceiveOnce(timeout time.Duration) {
	g.re.SweepOlderThan(g.reassemblyTimeout)
	g.radio.SetMode(modem.ModeRxCont)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		res, ok, err := g.radio.Recv()
		if err == nil && ok {
			g.handleFrame(res.Payload, res.RSSIdBm, res.SNRdB)
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (g *GsLink) handleFrame(raw []byte, rssi int, snr float64) {
	pkt, err := packet.Decode(raw, rssi, snr)
	if err != nil || !pkt.ValidChecksum() {
		return // bad length or checksum: dropped silently
	}
	if pkt.AddrTo != g.deviceID && pkt.AddrTo != packet.Broadcast {
		return
	}

	g.mu.Lock()
	g.state.learnPeer(pkt.AddrFrom)
	g.mu.Unlock()
	g.log("gslink: frame from %d, %d bytes, rssi=%ddBm snr=%.1fdB", pkt.AddrFrom, len(pkt.Payload), rssi, snr)

	if text, isCmd := parseCmd(pkt.Payload); isCmd {
		if g.onCommandResponse != nil {
			g.onCommandResponse(text)
		}
		return
	}

	if len(pkt.Payload) == 0 || pkt.Payload[0] != '{' {
		// Anything else inbound to the GS is treated as an opaque response.
		if g.onCommandResponse != nil {
			g.onCommandResponse(string(pkt.Payload))
		}
		return
	}

	var w reassembler.Wrapper
	if json.Unmarshal(pkt.Payload, &w) == nil && w.Part > 0 {
		if !w.Valid() {
			return // _part out of range or _total over budget: dropped, no ACK
		}
		g.ackPart(pkt.AddrFrom, w.Part)
		obj, done, err := g.re.Feed(pkt.AddrFrom, w)
		if err != nil {
			return // completed message failed to parse; entry already evicted
		}
		if done {
			g.deliverTelemetry(obj)
		}
		return
	}

	var obj map[string]interface{}
	if json.Unmarshal(pkt.Payload, &obj) != nil {
		return
	}
	g.ackPart(pkt.AddrFrom, 0)
	g.deliverTelemetry(obj)
}

func (g *GsLink) deliverTelemetry(obj map[string]interface{}) {
	g.mu.Lock()
	g.lastTelemetry = obj
	g.mu.Unlock()
	if g.onTelemetry != nil {
		g.onTelemetry(obj)
	}
}

// ackPart transmits ACK:<part> to sender. ACK frames themselves are never
// retried or acknowledged.
func (g *GsLink) ackPart(sender byte, part int) {
	frame := packet.New(g.deviceID, sender, []byte(ackText(part))).Encode()
	g.radio.SetMode(modem.ModeStdby)
	if err := g.radio.Send(frame); err != nil {
		return
	}
	g.radio.WaitFlag(modem.IRQ_TXDONE, defaultTxDoneTimeout)
	g.radio.ClearIRQ()
	g.radio.SetMode(modem.ModeStdby)
}

func ackText(part int) string {
	return "ACK:" + strconv.Itoa(part) + "\r\n"
}
