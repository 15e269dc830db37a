// Copyright (c) 2016 by Thorsten von Eicken, see LICENSE file for details

package link

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tm2space/tm2-manha-firmware/internal/modem"
	"github.com/tm2space/tm2-manha-firmware/internal/packet"
)

const (
	defaultAckTimeout     = 5000 * time.Millisecond
	defaultInterPartDelay = 50 * time.Millisecond
	defaultTxDoneTimeout  = 2 * time.Second
	wrapperOverheadBytes  = 50
)

// SendResult reports the outcome of SendTelemetry.
type SendResult struct {
	OK bool
	// FailedPart is the 1-based part that failed to ACK, or 0 for a
	// single-part send or a fully successful multipart send.
	FailedPart int
	Err        error
}

// SatOpts configures a SatLink at construction.
type SatOpts struct {
	DeviceID        byte
	BeaconInterval  time.Duration
	ResetMarkerPath string // default "/RMT_RESET"
	// Reboot performs the actual hardware reset after the RESET command's
	// cooperative delay. Nil is a no-op, useful in tests.
	Reboot func()
	Log    modem.LogFunc
}

// SatLink is the satellite-side protocol state machine: it emits telemetry,
// listens for commands while idle, and answers built-ins itself.
type SatLink struct {
	radio    Radio
	deviceID byte
	state    SessionState
	registry *CommandRegistry

	ackTimeout      time.Duration
	interPartDelay  time.Duration
	txDoneTimeout   time.Duration
	resetMarkerPath string
	reboot          func()
	log             modem.LogFunc

	txPowerDBm     int
	beaconInterval time.Duration

	// resetOkPending is set at construction if the reset marker file was
	// present; the next SendTelemetry call emits CMD:RESET_OK first.
	resetOkPending bool

	onCommandReceived func(name, args string) string
}

// NewSatLink constructs a SatLink. It checks for the reset-marker file left
// by a previous CMD:RESET and, if present, arranges for CMD:RESET_OK to
// precede the first telemetry transmission, deleting the marker.
func NewSatLink(radio Radio, opts SatOpts) *SatLink {
	markerPath := opts.ResetMarkerPath
	if markerPath == "" {
		markerPath = "/RMT_RESET"
	}
	log := opts.Log
	if log == nil {
		log = func(string, ...interface{}) {}
	}

	s := &SatLink{
		radio:           radio,
		deviceID:        opts.DeviceID,
		registry:        NewCommandRegistry(),
		ackTimeout:      defaultAckTimeout,
		interPartDelay:  defaultInterPartDelay,
		txDoneTimeout:   defaultTxDoneTimeout,
		resetMarkerPath: markerPath,
		reboot:          opts.Reboot,
		log:             log,
		beaconInterval:  opts.BeaconInterval,
	}
	if _, err := os.Stat(markerPath); err == nil {
		s.resetOkPending = true
		os.Remove(markerPath)
	}
	return s
}

// RegisterCommand installs a handler for a non-built-in command name.
func (s *SatLink) RegisterCommand(name string, h CommandHandler) { s.registry.Register(name, h) }

// UnregisterCommand removes a previously registered handler.
func (s *SatLink) UnregisterCommand(name string) { s.registry.Unregister(name) }

// OnCommandReceived sets the fallback callback invoked when neither a
// built-in nor a registered handler matches. Its return value is sent back
// as the CMD: response text.
func (s *SatLink) OnCommandReceived(f func(name, args string) string) { s.onCommandReceived = f }

// SetTxPower clamps to [5,23] and reprograms the radio.
func (s *SatLink) SetTxPower(n int) {
	if n < 5 {
		n = 5
	}
	if n > 23 {
		n = 23
	}
	s.txPowerDBm = n
	s.radio.SetTxPower(n)
}

// SetBeaconInterval changes the cadence the runtime glue uses between
// telemetry emissions; SatLink itself does not run a timer, it only holds
// the value for the Producer task to read.
func (s *SatLink) SetBeaconInterval(d time.Duration) { s.beaconInterval = d }

// BeaconInterval returns the configured telemetry cadence.
func (s *SatLink) BeaconInterval() time.Duration { return s.beaconInterval }

// Mode reports the current power mode.
func (s *SatLink) Mode() SessionMode { return s.state.mode }

// SendTelemetry serializes obj (augmented with ts/lpm liveness fields),
// sends it as one frame if it fits within maxFramePayload, or fragments it
// into _part/_total wrappers otherwise, awaiting the matching ACK per part.
// It blocks until the transmission (or its first failed ACK) completes.
// A failed ACK aborts the remaining parts; no part is ever retried.
func (s *SatLink) SendTelemetry(obj map[string]interface{}, maxFramePayload int) SendResult {
	if s.resetOkPending {
		s.sendUnacked("RESET_OK")
		s.resetOkPending = false
	}

	augmented := make(map[string]interface{}, len(obj)+2)
	for k, v := range obj {
		augmented[k] = v
	}
	augmented["ts"] = time.Now().UnixMilli()
	augmented["lpm"] = s.state.mode == LowPower

	j, err := json.Marshal(augmented)
	if err != nil {
		return SendResult{OK: false, Err: fmt.Errorf("link: marshal telemetry: %w", err)}
	}
	J := string(j)

	if len(J) <= maxFramePayload {
		if err := s.sendFrameAndAwaitAck([]byte(J), 0); err != nil {
			return SendResult{OK: false, FailedPart: 0, Err: err}
		}
		return SendResult{OK: true}
	}

	c := maxFramePayload - wrapperOverheadBytes
	if c <= 0 {
		return SendResult{OK: false, Err: fmt.Errorf("link: max_frame_payload %d too small for wrapper overhead", maxFramePayload)}
	}
	chunks := chunkRunes(J, c)
	total := len(chunks)
	for i, chunk := range chunks {
		part := i + 1
		wrapper, err := json.Marshal(struct {
			Part  int    `json:"_part"`
			Total int    `json:"_total"`
			Data  string `json:"data"`
		}{Part: part, Total: total, Data: chunk})
		if err != nil {
			return SendResult{OK: false, FailedPart: part, Err: err}
		}
		if err := s.sendFrameAndAwaitAck(wrapper, part); err != nil {
			return SendResult{OK: false, FailedPart: part, Err: err}
		}
		if part < total {
			time.Sleep(s.interPartDelay)
		}
	}
	return SendResult{OK: true}
}

// sendFrameAndAwaitAck transmits payload to the known peer (or broadcast if
// unknown) and blocks for ACK:<expectPart> up to ackTimeout. Any CMD: frame
// observed while waiting is dispatched inline, matching the half-duplex
// model where the SAT holds RX_CONT whenever it isn't actively sending.
func (s *SatLink) sendFrameAndAwaitAck(payload []byte, expectPart int) error {
	if err := s.transmit(payload); err != nil {
		return err
	}

	s.radio.SetMode(modem.ModeRxCont)
	deadline := time.Now().Add(s.ackTimeout)
	for {
		res, ok, err := s.radio.Recv()
		if err == nil && ok {
			pkt, derr := packet.Decode(res.Payload, res.RSSIdBm, res.SNRdB)
			if derr == nil && pkt.ValidChecksum() && s.addressedToUs(pkt.AddrTo) {
				s.state.learnPeer(pkt.AddrFrom)
				if p, isAck := parseAck(pkt.Payload); isAck {
					if p == expectPart {
						s.radio.SetMode(modem.ModeStdby)
						return nil
					}
					// ACK for an unexpected part: ignore and keep waiting.
				} else if text, isCmd := parseCmd(pkt.Payload); isCmd {
					s.handleCommand(text)
					s.radio.SetMode(modem.ModeRxCont)
				}
			}
		}
		if time.Now().After(deadline) {
			s.radio.SetMode(modem.ModeStdby)
			s.log("satlink: no ACK:%d within %v", expectPart, s.ackTimeout)
			return fmt.Errorf("%w: part %d", ErrAckFailure, expectPart)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// sendUnacked transmits a CMD:<text> frame without waiting for any reply.
func (s *SatLink) sendUnacked(cmdText string) {
	s.transmit([]byte("CMD:" + cmdText + "\r\n"))
	s.radio.SetMode(modem.ModeStdby)
}

// transmit puts the radio in STDBY, loads the frame, and waits for TX_DONE.
func (s *SatLink) transmit(payload []byte) error {
	to := packet.Broadcast
	if addr, ok := s.state.peer(); ok {
		to = addr
	}
	frame := packet.New(s.deviceID, to, payload).Encode()
	s.state.sequence++

	s.radio.SetMode(modem.ModeStdby)
	if err := s.radio.Send(frame); err != nil {
		return err
	}
	if !s.radio.WaitFlag(modem.IRQ_TXDONE, s.txDoneTimeout) {
		s.radio.SetMode(modem.ModeStdby)
		return ErrTimeout
	}
	s.radio.ClearIRQ()
	s.radio.SetMode(modem.ModeStdby)
	return nil
}

// ServeRX holds RX_CONT and dispatches at most one inbound command frame,
// returning after timeout if none arrives. This is what the Pump task calls
// whenever the SAT isn't actively transmitting telemetry.
func (s *SatLink) ServeRX(timeout time.Duration) {
	s.radio.SetMode(modem.ModeRxCont)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		res, ok, err := s.radio.Recv()
		if err == nil && ok {
			pkt, derr := packet.Decode(res.Payload, res.RSSIdBm, res.SNRdB)
			if derr == nil && pkt.ValidChecksum() && s.addressedToUs(pkt.AddrTo) {
				s.state.learnPeer(pkt.AddrFrom)
				if text, isCmd := parseCmd(pkt.Payload); isCmd {
					s.handleCommand(text)
					return
				}
			}
			// Invalid checksum, not addressed to us, or a non-CMD frame: drop silently.
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// handleCommand dispatches one CMD: payload (already trimmed of the
// leading tag and any trailing CRLF) and transmits the reply.
func (s *SatLink) handleCommand(text string) {
	name, args := splitCommand(text)
	var reply string
	switch {
	case name == "PING":
		reply = "PONG"
	case name == "RESET":
		reply = s.handleReset()
	case strings.HasPrefix(text, "TXPOW="):
		reply = s.handleTxPowCommand(text)
	case strings.HasPrefix(text, "LPM="):
		reply = s.handleLPMCommand(text)
	default:
		if r, err := s.registry.Dispatch(name, args); err == nil {
			reply = r
		} else if s.onCommandReceived != nil {
			reply = s.onCommandReceived(name, args)
		} else {
			reply = fmt.Sprintf("ERR unknown command %q", name)
		}
	}
	s.log("satlink: CMD %q -> %q", text, reply)
	s.sendUnacked(reply)
}

func (s *SatLink) handleReset() string {
	os.WriteFile(s.resetMarkerPath, nil, 0644)
	if s.reboot != nil {
		time.AfterFunc(time.Second, s.reboot)
	}
	return "RESET_ACK"
}

func (s *SatLink) handleTxPowCommand(text string) string {
	n, err := strconv.Atoi(strings.TrimPrefix(text, "TXPOW="))
	if err != nil {
		return "TX power value must be an integer"
	}
	if n < 5 || n > 23 {
		return "TX power must be between 5 and 23dBm"
	}
	s.SetTxPower(n)
	return fmt.Sprintf("TX power set to %ddBm", n)
}

func (s *SatLink) handleLPMCommand(text string) string {
	v := strings.TrimPrefix(text, "LPM=")
	switch v {
	case "1":
		s.state.mode = LowPower
		return "low power mode enabled"
	case "0":
		s.state.mode = Normal
		return "low power mode disabled"
	default:
		return "LPM expects 0 or 1"
	}
}

// addressedToUs reports whether a received frame's addr_to names this
// node or the broadcast address.
func (s *SatLink) addressedToUs(addrTo byte) bool {
	return addrTo == s.deviceID || addrTo == packet.Broadcast
}

// splitCommand separates a command's name from its remaining arguments on
// the first space, for handlers registered via RegisterCommand.
func splitCommand(text string) (name, args string) {
	if i := strings.IndexByte(text, ' '); i >= 0 {
		return text[:i], text[i+1:]
	}
	return text, ""
}

// parseCmd reports whether payload is a CMD: frame and returns its text
// with the tag and trailing CRLF stripped.
func parseCmd(payload []byte) (string, bool) {
	s := string(payload)
	if !strings.HasPrefix(s, "CMD:") {
		return "", false
	}
	return strings.TrimRight(strings.TrimPrefix(s, "CMD:"), "\r\n"), true
}

// parseAck reports whether payload is an ACK:<n> frame and returns n.
func parseAck(payload []byte) (int, bool) {
	s := string(payload)
	if !strings.HasPrefix(s, "ACK:") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimRight(strings.TrimPrefix(s, "ACK:"), "\r\n"))
	if err != nil {
		return 0, false
	}
	return n, true
}
