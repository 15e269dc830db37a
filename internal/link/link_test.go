// Copyright (c) 2016 by Thorsten von Eicken, see LICENSE file for details

package link

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/tm2space/tm2-manha-firmware/internal/modem"
	"github.com/tm2space/tm2-manha-firmware/internal/packet"
)

// ether connects two fakeRadios: a Send on one instantly enqueues a frame
// for the other's Recv, and a TX_DONE flag is always immediately observed.
// This lets the protocol-level tests drive real SatLink/GsLink state
// machines without simulating SPI register timing (already covered by the
// modem package's own tests).
type fakeRadio struct {
	name  string
	mu    sync.Mutex
	mode  modem.Mode
	inbox []frame
	peer  *fakeRadio

	// dropOutbound, when set, swallows any frame it returns true for,
	// simulating loss on the air.
	dropOutbound func(frameBytes []byte) bool

	// set when a frame is loaded while the radio is not in STDBY.
	fifoViolation bool

	txDone bool
}

type frame struct {
	payload []byte
	rssi    int
	snr     float64
}

func newEther() (a, b *fakeRadio) {
	a = &fakeRadio{name: "a"}
	b = &fakeRadio{name: "b"}
	a.peer, b.peer = b, a
	return a, b
}

func (f *fakeRadio) SetMode(m modem.Mode) {
	f.mu.Lock()
	f.mode = m
	f.mu.Unlock()
}

func (f *fakeRadio) Mode() modem.Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

func (f *fakeRadio) Send(frameBytes []byte) error {
	f.mu.Lock()
	if f.mode != modem.ModeStdby {
		f.fifoViolation = true
	}
	f.mode = modem.ModeTx
	f.txDone = true
	dropped := f.dropOutbound != nil && f.dropOutbound(frameBytes)
	f.mu.Unlock()
	if dropped {
		return nil // TX_DONE still asserts; the frame just never arrives
	}

	f.peer.mu.Lock()
	f.peer.inbox = append(f.peer.inbox, frame{payload: append([]byte(nil), frameBytes...)})
	f.peer.mu.Unlock()
	return nil
}

func (f *fakeRadio) Recv() (*modem.RxResult, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inbox) == 0 {
		return nil, false, nil
	}
	fr := f.inbox[0]
	f.inbox = f.inbox[1:]
	return &modem.RxResult{Payload: fr.payload, RSSIdBm: fr.rssi, SNRdB: fr.snr}, true, nil
}

func (f *fakeRadio) WaitFlag(mask byte, timeout time.Duration) bool {
	if mask == modem.IRQ_TXDONE {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.txDone {
			f.txDone = false
			return true
		}
		return false
	}
	return false
}

func (f *fakeRadio) SetTxPower(dbm int) {}
func (f *fakeRadio) CAD() bool          { return false }
func (f *fakeRadio) ClearIRQ()          {}

func Test_S1_PingRoundTrip(t *testing.T) {
	satRadio, gsRadio := newEther()
	sat := NewSatLink(satRadio, SatOpts{DeviceID: 2})
	gs := NewGsLink(gsRadio, GsOpts{DeviceID: 1})

	var response string
	gs.OnCommandResponse(func(s string) { response = s })

	if !gs.SendCommand("PING") {
		t.Fatal("SendCommand failed")
	}
	sat.ServeRX(100 * time.Millisecond)
	gs.ReceiveOnce(100 * time.Millisecond)

	if response != "PONG" {
		t.Fatalf("response = %q, want PONG", response)
	}
}

func Test_S2_SinglePartTelemetry(t *testing.T) {
	satRadio, gsRadio := newEther()
	sat := NewSatLink(satRadio, SatOpts{DeviceID: 2})
	gs := NewGsLink(gsRadio, GsOpts{DeviceID: 1})

	var delivered map[string]interface{}
	gs.OnTelemetry(func(obj map[string]interface{}) { delivered = obj })

	var result SendResult
	done := make(chan struct{})
	go func() {
		result = sat.SendTelemetry(map[string]interface{}{"t": 25, "h": 40}, 200)
		close(done)
	}()

	gs.ReceiveOnce(200 * time.Millisecond)
	<-done

	if !result.OK {
		t.Fatalf("SendTelemetry failed: %+v", result)
	}
	if delivered == nil || delivered["t"].(float64) != 25 {
		t.Fatalf("unexpected telemetry: %+v", delivered)
	}
}

func Test_S3_MultipartTelemetry(t *testing.T) {
	satRadio, gsRadio := newEther()
	sat := NewSatLink(satRadio, SatOpts{DeviceID: 2})
	gs := NewGsLink(gsRadio, GsOpts{DeviceID: 1})

	var delivered map[string]interface{}
	gs.OnTelemetry(func(obj map[string]interface{}) { delivered = obj })

	obj := map[string]interface{}{
		"note": "padding to make this telemetry object long enough that it must fragment across several parts of the multipart protocol",
	}

	var result SendResult
	done := make(chan struct{})
	go func() {
		result = sat.SendTelemetry(obj, 80)
		close(done)
	}()

drain:
	for {
		select {
		case <-done:
			break drain
		default:
			gs.ReceiveOnce(20 * time.Millisecond)
		}
	}

	if !result.OK {
		t.Fatalf("SendTelemetry failed: %+v", result)
	}
	if delivered == nil || delivered["note"] != obj["note"] {
		t.Fatalf("unexpected telemetry: %+v", delivered)
	}
}

func Test_S4_LostAckAbortsRemainingParts(t *testing.T) {
	satRadio, gsRadio := newEther()
	sat := NewSatLink(satRadio, SatOpts{DeviceID: 2})
	sat.ackTimeout = 50 * time.Millisecond
	gs := NewGsLink(gsRadio, GsOpts{DeviceID: 1})

	// The GS's ACK for part 2 is lost on the air.
	gsRadio.dropOutbound = func(frameBytes []byte) bool {
		return string(frameBytes[3:]) == "ACK:2\r\n"
	}

	var delivered map[string]interface{}
	gs.OnTelemetry(func(obj map[string]interface{}) { delivered = obj })

	obj := map[string]interface{}{
		"note": "padding long enough to force at least three fragmented parts out of this telemetry object for the lost-ack scenario",
	}

	var result SendResult
	done := make(chan struct{})
	go func() {
		result = sat.SendTelemetry(obj, 80)
		close(done)
	}()

drain:
	for {
		select {
		case <-done:
			break drain
		default:
			gs.ReceiveOnce(10 * time.Millisecond)
		}
	}

	if result.OK {
		t.Fatal("expected failure: ACK for part 2 was dropped")
	}
	if result.FailedPart != 2 {
		t.Fatalf("FailedPart = %d, want 2", result.FailedPart)
	}
	if delivered != nil {
		t.Fatalf("telemetry should never complete: %+v", delivered)
	}
	// The aborted send must not have emitted anything past part 2.
	gsRadio.mu.Lock()
	leftover := len(gsRadio.inbox)
	gsRadio.mu.Unlock()
	if leftover != 0 {
		t.Fatalf("%d frames were sent after the failed part", leftover)
	}
}

func Test_NoAckAtAll_FailsOnFirstPart(t *testing.T) {
	satRadio, _ := newEther()
	sat := NewSatLink(satRadio, SatOpts{DeviceID: 2})
	sat.ackTimeout = 30 * time.Millisecond
	// No GsLink services this radio at all, simulating every ACK being lost.

	obj := map[string]interface{}{
		"note": "padding long enough to force multiple fragmented parts for this scenario",
	}
	result := sat.SendTelemetry(obj, 80)
	if result.OK {
		t.Fatal("expected failure: no GS present to ACK")
	}
	if result.FailedPart != 1 {
		t.Fatalf("FailedPart = %d, want 1", result.FailedPart)
	}
}

func Test_MalformedWrapper_DroppedWithoutAck(t *testing.T) {
	satRadio, gsRadio := newEther()
	gs := NewGsLink(gsRadio, GsOpts{DeviceID: 1})

	// _part exceeds _total: the GS must drop the frame and stay silent.
	bad := packet.New(2, 1, []byte(`{"_part":5,"_total":3,"data":"x"}`)).Encode()
	gsRadio.mu.Lock()
	gsRadio.inbox = append(gsRadio.inbox, frame{payload: bad})
	gsRadio.mu.Unlock()

	gs.ReceiveOnce(50 * time.Millisecond)

	satRadio.mu.Lock()
	replies := len(satRadio.inbox)
	satRadio.mu.Unlock()
	if replies != 0 {
		t.Fatalf("GS emitted %d frames in response to a malformed wrapper", replies)
	}
}

func Test_S5_ResetLifecycle(t *testing.T) {
	satRadio, gsRadio := newEther()
	markerPath := t.TempDir() + "/RMT_RESET"

	rebooted := make(chan struct{}, 1)
	sat := NewSatLink(satRadio, SatOpts{
		DeviceID:        2,
		ResetMarkerPath: markerPath,
		Reboot:          func() { rebooted <- struct{}{} },
	})
	gs := NewGsLink(gsRadio, GsOpts{DeviceID: 1})

	var response string
	gs.OnCommandResponse(func(s string) { response = s })

	if !gs.SendCommand("RESET") {
		t.Fatal("SendCommand failed")
	}
	sat.ServeRX(100 * time.Millisecond)
	gs.ReceiveOnce(100 * time.Millisecond)

	if response != "RESET_ACK" {
		t.Fatalf("response = %q, want RESET_ACK", response)
	}
	if _, err := os.Stat(markerPath); err != nil {
		t.Fatal("expected reset marker to be written")
	}

	// Simulate the next boot: the marker is present, so RESET_OK precedes
	// the first telemetry.
	satRadio2, gsRadio2 := newEther()
	sat2 := NewSatLink(satRadio2, SatOpts{DeviceID: 2, ResetMarkerPath: markerPath})
	gs2 := NewGsLink(gsRadio2, GsOpts{DeviceID: 1})
	var firstResponse string
	gs2.OnCommandResponse(func(s string) {
		if firstResponse == "" {
			firstResponse = s
		}
	})

	done := make(chan struct{})
	go func() {
		sat2.SendTelemetry(map[string]interface{}{"a": 1}, 200)
		close(done)
	}()
drain:
	for {
		select {
		case <-done:
			break drain
		default:
			gs2.ReceiveOnce(20 * time.Millisecond)
		}
	}

	if firstResponse != "RESET_OK" {
		t.Fatalf("first response = %q, want RESET_OK", firstResponse)
	}
	if _, err := os.Stat(markerPath); err == nil {
		t.Fatal("expected reset marker to be deleted after boot")
	}
}

func Test_S6_TxPowerClamping(t *testing.T) {
	satRadio, gsRadio := newEther()
	sat := NewSatLink(satRadio, SatOpts{DeviceID: 2})
	gs := NewGsLink(gsRadio, GsOpts{DeviceID: 1})

	var responses []string
	gs.OnCommandResponse(func(s string) { responses = append(responses, s) })

	gs.SendCommand("TXPOW=30")
	sat.ServeRX(100 * time.Millisecond)
	gs.ReceiveOnce(100 * time.Millisecond)

	gs.SendCommand("TXPOW=18")
	sat.ServeRX(100 * time.Millisecond)
	gs.ReceiveOnce(100 * time.Millisecond)

	if len(responses) != 2 {
		t.Fatalf("got %d responses, want 2: %+v", len(responses), responses)
	}
	if responses[0] != "TX power must be between 5 and 23dBm" {
		t.Fatalf("responses[0] = %q", responses[0])
	}
	if responses[1] != "TX power set to 18dBm" {
		t.Fatalf("responses[1] = %q", responses[1])
	}
}

func Test_ModeDiscipline_NeverWritesFifoOutsideStdby(t *testing.T) {
	satRadio, gsRadio := newEther()
	sat := NewSatLink(satRadio, SatOpts{DeviceID: 2})
	gs := NewGsLink(gsRadio, GsOpts{DeviceID: 1})

	gs.SendCommand("PING")
	sat.ServeRX(50 * time.Millisecond)
	gs.ReceiveOnce(50 * time.Millisecond)

	if satRadio.fifoViolation || gsRadio.fifoViolation {
		t.Fatal("a frame was sent while the radio was not in STDBY")
	}
}

