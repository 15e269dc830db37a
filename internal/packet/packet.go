// Copyright (c) 2016 by Thorsten von Eicken, see LICENSE file for details

// Package packet implements the wire frame used by the MANHA LoRa link:
// a 3-byte header (addr_from, addr_to, checksum) followed by an opaque
// payload, total length capped at 255 bytes by the modem's FIFO.
package packet

import "fmt"

// Broadcast is the reserved destination address meaning "any peer".
const Broadcast byte = 255

// headerLen is the number of header bytes preceding the payload.
const headerLen = 3

// MaxFrame is the largest frame (header + payload) the modem FIFO holds.
const MaxFrame = 255

// Packet is one on-air frame, decoded or about to be encoded.
type Packet struct {
	AddrFrom byte
	AddrTo   byte
	Checksum byte
	Payload  []byte

	// Reception metadata; zero for packets built locally for transmission.
	RSSI int
	SNR  float64
}

// New builds a packet with a freshly computed checksum.
func New(addrFrom, addrTo byte, payload []byte) *Packet {
	return &Packet{
		AddrFrom: addrFrom,
		AddrTo:   addrTo,
		Checksum: Checksum(payload),
		Payload:  payload,
	}
}

// Checksum computes the sum of payload bytes modulo 256.
func Checksum(payload []byte) byte {
	var sum byte
	for _, b := range payload {
		sum += b
	}
	return sum
}

// Encode emits the frame as it goes on the air: addr_from, addr_to,
// checksum, then the raw payload bytes.
func (p *Packet) Encode() []byte {
	out := make([]byte, 0, headerLen+len(p.Payload))
	out = append(out, p.AddrFrom, p.AddrTo, p.Checksum)
	out = append(out, p.Payload...)
	return out
}

// Decode parses a raw received frame. It requires at least 3 bytes (the
// header) and does not validate the checksum — call ValidChecksum for that.
func Decode(data []byte, rssi int, snr float64) (*Packet, error) {
	if len(data) < headerLen {
		return nil, fmt.Errorf("packet: frame too short: %d bytes", len(data))
	}
	payload := data[headerLen:]
	return &Packet{
		AddrFrom: data[0],
		AddrTo:   data[1],
		Checksum: data[2],
		Payload:  payload,
		RSSI:     rssi,
		SNR:      snr,
	}, nil
}

// ValidChecksum reports whether the packet's stored checksum matches its
// payload.
func (p *Packet) ValidChecksum() bool {
	return p.Checksum == Checksum(p.Payload)
}
