package wire

import (
	"encoding/binary"
	"fmt"
)

// ProtocolVersion is the frame protocol version exchanged in the handshake
const ProtocolVersion uint16 = 1

const handshakeSize = 11

// Handshake is the first package each side sends after the socket is connected.
// It carries the protocol version and the sender's correlation range: a received
// package with a correlation id inside the own range is a reply, any other id
// belongs to a request of the peer.
type Handshake struct {
	Version      uint16
	RangeStart   uint32
	RangeEnd     uint32
	FileTransfer bool
}

// Package wraps the handshake in a package
func (h Handshake) Package() *Package {
	payload := make([]byte, handshakeSize)
	binary.BigEndian.PutUint16(payload[0:2], h.Version)
	binary.BigEndian.PutUint32(payload[2:6], h.RangeStart)
	binary.BigEndian.PutUint32(payload[6:10], h.RangeEnd)
	if h.FileTransfer {
		payload[10] = 1
	}
	return &Package{kind: KindHandshake, payload: payload}
}

// DecodeHandshake reads a handshake from a package
func DecodeHandshake(p *Package) (Handshake, error) {
	if p.kind != KindHandshake {
		return Handshake{}, fmt.Errorf("expected handshake, got %s package", p.kind)
	}
	if len(p.payload) != handshakeSize {
		return Handshake{}, fmt.Errorf("invalid handshake size %d", len(p.payload))
	}
	return Handshake{
		Version:      binary.BigEndian.Uint16(p.payload[0:2]),
		RangeStart:   binary.BigEndian.Uint32(p.payload[2:6]),
		RangeEnd:     binary.BigEndian.Uint32(p.payload[6:10]),
		FileTransfer: p.payload[10] == 1,
	}, nil
}

// Overlaps reports whether the correlation ranges of two handshakes intersect
func (h Handshake) Overlaps(other Handshake) bool {
	return h.RangeStart <= other.RangeEnd && other.RangeStart <= h.RangeEnd
}

// Contains reports whether id lies in the correlation range
func (h Handshake) Contains(id uint32) bool {
	return id >= h.RangeStart && id <= h.RangeEnd
}
