package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"github.com/golang/snappy"
	"io"
	"math"
	"net"
)

const (
	// Magic is the first byte of every frame
	Magic byte = 0x7D
	// HeaderSize is the size of the fixed frame header in bytes
	HeaderSize = 24

	flagCompressed byte = 1 << 0
	flagNoReply    byte = 1 << 1
)

var (
	ErrBadMagic        = errors.New("bad frame magic")
	ErrBadKind         = errors.New("unknown package kind")
	ErrFrameTooLarge   = errors.New("frame payload exceeds maximum frame size")
	ErrBadChunk        = errors.New("invalid chunk header")
	ErrPackageTooLarge = errors.New("package exceeds maximum package size")
)

// Encode serializes a package into a frame with the format (big endian):
//   - 1 byte:  magic (0x7D)
//   - 1 byte:  kind
//   - 1 byte:  flags (bit 0: payload is snappy compressed, bit 1: no reply expected)
//   - 1 byte:  reserved
//   - 4 bytes: correlation id (uint32), only a transfer key if no reply is expected
//   - 4 bytes: payload length on the wire (uint32)
//   - 4 bytes: chunk index (uint32)
//   - 4 bytes: chunk total (uint32, 0 if unchunked)
//   - 2 bytes: slot length (uint16)
//   - 2 bytes: file name length (uint16)
//   - N bytes: slot, file name, payload
//
// Payloads of at least compressionThreshold bytes are compressed if that makes them
// smaller, a threshold <= 0 disables compression. The returned buffers are written
// with a single WriteTo.
func Encode(p *Package, compressionThreshold int) (net.Buffers, error) {
	if len(p.slot) > math.MaxUint16 {
		return nil, fmt.Errorf("slot too long: %d bytes", len(p.slot))
	}
	if len(p.fileName) > math.MaxUint16 {
		return nil, fmt.Errorf("file name too long: %d bytes", len(p.fileName))
	}
	if uint64(len(p.payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("payload too large: %d bytes", len(p.payload))
	}

	payload := p.payload
	var flags byte
	if p.noReply {
		flags |= flagNoReply
	}
	if compressionThreshold > 0 && len(payload) >= compressionThreshold {
		if compressed := snappy.Encode(nil, payload); len(compressed) < len(payload) {
			payload = compressed
			flags |= flagCompressed
		}
	}

	header := make([]byte, HeaderSize+len(p.slot)+len(p.fileName))
	header[0] = Magic
	header[1] = byte(p.kind)
	header[2] = flags
	binary.BigEndian.PutUint32(header[4:8], p.correlationID)
	binary.BigEndian.PutUint32(header[8:12], uint32(len(payload)))
	binary.BigEndian.PutUint32(header[12:16], p.chunkIndex)
	binary.BigEndian.PutUint32(header[16:20], p.chunkTotal)
	binary.BigEndian.PutUint16(header[20:22], uint16(len(p.slot)))
	binary.BigEndian.PutUint16(header[22:24], uint16(len(p.fileName)))
	copy(header[HeaderSize:], p.slot)
	copy(header[HeaderSize+len(p.slot):], p.fileName)

	if len(payload) == 0 {
		return net.Buffers{header}, nil
	}
	return net.Buffers{header, payload}, nil
}

// ReadPackage reads one frame from r. It returns the package and the number of
// bytes consumed. Frames whose payload (compressed or not) exceeds maxFrameSize
// are rejected, maxFrameSize <= 0 disables the check.
func ReadPackage(r io.Reader, maxFrameSize int) (*Package, int, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, 0, err
	}

	if header[0] != Magic {
		return nil, 0, ErrBadMagic
	}
	kind := Kind(header[1])
	if kind != KindData && kind != KindHandshake && kind != KindFile {
		return nil, 0, fmt.Errorf("%w: %d", ErrBadKind, header[1])
	}
	flags := header[2]
	correlationID := binary.BigEndian.Uint32(header[4:8])
	payloadLen := binary.BigEndian.Uint32(header[8:12])
	chunkIndex := binary.BigEndian.Uint32(header[12:16])
	chunkTotal := binary.BigEndian.Uint32(header[16:20])
	slotLen := binary.BigEndian.Uint16(header[20:22])
	nameLen := binary.BigEndian.Uint16(header[22:24])

	if maxFrameSize > 0 && uint64(payloadLen) > uint64(maxFrameSize) {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, payloadLen)
	}
	if chunkTotal > 0 && chunkIndex >= chunkTotal {
		return nil, 0, fmt.Errorf("%w: index %d of %d", ErrBadChunk, chunkIndex, chunkTotal)
	}

	// slot, name and payload in one read
	body := make([]byte, int(slotLen)+int(nameLen)+int(payloadLen))
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, 0, err
	}
	consumed := HeaderSize + len(body)

	payload := body[int(slotLen)+int(nameLen):]
	if flags&flagCompressed != 0 {
		decodedLen, err := snappy.DecodedLen(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid compressed payload: %w", err)
		}
		if maxFrameSize > 0 && decodedLen > maxFrameSize {
			return nil, 0, fmt.Errorf("%w: %d bytes decompressed", ErrFrameTooLarge, decodedLen)
		}
		if payload, err = snappy.Decode(nil, payload); err != nil {
			return nil, 0, fmt.Errorf("invalid compressed payload: %w", err)
		}
	}
	if len(payload) == 0 {
		payload = nil
	}

	return &Package{
		kind:          kind,
		slot:          string(body[:slotLen]),
		correlationID: correlationID,
		noReply:       flags&flagNoReply != 0,
		payload:       payload,
		chunkIndex:    chunkIndex,
		chunkTotal:    chunkTotal,
		fileName:      string(body[slotLen : int(slotLen)+int(nameLen)]),
	}, consumed, nil
}
