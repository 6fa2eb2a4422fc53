package wire

import (
	"fmt"
)

// Kind tells what a package carries
type Kind uint8

const (
	KindData      Kind = 1
	KindHandshake Kind = 2
	KindFile      Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindHandshake:
		return "handshake"
	case KindFile:
		return "file"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Package is the unit of application data exchanged over a connect.
// A package is immutable once constructed.
// The payload slice is shared and must not be modified by the receiver.
type Package struct {
	kind          Kind
	slot          string
	correlationID uint32
	noReply       bool
	payload       []byte
	chunkIndex    uint32
	chunkTotal    uint32
	fileName      string

	// set on the receiving side only, never transmitted
	localFilePath string
}

// NewPackage creates a data package for the given slot.
// A correlation id of 0 marks a package that expects no reply.
func NewPackage(slot string, correlationID uint32, payload []byte) *Package {
	return &Package{
		kind:          KindData,
		slot:          slot,
		correlationID: correlationID,
		payload:       payload,
	}
}

// NewPush creates a data package that expects no reply. The transfer id only keys
// the reassembly of its chunks on the receiver, CorrelationID reports 0.
func NewPush(slot string, transferID uint32, payload []byte) *Package {
	return &Package{
		kind:          KindData,
		slot:          slot,
		correlationID: transferID,
		noReply:       true,
		payload:       payload,
	}
}

// NewFileChunk creates one chunk of a file transfer. Files never expect a reply.
func NewFileChunk(slot string, transferID uint32, fileName string, payload []byte, index, total uint32) *Package {
	return &Package{
		kind:          KindFile,
		slot:          slot,
		correlationID: transferID,
		noReply:       true,
		payload:       payload,
		chunkIndex:    index,
		chunkTotal:    total,
		fileName:      fileName,
	}
}

// NewFilePackage creates a file package as surfaced to the receiver after the file was stored
func NewFilePackage(slot, fileName, localFilePath string) *Package {
	return &Package{
		kind:          KindFile,
		slot:          slot,
		noReply:       true,
		fileName:      fileName,
		localFilePath: localFilePath,
	}
}

func (p *Package) Kind() Kind            { return p.kind }
func (p *Package) Slot() string          { return p.slot }
func (p *Package) Payload() []byte       { return p.payload }
func (p *Package) PayloadLength() int    { return len(p.payload) }
func (p *Package) ChunkIndex() uint32    { return p.chunkIndex }
func (p *Package) ChunkTotal() uint32    { return p.chunkTotal }
func (p *Package) FileName() string      { return p.fileName }
func (p *Package) LocalFilePath() string { return p.localFilePath }

// CorrelationID returns the id a reply has to carry, 0 if no reply is expected
func (p *Package) CorrelationID() uint32 {
	if p.noReply {
		return 0
	}
	return p.correlationID
}

// TransferID returns the id sent on the wire. It tells the chunks of concurrent
// transfers apart, also for packages that expect no reply.
func (p *Package) TransferID() uint32 {
	return p.correlationID
}

// IsChunked reports whether the package is one chunk of a larger transfer
func (p *Package) IsChunked() bool {
	return p.chunkTotal > 0
}

// IsLastChunk reports whether the package completes a transfer. Unchunked packages are complete.
func (p *Package) IsLastChunk() bool {
	return p.chunkTotal == 0 || p.chunkIndex+1 == p.chunkTotal
}

func (p *Package) String() string {
	if p.IsChunked() {
		return fmt.Sprintf("Package(%s slot=%q corr=%d len=%d chunk=%d/%d)",
			p.kind, p.slot, p.CorrelationID(), len(p.payload), p.chunkIndex+1, p.chunkTotal)
	}
	return fmt.Sprintf("Package(%s slot=%q corr=%d len=%d)", p.kind, p.slot, p.CorrelationID(), len(p.payload))
}

// Split cuts a package into chunks of at most cutSize payload bytes.
// A package that fits is returned unchanged as the only element.
func Split(p *Package, cutSize int) []*Package {
	if cutSize <= 0 || len(p.payload) <= cutSize {
		return []*Package{p}
	}

	total := (len(p.payload) + cutSize - 1) / cutSize
	chunks := make([]*Package, 0, total)
	for i := 0; i < total; i++ {
		start := i * cutSize
		end := start + cutSize
		if end > len(p.payload) {
			end = len(p.payload)
		}
		chunk := *p
		chunk.payload = p.payload[start:end]
		chunk.chunkIndex, chunk.chunkTotal = uint32(i), uint32(total)
		chunks = append(chunks, &chunk)
	}
	return chunks
}
