package wire

import (
	"bytes"
	"fmt"
	"io"
)

// Reassembler joins the chunks of one transfer. Chunks must arrive in order,
// which the single owning worker of a connect guarantees for a well behaved peer.
// The payload is written to a sink: an in-memory buffer for data packages or a
// file for file packages.
type Reassembler struct {
	kind       Kind
	slot       string
	transferID uint32
	noReply    bool
	fileName   string
	total      uint32
	next       uint32
	size       int64
	limit      int64
	sink       io.Writer
	buffer     *bytes.Buffer
}

// NewReassembler starts a transfer for the given first chunk. If sink is nil the
// payload is collected in memory and returned by Package. A limit > 0 bounds the
// reassembled size: transfers announcing more chunks than fit are refused up
// front, and Add fails once the payload grows beyond it.
func NewReassembler(first *Package, sink io.Writer, limit int64) (*Reassembler, error) {
	if !first.IsChunked() {
		return nil, fmt.Errorf("%w: package is not chunked", ErrBadChunk)
	}
	// every chunk but the last is as large as the first
	if minSize := int64(first.chunkTotal-1) * int64(len(first.payload)); limit > 0 && minSize > limit {
		return nil, fmt.Errorf("%w: transfer %d announces %d chunks of %d bytes, limit is %d bytes",
			ErrPackageTooLarge, first.correlationID, first.chunkTotal, len(first.payload), limit)
	}
	r := &Reassembler{
		kind:       first.kind,
		slot:       first.slot,
		transferID: first.correlationID,
		noReply:    first.noReply,
		fileName:   first.fileName,
		total:      first.chunkTotal,
		limit:      limit,
		sink:       sink,
	}
	if sink == nil {
		r.buffer = &bytes.Buffer{}
		r.sink = r.buffer
	}
	return r, nil
}

// Add appends the next chunk. It returns true once the last chunk was added.
func (r *Reassembler) Add(p *Package) (bool, error) {
	if p.kind != r.kind || p.slot != r.slot || p.correlationID != r.transferID ||
		p.noReply != r.noReply || p.chunkTotal != r.total {
		return false, fmt.Errorf("%w: chunk does not belong to transfer %d", ErrBadChunk, r.transferID)
	}
	if p.chunkIndex != r.next {
		return false, fmt.Errorf("%w: expected chunk %d, got %d", ErrBadChunk, r.next, p.chunkIndex)
	}
	if r.limit > 0 && r.size+int64(len(p.payload)) > r.limit {
		return false, fmt.Errorf("%w: transfer %d exceeds %d bytes", ErrPackageTooLarge, r.transferID, r.limit)
	}
	if _, err := r.sink.Write(p.payload); err != nil {
		return false, err
	}
	r.next++
	r.size += int64(len(p.payload))
	return r.Done(), nil
}

// Done reports whether every chunk was added
func (r *Reassembler) Done() bool {
	return r.next == r.total
}

// Size returns the number of payload bytes added so far
func (r *Reassembler) Size() int64 {
	return r.size
}

// Package returns the reassembled data package. Only valid for in-memory
// reassembly once Done returns true.
func (r *Reassembler) Package() *Package {
	if r.buffer == nil || !r.Done() {
		return nil
	}
	return &Package{
		kind:          r.kind,
		slot:          r.slot,
		correlationID: r.transferID,
		noReply:       r.noReply,
		payload:       r.buffer.Bytes(),
		fileName:      r.fileName,
	}
}
