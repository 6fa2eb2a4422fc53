// Package wire defines the Package, the unit of application data, and its frame
// encoding on a stream socket.
//
// A frame is a fixed 24 byte header followed by slot, file name and payload (see
// Encode for the layout). The header carries the slot used to route the package to
// a processor, the correlation id linking a request to its reply (0 when no reply
// is expected), the payload length and, for chunked transfers, chunk index and total.
// Chunked fire-and-forget packages and files set the no-reply flag: their id on the
// wire only keys the transfer and CorrelationID reports 0.
//
// Key Components:
//
//   - Package: immutable, constructed per send or receive and discarded afterwards.
//   - Encode / ReadPackage: frame codec with optional snappy compression of the payload.
//   - Split / Reassembler: chunking of large payloads and in-order reassembly.
//   - Handshake: version and correlation range exchange at connection start.
package wire
