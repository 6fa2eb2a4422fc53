// Package rpc is the networking layer of dNet. It accepts and opens TCP
// connections, frames packages on them and routes completed packages by slot to
// processors.
//
// The package is organized into several subpackages:
//
//   - common: Settings, node mark and logging shared by all other packages.
//
//   - wire: The package type and its frame format, chunking, reassembly and the
//     handshake exchanged when a connection is opened.
//
//   - connect: The per-connection state machine and the connect pool owning all
//     connects of one socket worker.
//
//   - processor: The slot registry and the processor interface, plus typed
//     request/reply helpers and built-in processors.
//
//   - serializer: JSON and GOB serialization used by typed processors.
//
//   - server: Accepts connections and dispatches their packages to processors.
//
//   - client: Opens outbound connects on the shared socket pool.
//
//   - transport/tcp: Listener, dialer and socket options.
//
// The goroutine pools everything runs on live in lib/threadpool and are shared by
// all servers and clients of a process.
package rpc
