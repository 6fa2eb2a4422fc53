// Package tcp is the socket collaborator of dNet. It binds listeners, dials
// outbound connections and applies the configured socket options, everything
// above the raw net.Conn (framing, handshake, dispatch) lives in the connect
// package.
//
// Key Components:
//
//   - Listen: binds a TCP listener, optionally with SO_REUSEPORT (unix only,
//     through golang.org/x/sys/unix)
//
//   - Dial: opens an outbound connection bounded by a context deadline
//
//   - UpgradeConnection: applies common.TCPConf (no delay, buffer sizes,
//     keep-alive, linger) to accepted and dialed sockets
package tcp
