// Package connect implements the per-connection state machine of dNet and the
// pools owning the connections of one worker.
//
// A Connect wraps one net.Conn. Its state is owned by the worker it was created
// on: every public method and every socket event is posted to that worker
// through the connect's Runner, so no lock guards the connection state. A
// reader goroutine deframes packages and a writer goroutine writes frames, both
// only post their results back to the owning worker.
//
// Lifecycle:
//
//	Connecting -> Handshaking -> Established -> Closing -> Closed
//
// Accepted sockets start handshaking immediately, outbound connects first dial
// (ConnectToHostSucceed, ConnectToHostError or ConnectToHostTimeout). Both ends
// exchange a wire.Handshake carrying the protocol version, their correlation id
// range and whether they accept files. ReadyToDelete is emitted exactly once,
// after both goroutines exited and every task posted for the connect ran.
// Nothing is emitted after it.
//
// Key Components:
//
//   - Connect: lifecycle, send pipeline (chunking, PackageSending, an
//     eapache/queue ahead of the writer), receive pipeline (PackageReceiving
//     per frame, reassembly, PackageReceived per package), request/reply
//     tracking with per-request deadlines, file transfer through afero
//
//   - ConnectPool: owns the connects of one worker, relays their events to
//     the owner-level Handlers and erases a connect after ReadyToDelete
//
//   - correlationGenerator: hands out correlation ids of the configured range,
//     never reusing one that is still pending
//
// Thread Safety:
//
// Connect methods are safe for concurrent use. ConnectPool methods and the
// accessors documented as such must only be called on the owning worker, which
// is where all Handlers run.
package connect
