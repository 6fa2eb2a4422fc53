// Package server implements the dNet TCP server.
//
// A server binds a listener and routes the packages of every accepted connection
// to processors by slot. It does not own any goroutine pool itself: the accept,
// socket and processor pools are shared by all servers and clients of a process
// through a threadpool.Registry and released by the last user.
//
// Key Components:
//
//   - Begin: computes the node mark, acquires the three pools, binds the listener
//     on the accept pool and creates one connect.ConnectPool per socket worker.
//     Failing to bind is the only reason for Begin to fail.
//
//   - Accepting: every accepted socket is assigned to a socket worker round robin.
//     The connect is created on that worker and stays owned by it until it is
//     deleted, so all events of one connect are handled in order on one goroutine.
//
//   - RegisterProcessor: registers processors by slot. Completed packages are
//     dispatched on the processor pool, never on a socket worker. Unknown slots are
//     logged and dropped, the connection stays open.
//
//   - Close: closes the listener on the accept worker and clears every connect pool
//     on its socket worker, blocking until both are done.
//
// Usage Example:
//
//	s := server.CreateServer(7000, "0.0.0.0", false)
//	s.RegisterProcessor(builtin.Echo())
//	if !s.Begin() {
//		log.Fatal("failed to start server")
//	}
//	defer s.Close()
//
// The server keeps a VictoriaMetrics metric set with counters for accepted,
// established and closed connects and for packages and bytes in both directions.
// WritePrometheus exposes it.
package server
