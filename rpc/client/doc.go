// Package client opens outbound connects to dNet servers.
//
// A client shares the socket and processor pools of the process with every
// server and client created from the same threadpool.Registry. Each Connect call
// selects a socket worker round robin; the connect stays owned by that worker
// until it is deleted.
//
// Usage Example:
//
//	c := client.New(common.DefaultClientSettings(), common.DefaultConnectSettings(), client.Options{})
//	if !c.Begin() {
//		panic("failed to start client")
//	}
//	defer c.Close()
//
//	conn, err := c.Connect(ctx, "localhost:7000")
//	if err != nil {
//		return err
//	}
//	reply, err := conn.Call(ctx, "echo", []byte("hello"))
//
// Connect returns once the handshake completed. A failed dial, a failed
// handshake and an exceeded ConnectToHostTimeout are returned as errors; the
// client never retries on its own.
package client
