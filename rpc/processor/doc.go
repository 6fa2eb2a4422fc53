// Package processor routes completed packages to business handlers by slot.
//
// Key Components:
//
//   - Processor: the capability interface of a handler, the slots it serves and
//     the function invoked per package.
//
//   - Registry: slot to handler map backed by an xsync.MapOf. The first processor
//     registering a slot keeps it, duplicates are logged and returned by Register
//     but never overwrite. Dispatch drops packages of unknown slots with a log line.
//
//   - Typed / CallTyped: a request/response layer on top of raw packages, payloads
//     are encoded with a serializer.IRPCSerializer and replies wrapped in an Envelope.
//
// Thread Safety:
//
// The registry is safe for concurrent use. Handlers are invoked on the processor
// pool of the server or client, never on a socket worker, so they may block.
package processor
