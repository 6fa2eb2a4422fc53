// Package threadpool provides the worker pools that carry every task of a dNet
// process. A pool is a fixed set of workers, each draining its own unbounded task
// queue, which gives two guarantees the network layer is built on:
//
//   - Affinity: tasks posted to the same worker index run on that worker only,
//     sequentially and in post order. State owned by a worker needs no locks.
//   - Barriers: WaitRun and WaitRunEach suspend the caller until the posted task(s)
//     completed, which is used for startup and shutdown, never on the hot path.
//
// Key Components:
//
//   - ThreadPool: the worker set with Run, RunEach, WaitRun, WaitRunEach and a
//     shared rotary counter (NextRotaryIndex) for round-robin distribution.
//     A panicking task is recovered and logged, the worker keeps running.
//     Task counters and latency are tracked with go-metrics (see Stats).
//
//   - Registry: a process-wide cache holding at most one live pool per Tier
//     (accept, socket, processor). Acquire returns a Lease, the last Release
//     closes the pool. Servers and clients share pools through the registry.
//
// Thread Safety:
//
//	All exported methods are safe for concurrent use, except that the blocking
//	methods (WaitRun, WaitRunEach, Close, Lease.Release) must not be called from
//	a worker of the pool they wait on.
package threadpool
