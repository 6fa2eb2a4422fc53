package threadpool

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// taskNode is a single element of the task queue
type taskNode struct {
	task func()
	next atomic.Pointer[taskNode]
}

// taskQueue is an unbounded multi-producer single-consumer queue of tasks.
// Producers append with CAS on the tail, the owning worker is the only consumer.
// Unlike a buffered channel a push never blocks, so a worker may post to itself.
type taskQueue struct {
	head atomic.Pointer[taskNode] // consumer side, points at the sentinel
	tail atomic.Pointer[taskNode]

	// closeMu makes "check closed + append" atomic with respect to close()
	// so that no task is appended after the consumer decided to exit
	closeMu sync.RWMutex
	closed  atomic.Bool

	mu   sync.Mutex
	cond *sync.Cond
}

// newTaskQueue creates an empty queue with a sentinel node
func newTaskQueue() *taskQueue {
	sentinel := &taskNode{}
	q := &taskQueue{}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)
	return q
}

// push appends a task. Returns false if the queue is closed.
//
// Thread-safety: safe for any number of concurrent producers.
func (q *taskQueue) push(task func()) bool {
	q.closeMu.RLock()
	if q.closed.Load() {
		q.closeMu.RUnlock()
		return false
	}

	n := &taskNode{task: task}
	var backoff uint8
	for {
		tailNode := q.tail.Load()
		next := tailNode.next.Load()
		if next == nil {
			if tailNode.next.CompareAndSwap(nil, n) {
				q.tail.CompareAndSwap(tailNode, n)
				break
			}
		} else {
			// help a producer that appended but did not move the tail yet
			q.tail.CompareAndSwap(tailNode, next)
		}

		if backoff < 6 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
	q.closeMu.RUnlock()

	// signal under the lock, the consumer checks for emptiness while holding it
	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
	return true
}

// pop returns the next task, blocking while the queue is empty.
// ok is false once the queue is closed and fully drained.
//
// Thread-safety: must only be called by the single consumer.
func (q *taskQueue) pop() (task func(), ok bool) {
	for {
		head := q.head.Load()
		if next := head.next.Load(); next != nil {
			task = next.task
			next.task = nil // help gc, next becomes the new sentinel
			q.head.Store(next)
			return task, true
		}

		q.mu.Lock()
		if q.head.Load().next.Load() == nil {
			if q.closed.Load() {
				q.mu.Unlock()
				return nil, false
			}
			q.cond.Wait()
		}
		q.mu.Unlock()
	}
}

// close prevents further pushes. Tasks already queued are still returned by pop.
func (q *taskQueue) close() {
	q.closeMu.Lock()
	q.closed.Store(true)
	q.closeMu.Unlock()

	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}
