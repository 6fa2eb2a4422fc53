package threadpool

import (
	"errors"
	"fmt"
	"github.com/lni/dragonboat/v4/logger"
	gometrics "github.com/rcrowley/go-metrics"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

var Logger = logger.GetLogger("threadpool")

// ErrPoolClosed is returned when a task is posted to a pool that was already closed
var ErrPoolClosed = errors.New("thread pool is closed")

// --------------------------------------------------------------------------
// ThreadPool
// --------------------------------------------------------------------------

// ThreadPool is a fixed set of workers. Every worker owns an exclusive task queue,
// so tasks posted to the same worker index run sequentially and in post order.
// This is what makes a worker usable as the single owner of mutable state.
type ThreadPool struct {
	workers []*worker
	rotary  atomic.Uint64
	closed  atomic.Bool
	wg      sync.WaitGroup

	posted    gometrics.Counter
	completed gometrics.Counter
	panicked  gometrics.Counter
	latency   gometrics.Timer
}

// worker is a single goroutine draining its own task queue
type worker struct {
	index int
	queue *taskQueue
	pool  *ThreadPool
}

// Stats is a snapshot of the pool counters
type Stats struct {
	Workers     int
	Posted      int64
	Completed   int64
	Panicked    int64
	Pending     int64
	MeanLatency time.Duration
}

// New creates a pool with the given number of workers and starts them.
// If workers <= 0, runtime.NumCPU() workers are used.
func New(workers int) *ThreadPool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	registry := gometrics.NewRegistry()
	p := &ThreadPool{
		workers:   make([]*worker, workers),
		posted:    gometrics.GetOrRegisterCounter("tasks.posted", registry),
		completed: gometrics.GetOrRegisterCounter("tasks.completed", registry),
		panicked:  gometrics.GetOrRegisterCounter("tasks.panicked", registry),
		latency:   gometrics.GetOrRegisterTimer("tasks.latency", registry),
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		w := &worker{index: i, queue: newTaskQueue(), pool: p}
		p.workers[i] = w
		go w.run()
	}

	Logger.Debugf("started thread pool with %d workers", workers)
	return p
}

// WorkerCount returns the number of workers
func (p *ThreadPool) WorkerCount() int {
	return len(p.workers)
}

// NextRotaryIndex returns the current value of the shared rotary counter and increments it.
// The first call returns 0. Used to distribute work round-robin over the workers.
func (p *ThreadPool) NextRotaryIndex() int {
	return int((p.rotary.Add(1) - 1) % uint64(len(p.workers)))
}

// Run posts task to worker index mod WorkerCount. A negative index selects the
// worker via NextRotaryIndex. Returns false if the pool is closed.
func (p *ThreadPool) Run(task func(), index int) bool {
	if index < 0 {
		index = p.NextRotaryIndex()
	}
	return p.post(p.workers[index%len(p.workers)], task)
}

// RunEach posts task to every worker, the worker index is passed to the task.
// Returns false if the pool is closed.
func (p *ThreadPool) RunEach(task func(index int)) bool {
	for _, w := range p.workers {
		index := w.index
		if !p.post(w, func() { task(index) }) {
			return false
		}
	}
	return true
}

// WaitRun is the blocking form of Run: the caller is suspended until the task
// completed on its worker. It must not be called from a worker of this pool.
func (p *ThreadPool) WaitRun(task func(), index int) bool {
	done := make(chan struct{})
	if !p.Run(func() {
		defer close(done)
		task()
	}, index) {
		return false
	}
	<-done
	return true
}

// WaitRunEach is the blocking form of RunEach, a barrier over all workers.
// It must not be called from a worker of this pool.
func (p *ThreadPool) WaitRunEach(task func(index int)) bool {
	var wg sync.WaitGroup
	wg.Add(len(p.workers))
	posted := 0
	for _, w := range p.workers {
		index := w.index
		if !p.post(w, func() {
			defer wg.Done()
			task(index)
		}) {
			break
		}
		posted++
	}
	// release the slots of workers that never received the task
	for i := posted; i < len(p.workers); i++ {
		wg.Done()
	}
	wg.Wait()
	return posted == len(p.workers)
}

// Stats returns a snapshot of the pool counters
func (p *ThreadPool) Stats() Stats {
	posted := p.posted.Count()
	completed := p.completed.Count()
	return Stats{
		Workers:     len(p.workers),
		Posted:      posted,
		Completed:   completed,
		Panicked:    p.panicked.Count(),
		Pending:     posted - completed,
		MeanLatency: time.Duration(p.latency.Mean()),
	}
}

// Closed reports whether Close was called
func (p *ThreadPool) Closed() bool {
	return p.closed.Load()
}

// Close stops accepting tasks, lets every worker drain its queue and waits for them.
// It must not be called from a worker of this pool.
func (p *ThreadPool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	for _, w := range p.workers {
		w.queue.close()
	}
	p.wg.Wait()
	Logger.Debugf("closed thread pool with %d workers", len(p.workers))
}

// String returns a short description used in log lines
func (p *ThreadPool) String() string {
	return fmt.Sprintf("ThreadPool(%d workers)", len(p.workers))
}

// post enqueues a task on a specific worker
func (p *ThreadPool) post(w *worker, task func()) bool {
	if task == nil || p.closed.Load() {
		return false
	}
	if !w.queue.push(task) {
		return false
	}
	p.posted.Inc(1)
	return true
}

// --------------------------------------------------------------------------
// Worker
// --------------------------------------------------------------------------

// run drains the worker queue until the pool is closed
func (w *worker) run() {
	defer w.pool.wg.Done()
	for {
		task, ok := w.queue.pop()
		if !ok {
			return
		}
		w.execute(task)
	}
}

// execute runs a single task. A panic is recovered and logged, the worker survives.
func (w *worker) execute(task func()) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			w.pool.panicked.Inc(1)
			Logger.Errorf("task on worker %d panicked: %v\n%s", w.index, r, debug.Stack())
		}
		w.pool.latency.UpdateSince(start)
		w.pool.completed.Inc(1)
	}()
	task()
}
