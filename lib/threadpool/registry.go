package threadpool

import (
	"fmt"
	"sync"
)

// Tier identifies one of the process-wide pools
type Tier string

const (
	TierAccept    Tier = "accept"
	TierSocket    Tier = "socket"
	TierProcessor Tier = "processor"
)

// DefaultRegistry is the process-wide registry used when none is injected
var DefaultRegistry = NewRegistry()

// Registry caches at most one live pool per tier and counts the leases on it.
// The first Acquire of a tier creates the pool, later ones share it, and the
// release of the last lease closes it.
type Registry struct {
	mu      sync.Mutex
	entries map[Tier]*registryEntry
}

type registryEntry struct {
	pool *ThreadPool
	refs int
}

// Lease is a strong reference on a pool obtained from a Registry
type Lease struct {
	registry *Registry
	tier     Tier
	pool     *ThreadPool
	once     sync.Once
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Tier]*registryEntry)}
}

// Acquire returns a lease on the pool of the given tier, creating the pool with
// the given number of workers if no live pool exists. If a pool exists with a
// different size it is reused anyway and the mismatch is logged.
func (r *Registry) Acquire(tier Tier, workers int) *Lease {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[tier]
	if !ok {
		entry = &registryEntry{pool: New(workers)}
		r.entries[tier] = entry
		Logger.Infof("created %s pool with %d workers", tier, entry.pool.WorkerCount())
	} else if workers > 0 && workers != entry.pool.WorkerCount() {
		Logger.Warningf("reusing %s pool with %d workers, requested %d", tier, entry.pool.WorkerCount(), workers)
	}
	entry.refs++

	return &Lease{registry: r, tier: tier, pool: entry.pool}
}

// Live returns the live pool of a tier and its number of leases
func (r *Registry) Live(tier Tier) (*ThreadPool, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[tier]; ok {
		return entry.pool, entry.refs
	}
	return nil, 0
}

// release drops one reference and closes the pool when it was the last one
func (r *Registry) release(tier Tier, pool *ThreadPool) {
	r.mu.Lock()
	entry, ok := r.entries[tier]
	if !ok || entry.pool != pool {
		r.mu.Unlock()
		return
	}
	entry.refs--
	last := entry.refs <= 0
	if last {
		delete(r.entries, tier)
	}
	r.mu.Unlock()

	// close outside the lock, it waits for the workers
	if last {
		pool.Close()
		Logger.Infof("released %s pool", tier)
	}
}

// Pool returns the leased pool
func (l *Lease) Pool() *ThreadPool {
	return l.pool
}

// Tier returns the tier of the leased pool
func (l *Lease) Tier() Tier {
	return l.tier
}

// Release drops the lease. Calling it more than once has no effect.
// Must not be called from a worker of the leased pool.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.registry.release(l.tier, l.pool)
	})
}

func (l *Lease) String() string {
	return fmt.Sprintf("Lease(%s, %s)", l.tier, l.pool)
}
