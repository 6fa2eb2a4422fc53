package client

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dNet/lib/threadpool"
	"github.com/ValentinKolb/dNet/rpc/common"
	"github.com/ValentinKolb/dNet/rpc/connect"
	"github.com/ValentinKolb/dNet/rpc/processor"
	"github.com/ValentinKolb/dNet/rpc/wire"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"sync"
	"sync/atomic"
)

var Logger = logger.GetLogger("client")

var (
	ErrNotStarted     = errors.New("client not started")
	ErrClientClosed   = errors.New("client closed")
	ErrConnectTimeout = errors.New("connect to host timed out")
)

// Options are the collaborators of a client that are not plain settings
type Options struct {
	// Registry provides the shared thread pools, threadpool.DefaultRegistry if nil
	Registry *threadpool.Registry
	// Handlers are the owner callbacks, they run on the socket worker owning the connect
	Handlers connect.Handlers
}

// Client opens outbound connects on the shared socket pool. Packages pushed by
// the remote side are dispatched to registered processors like on a server.
type Client struct {
	settings        common.ClientSettings
	connectSettings common.ConnectSettings
	handlers        connect.Handlers
	registry        *threadpool.Registry

	processors    *processor.Registry
	useProcessors atomic.Bool

	// callers of Connect waiting for the outcome, keyed by connect id
	waiters *xsync.MapOf[uint64, chan error]

	mu      sync.Mutex
	mark    common.NodeMark
	running atomic.Pointer[runState]
}

type runState struct {
	socket    *threadpool.Lease
	processor *threadpool.Lease

	// connectPools[i] is owned by socket worker i
	connectPools []*connect.ConnectPool
}

// New creates a client. Connects generate correlation ids from the client range,
// whatever range connectSettings carries.
func New(settings common.ClientSettings, connectSettings common.ConnectSettings, opts Options) *Client {
	registry := opts.Registry
	if registry == nil {
		registry = threadpool.DefaultRegistry
	}

	connectSettings = connectSettings.Clone()
	connectSettings.CorrelationRangeStart = common.ClientCorrelationRangeStart
	connectSettings.CorrelationRangeEnd = common.ClientCorrelationRangeEnd

	Logger.Infof("created client")
	Logger.Infof(settings.String())

	return &Client{
		settings:        settings.Clone(),
		connectSettings: connectSettings,
		handlers:        opts.Handlers,
		registry:        registry,
		processors:      processor.NewRegistry(),
		waiters:         xsync.NewMapOf[uint64, chan error](),
	}
}

// Begin acquires the socket and processor pools and creates one connect pool
// per socket worker. It returns false if the settings are invalid.
func (c *Client) Begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running.Load() != nil {
		return true
	}
	if err := c.connectSettings.Validate(); err != nil {
		Logger.Errorf("invalid connect settings: %v", err)
		return false
	}
	c.mark = common.CalculateNodeMark(c.settings.DutyMark)

	rs := &runState{
		socket:    c.registry.Acquire(threadpool.TierSocket, c.settings.GlobalSocketThreadCount),
		processor: c.registry.Acquire(threadpool.TierProcessor, c.settings.GlobalProcessorThreadCount),
	}

	socket := rs.socket.Pool()
	rs.connectPools = make([]*connect.ConnectPool, socket.WorkerCount())
	poolSettings := connect.PoolSettings{Handlers: c.poolHandlers(), TCP: c.settings.TCP}
	if !socket.WaitRunEach(func(index int) {
		rs.connectPools[index] = connect.NewConnectPool(poolSettings.Clone(), c.connectSettings.Clone())
	}) {
		Logger.Errorf("failed to create connect pools: %v", threadpool.ErrPoolClosed)
		rs.socket.Release()
		rs.processor.Release()
		return false
	}

	c.running.Store(rs)
	Logger.Infof("client %s started with %d socket workers", c.mark.Summary(), socket.WorkerCount())
	return true
}

// Connect opens a connect to address and blocks until it is established, failed
// or ctx is done. The dial and handshake are bounded by ConnectToHostTimeout.
// It must not be called from a socket worker.
func (c *Client) Connect(ctx context.Context, address string) (*connect.Connect, error) {
	rs := c.running.Load()
	if rs == nil {
		return nil, ErrNotStarted
	}

	socket := rs.socket.Pool()
	index := socket.NextRotaryIndex()
	run := func(task func()) bool {
		return socket.Run(task, index)
	}

	// the waiter is stored in the same task that creates the connect, so no event
	// of the connect can run before it
	result := make(chan error, 1)
	var conn *connect.Connect
	if !socket.WaitRun(func() {
		conn = rs.connectPools[index].CreateOutboundConnect(run, address)
		c.waiters.Store(conn.ID(), result)
	}, index) {
		return nil, ErrClientClosed
	}

	select {
	case err := <-result:
		if err != nil {
			return nil, err
		}
		return conn, nil
	case <-ctx.Done():
		c.waiters.Delete(conn.ID())
		_ = conn.Close()
		return nil, ctx.Err()
	}
}

// RegisterProcessor registers the slots of p for packages pushed by servers.
// Duplicate slots are returned and keep their first processor.
func (c *Client) RegisterProcessor(p processor.Processor) []string {
	duplicates := c.processors.Register(p)
	c.useProcessors.Store(true)
	return duplicates
}

// NodeMark returns the node mark computed by Begin
func (c *Client) NodeMark() common.NodeMark {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mark
}

// ConnectCount returns the number of connects not yet deleted.
// It must not be called from a socket worker.
func (c *Client) ConnectCount() int {
	rs := c.running.Load()
	if rs == nil {
		return 0
	}
	var total atomic.Int64
	rs.socket.Pool().WaitRunEach(func(index int) {
		total.Add(int64(rs.connectPools[index].Len()))
	})
	return int(total.Load())
}

// Close destroys every connect and releases the shared pools. Pending Connect
// calls fail with ErrClientClosed. It must not be called from a worker of the
// shared pools.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	rs := c.running.Load()
	if rs == nil {
		return
	}

	rs.socket.Pool().WaitRunEach(func(index int) {
		rs.connectPools[index].Clear()
	})
	c.waiters.Range(func(id uint64, _ chan error) bool {
		c.resolve(id, ErrClientClosed)
		return true
	})

	c.running.Store(nil)
	rs.socket.Release()
	rs.processor.Release()
	Logger.Infof("client closed")
}

// resolve hands the outcome of a connect attempt to its waiting caller, if any
func (c *Client) resolve(id uint64, err error) {
	if ch, ok := c.waiters.LoadAndDelete(id); ok {
		ch <- err
	}
}

// --------------------------------------------------------------------------
// Connect handlers, all of them run on the socket worker owning the connect.
// Owner callbacks run before a waiting Connect call is woken.
// --------------------------------------------------------------------------

func (c *Client) poolHandlers() connect.Handlers {
	return connect.Handlers{
		ConnectToHostError: func(conn *connect.Connect, pool *connect.ConnectPool, err error) {
			Logger.Warningf("%s failed: %v", conn, err)
			if h := c.handlers.ConnectToHostError; h != nil {
				h(conn, pool, err)
			}
			c.resolve(conn.ID(), fmt.Errorf("connect to %s: %w", conn.RemoteAddr(), err))
		},
		ConnectToHostTimeout: func(conn *connect.Connect, pool *connect.ConnectPool) {
			Logger.Warningf("%s timed out", conn)
			if h := c.handlers.ConnectToHostTimeout; h != nil {
				h(conn, pool)
			}
			c.resolve(conn.ID(), fmt.Errorf("%w: %s", ErrConnectTimeout, conn.RemoteAddr()))
		},
		ConnectToHostSucceed: func(conn *connect.Connect, pool *connect.ConnectPool) {
			Logger.Debugf("%s connected, handshaking", conn)
			if h := c.handlers.ConnectToHostSucceed; h != nil {
				h(conn, pool)
			}
		},
		Established: func(conn *connect.Connect, pool *connect.ConnectPool) {
			Logger.Debugf("%s established", conn)
			if h := c.handlers.Established; h != nil {
				h(conn, pool)
			}
			c.resolve(conn.ID(), nil)
		},
		RemoteHostClosed: func(conn *connect.Connect, pool *connect.ConnectPool) {
			Logger.Debugf("%s closed by remote host", conn)
			if h := c.handlers.RemoteHostClosed; h != nil {
				h(conn, pool)
			}
		},
		ReadyToDelete: func(conn *connect.Connect, pool *connect.ConnectPool) {
			if h := c.handlers.ReadyToDelete; h != nil {
				h(conn, pool)
			}
			c.resolve(conn.ID(), connect.ErrConnectClosed)
		},
		PackageSending:   c.handlers.PackageSending,
		PackageReceiving: c.handlers.PackageReceiving,
		PackageReceived:  c.onPackageReceived,
	}
}

func (c *Client) onPackageReceived(conn *connect.Connect, pool *connect.ConnectPool, p *wire.Package) {
	if h := c.handlers.PackageReceived; h != nil {
		h(conn, pool, p)
		return
	}
	rs := c.running.Load()
	if !c.useProcessors.Load() || rs == nil {
		Logger.Debugf("%s: no processor for slot %q, dropped", conn, p.Slot())
		return
	}
	if !rs.processor.Pool().Run(func() { c.processors.Dispatch(conn, p) }, -1) {
		Logger.Warningf("%s: processor pool closed, slot %q dropped", conn, p.Slot())
	}
}
