package server

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/dNet/lib/threadpool"
	"github.com/ValentinKolb/dNet/rpc/common"
	"github.com/ValentinKolb/dNet/rpc/connect"
	"github.com/ValentinKolb/dNet/rpc/processor"
	"github.com/ValentinKolb/dNet/rpc/transport/tcp"
	"github.com/ValentinKolb/dNet/rpc/wire"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"io"
	"net"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

var Logger = logger.GetLogger("server")

var (
	ErrListenFailed   = errors.New("failed to listen")
	ErrUnknownConnect = errors.New("unknown connect")
)

const maxAcceptDelay = time.Second

// Options are the collaborators of a server that are not plain settings
type Options struct {
	// Registry provides the shared thread pools, threadpool.DefaultRegistry if nil
	Registry *threadpool.Registry
	// Handlers are the owner callbacks. They run on the socket worker owning the
	// connect, after the server updated its own bookkeeping.
	Handlers connect.Handlers
}

// Server accepts TCP connections and routes their packages to processors
type Server struct {
	settings        common.ServerSettings
	connectSettings common.ConnectSettings
	handlers        connect.Handlers
	registry        *threadpool.Registry

	processors    *processor.Registry
	useProcessors atomic.Bool

	// connects by id, kept for addressing connects from outside their worker
	directory *xsync.MapOf[uint64, *connect.Connect]
	metrics   *serverMetrics

	mu      sync.Mutex
	mark    common.NodeMark
	running atomic.Pointer[runState]
}

// runState is everything created by Begin and torn down by Close
type runState struct {
	accept    *threadpool.Lease
	socket    *threadpool.Lease
	processor *threadpool.Lease

	listener    net.Listener
	addr        net.Addr
	acceptIndex int
	closing     atomic.Bool
	acceptDone  chan struct{}

	// connectPools[i] is owned by socket worker i
	connectPools []*connect.ConnectPool
}

func (rs *runState) release() {
	rs.accept.Release()
	rs.socket.Release()
	rs.processor.Release()
}

// New creates a server. Nothing is started before Begin.
//
// Usage:
//
//	s := server.New(settings, common.DefaultConnectSettings(), server.Options{})
//	s.RegisterProcessor(builtin.Echo())
//	if !s.Begin() {
//		panic("failed to start server")
//	}
//	defer s.Close()
func New(settings common.ServerSettings, connectSettings common.ConnectSettings, opts Options) *Server {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	registry := opts.Registry
	if registry == nil {
		registry = threadpool.DefaultRegistry
	}

	s := &Server{
		settings:        settings.Clone(),
		connectSettings: connectSettings.Clone(),
		handlers:        opts.Handlers,
		registry:        registry,
		processors:      processor.NewRegistry(),
		directory:       xsync.NewMapOf[uint64, *connect.Connect](),
	}
	s.metrics = newServerMetrics(s.settings.Endpoint(), s.directory.Size)

	Logger.Infof("created server")
	Logger.Infof(s.settings.String())
	Logger.Infof(s.connectSettings.String())
	return s
}

// CreateServer creates a server with the default settings listening on address:port.
// If file transfer is enabled, received files are stored below the temp directory.
func CreateServer(port uint16, address string, fileTransferEnabled bool) *Server {
	settings := common.DefaultServerSettings()
	settings.ListenPort = port
	settings.ListenAddress = address

	connectSettings := common.DefaultConnectSettings()
	if fileTransferEnabled {
		connectSettings.FileTransferEnabled = true
		connectSettings.SetFileStorageToDefaultDir()
	}
	return New(settings, connectSettings, Options{})
}

// Begin starts the server: it computes the node mark, acquires the shared pools,
// binds the listener and creates one connect pool per socket worker. It returns
// false if the listener could not be bound or the settings are invalid, all
// acquired pools are released in that case.
func (s *Server) Begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() != nil {
		Logger.Warningf("server on %s already started", s.settings.Endpoint())
		return true
	}
	if err := s.connectSettings.Validate(); err != nil {
		Logger.Errorf("invalid connect settings: %v", err)
		return false
	}

	s.mark = common.CalculateNodeMark(s.settings.DutyMark)
	Logger.Infof("node mark %s", s.mark)

	rs := &runState{
		accept:     s.registry.Acquire(threadpool.TierAccept, s.settings.GlobalServerThreadCount),
		socket:     s.registry.Acquire(threadpool.TierSocket, s.settings.GlobalSocketThreadCount),
		processor:  s.registry.Acquire(threadpool.TierProcessor, s.settings.GlobalProcessorThreadCount),
		acceptDone: make(chan struct{}),
	}

	// bind on the accept worker
	accept := rs.accept.Pool()
	rs.acceptIndex = accept.NextRotaryIndex()
	var err error
	if !accept.WaitRun(func() {
		rs.listener, err = tcp.Listen(s.settings.ListenAddress, s.settings.ListenPort, tcp.ListenOptions{ReusePort: s.settings.ReusePort})
	}, rs.acceptIndex) {
		err = threadpool.ErrPoolClosed
	}
	if err != nil {
		Logger.Errorf("%v on %s: %v", ErrListenFailed, s.settings.Endpoint(), err)
		rs.release()
		return false
	}
	rs.addr = rs.listener.Addr()

	// one connect pool per socket worker, created on that worker
	socket := rs.socket.Pool()
	rs.connectPools = make([]*connect.ConnectPool, socket.WorkerCount())
	poolSettings := connect.PoolSettings{Handlers: s.poolHandlers(), TCP: s.settings.TCP}
	if !socket.WaitRunEach(func(index int) {
		rs.connectPools[index] = connect.NewConnectPool(poolSettings.Clone(), s.connectSettings.Clone())
	}) {
		Logger.Errorf("failed to create connect pools: %v", threadpool.ErrPoolClosed)
		_ = rs.listener.Close()
		rs.release()
		return false
	}

	s.running.Store(rs)
	go s.acceptLoop(rs)

	Logger.Infof("listening on %s with %d socket workers", rs.addr, socket.WorkerCount())
	return true
}

// Close stops the server. The listener is closed on the accept worker, every
// connect pool is cleared on its socket worker and the shared pools are released.
// Close blocks until all of this is done. It is a no-op if the server is not running.
// It must not be called from a worker of the shared pools.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs := s.running.Load()
	if rs == nil {
		return
	}

	rs.accept.Pool().WaitRun(func() {
		rs.closing.Store(true)
		if err := rs.listener.Close(); err != nil {
			Logger.Warningf("failed to close listener on %s: %v", rs.addr, err)
		}
	}, rs.acceptIndex)
	<-rs.acceptDone

	rs.socket.Pool().WaitRunEach(func(index int) {
		rs.connectPools[index].Clear()
	})
	s.directory.Clear()

	s.running.Store(nil)
	rs.release()
	Logger.Infof("server on %s closed", rs.addr)
}

// RegisterProcessor registers the slots of p. Slots already registered keep
// their first processor, they are returned and logged. Once a processor is
// registered, completed packages are dispatched to the processor pool unless the
// owner installed its own PackageReceived handler.
func (s *Server) RegisterProcessor(p processor.Processor) []string {
	duplicates := s.processors.Register(p)
	s.metrics.duplicateSlots.Add(len(duplicates))
	s.useProcessors.Store(true)
	return duplicates
}

// Processors returns the slot registry of the server
func (s *Server) Processors() *processor.Registry {
	return s.processors
}

// NodeMark returns the node mark computed by Begin
func (s *Server) NodeMark() common.NodeMark {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mark
}

// Addr returns the address the server listens on, nil if it is not running
func (s *Server) Addr() net.Addr {
	if rs := s.running.Load(); rs != nil {
		return rs.addr
	}
	return nil
}

// ConnectCount returns the number of established connects
func (s *Server) ConnectCount() int {
	return s.directory.Size()
}

// ConnectPoolSizes returns the number of connects owned by every socket worker,
// indexed by worker. It must not be called from a socket worker.
func (s *Server) ConnectPoolSizes() []int {
	rs := s.running.Load()
	if rs == nil {
		return nil
	}
	sizes := make([]int, len(rs.connectPools))
	rs.socket.Pool().WaitRunEach(func(index int) {
		sizes[index] = rs.connectPools[index].Len()
	})
	return sizes
}

// SendTo sends a package without expecting a reply to an established connect
func (s *Server) SendTo(connectID uint64, slot string, payload []byte) error {
	c, ok := s.directory.Load(connectID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownConnect, connectID)
	}
	return c.Send(slot, payload)
}

// Broadcast sends a package to every established connect and returns the
// number of connects it was queued for
func (s *Server) Broadcast(slot string, payload []byte) int {
	sent := 0
	s.directory.Range(func(_ uint64, c *connect.Connect) bool {
		if err := c.Send(slot, payload); err != nil {
			Logger.Debugf("broadcast to %s skipped: %v", c, err)
		} else {
			sent++
		}
		return true
	})
	return sent
}

// PoolStats returns the counters of the shared pools used by the server
func (s *Server) PoolStats() map[threadpool.Tier]threadpool.Stats {
	rs := s.running.Load()
	if rs == nil {
		return nil
	}
	stats := make(map[threadpool.Tier]threadpool.Stats, 3)
	for _, l := range []*threadpool.Lease{rs.accept, rs.socket, rs.processor} {
		stats[l.Tier()] = l.Pool().Stats()
	}
	return stats
}

// WritePrometheus writes the metrics of the server in the prometheus text format
func (s *Server) WritePrometheus(w io.Writer) {
	s.metrics.writePrometheus(w)
}

// --------------------------------------------------------------------------
// Accepting
// --------------------------------------------------------------------------

// acceptLoop hands every accepted socket to the accept worker until the listener is closed
func (s *Server) acceptLoop(rs *runState) {
	defer close(rs.acceptDone)

	accept := rs.accept.Pool()
	var delay time.Duration
	for {
		conn, err := rs.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			Logger.Warningf("accept on %s failed, retrying in %v: %v", rs.addr, delay, err)
			time.Sleep(delay)
			continue
		}
		delay = 0

		if !accept.Run(func() { s.incomingConnection(rs, conn) }, rs.acceptIndex) {
			_ = conn.Close()
		}
	}
}

// incomingConnection runs on the accept worker. It selects the owning socket
// worker round robin and creates the connect there.
func (s *Server) incomingConnection(rs *runState, conn net.Conn) {
	if rs.closing.Load() {
		_ = conn.Close()
		return
	}
	s.metrics.accepted.Inc()

	if err := tcp.UpgradeConnection(conn, s.settings.TCP); err != nil {
		Logger.Warningf("failed to apply socket options to %s: %v", conn.RemoteAddr(), err)
	}

	socket := rs.socket.Pool()
	index := socket.NextRotaryIndex()
	if !socket.Run(func() { s.createConnect(rs, index, conn) }, index) {
		_ = conn.Close()
	}
}

// createConnect runs on socket worker index, which owns the connect from now on
func (s *Server) createConnect(rs *runState, index int, conn net.Conn) {
	socket := rs.socket.Pool()
	run := func(task func()) bool {
		return socket.Run(task, index)
	}

	c, err := rs.connectPools[index].CreateConnect(run, conn)
	if err != nil {
		Logger.Errorf("rejected socket from %s: %v", conn.RemoteAddr(), err)
		// a duplicate socket is still owned by the existing connect
		if !errors.Is(err, connect.ErrDuplicateSocket) {
			_ = conn.Close()
		}
		return
	}
	Logger.Debugf("%s owned by socket worker %d", c, index)
}

// --------------------------------------------------------------------------
// Connect handlers, all of them run on the socket worker owning the connect
// --------------------------------------------------------------------------

func (s *Server) poolHandlers() connect.Handlers {
	return connect.Handlers{
		ConnectToHostError:   s.onConnectToHostError,
		ConnectToHostTimeout: s.onConnectToHostTimeout,
		ConnectToHostSucceed: s.onConnectToHostSucceed,
		Established:          s.onEstablished,
		RemoteHostClosed:     s.onRemoteHostClosed,
		ReadyToDelete:        s.onReadyToDelete,
		PackageSending:       s.onPackageSending,
		PackageReceiving:     s.onPackageReceiving,
		PackageReceived:      s.onPackageReceived,
	}
}

func (s *Server) onConnectToHostError(c *connect.Connect, pool *connect.ConnectPool, err error) {
	s.metrics.handshakeFailed.Inc()
	Logger.Warningf("%s failed: %v", c, err)
	if h := s.handlers.ConnectToHostError; h != nil {
		h(c, pool, err)
	}
}

func (s *Server) onConnectToHostTimeout(c *connect.Connect, pool *connect.ConnectPool) {
	s.metrics.handshakeFailed.Inc()
	Logger.Warningf("%s timed out", c)
	if h := s.handlers.ConnectToHostTimeout; h != nil {
		h(c, pool)
	}
}

func (s *Server) onConnectToHostSucceed(c *connect.Connect, pool *connect.ConnectPool) {
	Logger.Debugf("%s connected", c)
	if h := s.handlers.ConnectToHostSucceed; h != nil {
		h(c, pool)
	}
}

func (s *Server) onEstablished(c *connect.Connect, pool *connect.ConnectPool) {
	s.metrics.established.Inc()
	s.directory.Store(c.ID(), c)
	Logger.Debugf("%s established", c)
	if h := s.handlers.Established; h != nil {
		h(c, pool)
	}
}

func (s *Server) onRemoteHostClosed(c *connect.Connect, pool *connect.ConnectPool) {
	Logger.Debugf("%s closed by remote host", c)
	if h := s.handlers.RemoteHostClosed; h != nil {
		h(c, pool)
	}
}

func (s *Server) onReadyToDelete(c *connect.Connect, pool *connect.ConnectPool) {
	s.metrics.closed.Inc()
	s.directory.Delete(c.ID())
	Logger.Debugf("%s ready to delete", c)
	if h := s.handlers.ReadyToDelete; h != nil {
		h(c, pool)
	}
}

func (s *Server) onPackageSending(c *connect.Connect, pool *connect.ConnectPool, progress connect.Progress) {
	s.metrics.packagesOut.Inc()
	s.metrics.bytesOut.Add(progress.CurrentSize)
	if h := s.handlers.PackageSending; h != nil {
		h(c, pool, progress)
	}
}

func (s *Server) onPackageReceiving(c *connect.Connect, pool *connect.ConnectPool, progress connect.Progress) {
	s.metrics.bytesIn.Add(progress.CurrentSize)
	if h := s.handlers.PackageReceiving; h != nil {
		h(c, pool, progress)
	}
}

// onPackageReceived hands a completed package to the owner, or to the processor
// pool if processors are registered
func (s *Server) onPackageReceived(c *connect.Connect, pool *connect.ConnectPool, p *wire.Package) {
	s.metrics.packagesIn.Inc()

	if h := s.handlers.PackageReceived; h != nil {
		h(c, pool, p)
		return
	}
	if !s.useProcessors.Load() {
		s.metrics.dropped.Inc()
		Logger.Debugf("%s: no processor for slot %q, dropped", c, p.Slot())
		return
	}

	rs := s.running.Load()
	if rs == nil {
		s.metrics.dropped.Inc()
		return
	}
	if !rs.processor.Pool().Run(func() { s.dispatch(c, p) }, -1) {
		s.metrics.dropped.Inc()
		Logger.Warningf("%s: processor pool closed, slot %q dropped", c, p.Slot())
	}
}

// dispatch runs on the processor pool
func (s *Server) dispatch(c *connect.Connect, p *wire.Package) {
	start := time.Now()
	if !s.processors.Dispatch(c, p) {
		s.metrics.dropped.Inc()
		return
	}
	s.metrics.dispatch.UpdateDuration(start)
}
