package connect

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dNet/rpc/common"
	"github.com/ValentinKolb/dNet/rpc/wire"
	"github.com/eapache/queue"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/afero"
	"io"
	"math/rand"
	"net"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"
)

var Logger = logger.GetLogger("connect")

var (
	ErrConnectClosed    = errors.New("connect closed")
	ErrReplyTimeout     = errors.New("reply timed out")
	ErrDuplicateSocket  = errors.New("socket already owned by a connect")
	ErrNoReplyExpected  = errors.New("package does not expect a reply")
	ErrFileTransferOff  = errors.New("file transfer is not enabled on both ends")
	ErrHandshakeFailed  = errors.New("handshake failed")
	ErrProtocolViolated = errors.New("protocol violation")
	ErrNotEstablished   = errors.New("connect not established")
)

const (
	// fileWindow is the number of file chunks queued ahead of the writer
	fileWindow = 4

	readBufferSize = 64 * 1024
)

// State is the lifecycle state of a connect
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateEstablished
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Runner posts a task onto the worker owning a connect. It reports false if the
// task was rejected because the worker is gone.
type Runner func(task func()) bool

// ReplyFunc receives the reply to a request, FailFunc the reason a request failed.
// Both run on the worker owning the connect.
type (
	ReplyFunc func(c *Connect, reply *wire.Package)
	FailFunc  func(c *Connect, err error)
)

// closeReason tells closeWith which event to report
type closeReason int

const (
	closeLocal closeReason = iota
	closeRemote
	closeHandshake
	closeTimeout
)

var nextConnectID atomic.Uint64

// --------------------------------------------------------------------------
// Connect
// --------------------------------------------------------------------------

// Connect is one TCP connection. All of its state is owned by one worker and
// only touched by tasks posted through its Runner, the public methods post as
// well and are therefore safe to call from any goroutine.
type Connect struct {
	id       uint64
	address  string
	outbound bool
	pool     *ConnectPool
	settings *common.ConnectSettings
	run      Runner

	// mirrors of owned state for other goroutines
	publicState atomic.Int32
	inflight    atomic.Int64

	// owned by the worker
	conn           net.Conn
	state          State
	own            wire.Handshake
	peer           wire.Handshake
	ids            *correlationGenerator
	pending        map[uint32]*pendingRequest
	sendQueue      *queue.Queue
	writeCh        chan outboundFrame
	writeChClosed  bool
	writesInFlight int
	graceful       bool
	inbound        map[uint32]*inboundTransfer
	outboundFiles  map[uint32]struct{}
	dialing        bool
	readerDone     bool
	writerDone     bool
	destroyed      bool
	connectTimer   *time.Timer
	done           chan struct{}
}

// pendingRequest is a sent request waiting for its reply
type pendingRequest struct {
	onReply ReplyFunc
	onFail  FailFunc
	timer   *time.Timer
}

func (r *pendingRequest) stop() {
	if r.timer != nil {
		r.timer.Stop()
	}
}

// outboundFrame is an encoded frame with an optional callback once it is written
type outboundFrame struct {
	buf     net.Buffers
	written func(err error)
}

// inboundTransfer is a chunked package being reassembled
type inboundTransfer struct {
	reassembler *wire.Reassembler
	file        afero.File
	path        string
}

func newConnect(pool *ConnectPool, run Runner, address string, outbound bool) *Connect {
	settings := &pool.connectSettings
	c := &Connect{
		id:        nextConnectID.Add(1),
		address:   address,
		outbound:  outbound,
		pool:      pool,
		settings:  settings,
		run:       run,
		ids:       newCorrelationGenerator(settings.CorrelationRangeStart, settings.CorrelationRangeEnd, pool.rnd),
		pending:   make(map[uint32]*pendingRequest),
		sendQueue: queue.New(),
		inbound:   make(map[uint32]*inboundTransfer),
		done:      make(chan struct{}),
		own: wire.Handshake{
			Version:      wire.ProtocolVersion,
			RangeStart:   settings.CorrelationRangeStart,
			RangeEnd:     settings.CorrelationRangeEnd,
			FileTransfer: settings.FileTransferEnabled,
		},
		outboundFiles: make(map[uint32]struct{}),
	}
	c.setState(StateConnecting)

	// covers dialing and handshake
	if timeout := settings.ConnectToHostTimeout; timeout > 0 {
		c.connectTimer = time.AfterFunc(timeout, func() {
			c.post(c.onConnectTimeout)
		})
	}
	return c
}

// ID returns the process-unique id of the connect
func (c *Connect) ID() uint64 {
	return c.id
}

// RemoteAddr returns the address of the peer (the dial address for outbound connects)
func (c *Connect) RemoteAddr() string {
	return c.address
}

// Outbound reports whether the connect was dialed rather than accepted
func (c *Connect) Outbound() bool {
	return c.outbound
}

// State returns the current lifecycle state. The value is exact on the owning
// worker and a snapshot anywhere else.
func (c *Connect) State() State {
	return State(c.publicState.Load())
}

// Peer returns the handshake of the remote side, zero before Established.
// Must be called on the owning worker.
func (c *Connect) Peer() wire.Handshake {
	return c.peer
}

// PendingRequests returns the number of requests waiting for a reply.
// Must be called on the owning worker.
func (c *Connect) PendingRequests() int {
	return len(c.pending)
}

func (c *Connect) String() string {
	return fmt.Sprintf("Connect(%d, %s, %s)", c.id, c.address, c.State())
}

// --------------------------------------------------------------------------
// Public operations (post to the owning worker)
// --------------------------------------------------------------------------

// Send sends a fire-and-forget package
func (c *Connect) Send(slot string, payload []byte) error {
	return c.postOrClosed(func() {
		if err := c.sendData(slot, 0, payload); err != nil {
			Logger.Warningf("%s: send to slot %q failed: %v", c, slot, err)
		}
	})
}

// Request sends a package and waits asynchronously for the reply. Exactly one of
// onReply and onFail is invoked on the owning worker, unless an error is returned.
func (c *Connect) Request(slot string, payload []byte, onReply ReplyFunc, onFail FailFunc) error {
	// the failure callback also runs for destroyed connects
	if !c.postAlways(func() { c.request(slot, payload, onReply, onFail) }) {
		return ErrConnectClosed
	}
	return nil
}

// Call sends a request and blocks until the reply arrives, the request fails or
// ctx is done. A request abandoned through ctx releases its correlation id.
// Must not be called on the owning worker.
func (c *Connect) Call(ctx context.Context, slot string, payload []byte) (*wire.Package, error) {
	type result struct {
		reply *wire.Package
		err   error
	}
	ch := make(chan result, 1)

	// written by the request task, read by the cancel task, both on the owning worker
	var (
		id  uint32
		req *pendingRequest
	)
	posted := c.postAlways(func() {
		id, req = c.request(slot, payload,
			func(_ *Connect, reply *wire.Package) { ch <- result{reply: reply} },
			func(_ *Connect, err error) { ch <- result{err: err} },
		)
	})
	if !posted {
		return nil, ErrConnectClosed
	}

	select {
	case r := <-ch:
		return r.reply, r.err
	case <-ctx.Done():
		c.post(func() { c.cancel(id, req) })
		return nil, ctx.Err()
	}
}

// Reply answers a request package received on this connect
func (c *Connect) Reply(req *wire.Package, payload []byte) error {
	if req.CorrelationID() == 0 {
		return ErrNoReplyExpected
	}
	return c.postOrClosed(func() {
		if err := c.sendData(req.Slot(), req.CorrelationID(), payload); err != nil {
			Logger.Warningf("%s: reply %d failed: %v", c, req.CorrelationID(), err)
		}
	})
}

// SendFile streams a file of the configured file system to the peer. Failures
// after the file was accepted for sending are reported to onFail (may be nil).
func (c *Connect) SendFile(slot, path string, onFail FailFunc) error {
	return c.postOrClosed(func() {
		if err := c.sendFile(slot, path, onFail); err != nil {
			Logger.Warningf("%s: sending file %s failed: %v", c, path, err)
			if onFail != nil {
				onFail(c, err)
			}
		}
	})
}

// Close closes the connect gracefully, queued frames are written first
func (c *Connect) Close() error {
	return c.postOrClosed(func() {
		c.closeWith(closeLocal, nil)
	})
}

func (c *Connect) postOrClosed(task func()) error {
	if !c.post(task) {
		return ErrConnectClosed
	}
	return nil
}

// --------------------------------------------------------------------------
// Task posting and teardown bookkeeping
// --------------------------------------------------------------------------

// post runs task on the owning worker. Every posted task is counted, the connect
// is finished only after all of them ran.
func (c *Connect) post(task func()) bool {
	return c.postAlways(func() {
		if !c.destroyed {
			task()
		}
	})
}

// postAlways is post without skipping the task once the connect was destroyed
func (c *Connect) postAlways(task func()) bool {
	c.inflight.Add(1)
	ok := c.run(func() {
		defer c.taskDone()
		task()
	})
	if !ok {
		c.inflight.Add(-1)
	}
	return ok
}

func (c *Connect) taskDone() {
	c.inflight.Add(-1)
	c.tryFinish()
}

// tryFinish moves a closing connect to Closed and emits ReadyToDelete once the
// goroutines exited and no task is left
func (c *Connect) tryFinish() {
	if c.destroyed || c.state != StateClosing {
		return
	}
	if c.dialing || !c.readerDone || !c.writerDone || c.inflight.Load() != 0 {
		return
	}
	c.setState(StateClosed)
	Logger.Debugf("%s: ready to delete", c)
	c.emit(Event{Kind: EventReadyToDelete})
}

func (c *Connect) setState(s State) {
	c.state = s
	c.publicState.Store(int32(s))
}

// emit posts an event to the pool. Nothing is emitted after ReadyToDelete.
func (c *Connect) emit(ev Event) {
	if c.state == StateClosed && ev.Kind != EventReadyToDelete {
		return
	}
	ev.Connect = c
	c.post(func() {
		c.pool.dispatch(ev)
	})
}

// dispatchNow hands an event to the pool without posting, the caller must run
// on the owning worker
func (c *Connect) dispatchNow(ev Event) {
	if c.destroyed || c.state == StateClosed {
		return
	}
	ev.Connect = c
	c.pool.dispatch(ev)
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// dial connects an outbound connect, runs on its own goroutine
func (c *Connect) dial(ctx context.Context) {
	conn, err := c.pool.dialer(ctx, c.address)

	// destroyed connects still have to close the socket
	if !c.postAlways(func() { c.onDialed(conn, err) }) && conn != nil {
		conn.Close()
	}
}

func (c *Connect) onDialed(conn net.Conn, err error) {
	c.dialing = false

	if c.state != StateConnecting {
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			c.closeWith(closeTimeout, err)
		} else {
			c.emit(Event{Kind: EventConnectToHostError, Err: err})
			c.closeWith(closeHandshake, err)
		}
		return
	}

	c.emit(Event{Kind: EventConnectToHostSucceed})
	c.startIO(conn)
}

// startIO starts the reader and writer goroutines and sends the handshake
func (c *Connect) startIO(conn net.Conn) {
	c.conn = conn
	c.setState(StateHandshaking)

	depth := c.settings.WriteQueueDepth
	if depth < 1 {
		depth = 1
	}
	c.writeCh = make(chan outboundFrame, depth)

	go c.readLoop(conn)
	go c.writeLoop(conn, c.writeCh)

	frame, err := wire.Encode(c.own.Package(), 0)
	if err != nil {
		c.closeWith(closeHandshake, err)
		return
	}
	c.writesInFlight++
	c.writeCh <- outboundFrame{buf: frame}
}

func (c *Connect) onHandshake(p *wire.Package) {
	peer, err := wire.DecodeHandshake(p)
	switch {
	case err != nil:
	case peer.Version != c.own.Version:
		err = fmt.Errorf("%w: protocol version %d, expected %d", ErrHandshakeFailed, peer.Version, c.own.Version)
	case peer.Overlaps(c.own):
		err = fmt.Errorf("%w: correlation range [%d, %d] overlaps own range [%d, %d]",
			ErrHandshakeFailed, peer.RangeStart, peer.RangeEnd, c.own.RangeStart, c.own.RangeEnd)
	}
	if err != nil {
		Logger.Warningf("%s: %v", c, err)
		c.closeWith(closeHandshake, err)
		return
	}

	c.peer = peer
	c.setState(StateEstablished)
	if c.connectTimer != nil {
		c.connectTimer.Stop()
	}
	Logger.Debugf("%s: established (peer range [%d, %d])", c, peer.RangeStart, peer.RangeEnd)
	c.emit(Event{Kind: EventEstablished})
	c.flush()
}

func (c *Connect) onConnectTimeout() {
	if c.state != StateConnecting && c.state != StateHandshaking {
		return
	}
	Logger.Warningf("%s: connect to host timed out", c)
	c.closeWith(closeTimeout, nil)
}

// closeWith moves the connect to Closing. Only the first call has an effect.
func (c *Connect) closeWith(reason closeReason, err error) {
	if c.state >= StateClosing {
		return
	}
	prev := c.state
	c.setState(StateClosing)
	close(c.done)

	if c.connectTimer != nil {
		c.connectTimer.Stop()
	}

	switch reason {
	case closeTimeout:
		c.emit(Event{Kind: EventConnectToHostTimeout})
	case closeHandshake:
		// dial errors were already reported by onDialed
		if prev == StateHandshaking {
			c.emit(Event{Kind: EventConnectToHostError, Err: err})
		}
	case closeRemote:
		if err != nil {
			Logger.Infof("%s: closed after error: %v", c, err)
		}
		c.emit(Event{Kind: EventRemoteHostClosed})
	}

	c.failPending(ErrConnectClosed)
	c.abortInbound()
	c.shutdownIO(reason == closeLocal && prev == StateEstablished)
}

// shutdownIO stops the writer and closes the socket. A graceful shutdown writes
// the queued frames first.
func (c *Connect) shutdownIO(graceful bool) {
	if c.writeCh == nil {
		// never started, nothing to wait for
		c.readerDone, c.writerDone = true, true
		return
	}

	if graceful {
		c.graceful = true
		if timeout := c.settings.ConnectToHostTimeout; timeout > 0 {
			// bounds the drain if the peer stopped reading
			_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
		}
		c.flush()
		return
	}

	c.abortIO()
}

// abortIO drops every queued frame and closes the socket
func (c *Connect) abortIO() {
	c.graceful = false
	for c.sendQueue.Length() > 0 {
		f := c.sendQueue.Remove().(outboundFrame)
		if f.written != nil {
			f.written(ErrConnectClosed)
		}
	}
	c.closeWriter()
	c.conn.Close()
}

func (c *Connect) closeWriter() {
	if !c.writeChClosed {
		c.writeChClosed = true
		close(c.writeCh)
	}
}

func (c *Connect) failPending(err error) {
	pending := c.pending
	c.pending = make(map[uint32]*pendingRequest)
	for _, req := range pending {
		req.stop()
		req.onFail(c, err)
	}
}

func (c *Connect) abortInbound() {
	for id, t := range c.inbound {
		if t.file != nil {
			t.file.Close()
			_ = c.settings.FileSystem().Remove(t.path)
		}
		delete(c.inbound, id)
	}
}

// destroy tears the connect down without further events. Called by the pool on
// the owning worker.
func (c *Connect) destroy() {
	if c.destroyed {
		return
	}
	if c.state < StateClosing {
		close(c.done)
	}
	c.setState(StateClosed)
	c.destroyed = true

	if c.connectTimer != nil {
		c.connectTimer.Stop()
	}
	c.failPending(ErrConnectClosed)
	c.abortInbound()
	if c.writeCh != nil {
		c.closeWriter()
		c.conn.Close()
	}
}

// --------------------------------------------------------------------------
// Send path
// --------------------------------------------------------------------------

func (c *Connect) inUse(id uint32) bool {
	if _, ok := c.pending[id]; ok {
		return true
	}
	if _, ok := c.inbound[id]; ok {
		return true
	}
	_, ok := c.outboundFiles[id]
	return ok
}

// request registers a pending request and sends it. It returns the correlation id
// and the pending entry, or a nil entry if the request failed right away.
func (c *Connect) request(slot string, payload []byte, onReply ReplyFunc, onFail FailFunc) (uint32, *pendingRequest) {
	if c.state >= StateClosing {
		onFail(c, ErrConnectClosed)
		return 0, nil
	}
	id, err := c.ids.allocate(c.inUse)
	if err != nil {
		onFail(c, err)
		return 0, nil
	}

	req := &pendingRequest{onReply: onReply, onFail: onFail}
	if timeout := c.settings.ReplyTimeout; timeout > 0 {
		req.timer = time.AfterFunc(timeout, func() {
			c.post(func() { c.expire(id, req) })
		})
	}
	c.pending[id] = req

	if err := c.sendData(slot, id, payload); err != nil {
		delete(c.pending, id)
		req.stop()
		onFail(c, err)
		return 0, nil
	}
	return id, req
}

// cancel drops a pending request without invoking its callbacks. The id may
// already belong to a newer request, only the given entry is removed.
func (c *Connect) cancel(id uint32, req *pendingRequest) {
	if req == nil || c.pending[id] != req {
		return
	}
	delete(c.pending, id)
	req.stop()
	Logger.Debugf("%s: request %d abandoned", c, id)
}

func (c *Connect) expire(id uint32, req *pendingRequest) {
	if c.pending[id] != req {
		return
	}
	delete(c.pending, id)
	Logger.Debugf("%s: request %d timed out", c, id)
	req.onFail(c, ErrReplyTimeout)
}

// sendData frames a data package. Chunked fire-and-forget packages get a
// transfer id so the receiver can tell transfers apart, they are still marked
// as expecting no reply.
func (c *Connect) sendData(slot string, id uint32, payload []byte) error {
	if c.state >= StateClosing {
		return ErrConnectClosed
	}
	p := wire.NewPackage(slot, id, payload)
	if id == 0 && len(payload) > c.settings.CutPackageSize {
		transferID, err := c.ids.allocate(c.inUse)
		if err != nil {
			return err
		}
		p = wire.NewPush(slot, transferID, payload)
	}
	return c.enqueuePackage(p, int64(len(payload)), nil)
}

// enqueuePackage splits and encodes a package. PackageSending is dispatched for
// each frame before the frame is queued for the writer, both on the owning worker.
func (c *Connect) enqueuePackage(p *wire.Package, totalSize int64, written func(error)) error {
	if c.state >= StateClosing {
		return ErrConnectClosed
	}

	chunks := wire.Split(p, c.settings.CutPackageSize)
	frames := make([]net.Buffers, 0, len(chunks))
	for _, chunk := range chunks {
		frame, err := wire.Encode(chunk, c.settings.CompressionThreshold)
		if err != nil {
			return err
		}
		frames = append(frames, frame)
	}

	transferred := int64(0)
	if p.IsChunked() {
		// file chunks carry their offset in the index
		transferred = int64(p.ChunkIndex()) * int64(c.settings.CutPackageSize)
	}
	for i, chunk := range chunks {
		transferred += int64(chunk.PayloadLength())
		c.dispatchNow(Event{Kind: EventPackageSending, Progress: progressOf(chunk, transferred, totalSize)})

		f := outboundFrame{buf: frames[i]}
		if i == len(chunks)-1 {
			f.written = written
		}
		c.sendQueue.Add(f)
	}
	c.flush()
	return nil
}

// flush hands queued frames to the writer while it has room. Data frames wait
// for Established.
func (c *Connect) flush() {
	if c.writeCh == nil || c.writeChClosed {
		return
	}
	if c.state != StateEstablished && !(c.state == StateClosing && c.graceful) {
		return
	}
	for c.sendQueue.Length() > 0 && c.writesInFlight < cap(c.writeCh) {
		f := c.sendQueue.Remove().(outboundFrame)
		c.writesInFlight++
		c.writeCh <- f
	}
	if c.state == StateClosing && c.sendQueue.Length() == 0 {
		c.closeWriter()
	}
}

func (c *Connect) writeLoop(conn net.Conn, frames <-chan outboundFrame) {
	for f := range frames {
		f := f
		_, err := f.buf.WriteTo(conn)
		c.post(func() { c.onWritten(f, err) })
	}
	c.post(c.onWriterExit)
}

func (c *Connect) onWritten(f outboundFrame, err error) {
	c.writesInFlight--
	if f.written != nil {
		f.written(err)
	}
	if err != nil {
		if c.state < StateClosing {
			c.closeWith(closeRemote, err)
		} else if c.graceful {
			Logger.Warningf("%s: dropping queued frames: %v", c, err)
			c.abortIO()
		}
		return
	}
	c.flush()
}

func (c *Connect) onWriterExit() {
	c.writerDone = true
	// unblocks the reader
	c.conn.Close()
}

// sendFile starts streaming a file on its own goroutine
func (c *Connect) sendFile(slot, path string, onFail FailFunc) error {
	if c.state >= StateClosing {
		return ErrConnectClosed
	}
	if c.state != StateEstablished {
		return ErrNotEstablished
	}
	if !c.own.FileTransfer || !c.peer.FileTransfer {
		return ErrFileTransferOff
	}

	fs := c.settings.FileSystem()
	info, err := fs.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}

	id, err := c.ids.allocate(c.inUse)
	if err != nil {
		return err
	}
	c.outboundFiles[id] = struct{}{}
	go c.streamFile(fs, slot, path, id, info.Size(), onFail)
	return nil
}

// streamFile reads a file chunk by chunk and posts the chunks to the owning
// worker. At most fileWindow chunks are queued but not yet written.
func (c *Connect) streamFile(fs afero.Fs, slot, path string, id uint32, size int64, onFail FailFunc) {
	finish := func(err error) {
		c.post(func() {
			delete(c.outboundFiles, id)
			if err == nil {
				Logger.Infof("%s: sent file %s (%d bytes)", c, path, size)
				return
			}
			Logger.Warningf("%s: sending file %s failed: %v", c, path, err)
			if onFail != nil {
				onFail(c, err)
			}
		})
	}

	file, err := fs.Open(path)
	if err != nil {
		finish(err)
		return
	}
	defer file.Close()

	cut := int64(c.settings.CutPackageSize)
	total := uint32((size + cut - 1) / cut)
	if total == 0 {
		total = 1
	}
	name := filepath.Base(path)
	acks := make(chan error, fileWindow)
	outstanding := 0

	wait := func() error {
		select {
		case err := <-acks:
			outstanding--
			return err
		case <-c.done:
			return ErrConnectClosed
		}
	}

	remaining := size
	for i := uint32(0); i < total; i++ {
		if outstanding == fileWindow {
			if err := wait(); err != nil {
				finish(err)
				return
			}
		}

		n := cut
		if remaining < n {
			n = remaining
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(file, data); err != nil {
			finish(fmt.Errorf("reading %s: %w", path, err))
			return
		}
		remaining -= n

		chunk := wire.NewFileChunk(slot, id, name, data, i, total)
		outstanding++
		posted := c.post(func() {
			if err := c.enqueuePackage(chunk, size, func(err error) { acks <- err }); err != nil {
				acks <- err
			}
		})
		if !posted {
			return
		}
	}

	for outstanding > 0 {
		if err := wait(); err != nil {
			finish(err)
			return
		}
	}
	finish(nil)
}

// --------------------------------------------------------------------------
// Receive path
// --------------------------------------------------------------------------

func (c *Connect) readLoop(conn net.Conn) {
	maxFrame := c.settings.MaximumFrameSize
	reader := bufio.NewReaderSize(conn, readBufferSize)
	for {
		p, _, err := wire.ReadPackage(reader, maxFrame)
		if err != nil {
			c.post(func() { c.onReaderExit(err) })
			return
		}
		if !c.post(func() { c.onPackage(p) }) {
			conn.Close()
			return
		}
	}
}

func (c *Connect) onReaderExit(err error) {
	c.readerDone = true
	if c.state >= StateClosing {
		return
	}
	if isDisconnect(err) {
		c.closeWith(closeRemote, nil)
		return
	}
	Logger.Warningf("%s: read failed: %v", c, err)
	c.closeWith(closeRemote, err)
}

func (c *Connect) onPackage(p *wire.Package) {
	switch c.state {
	case StateHandshaking:
		if p.Kind() != wire.KindHandshake {
			c.protocolError(fmt.Errorf("%w: %s before handshake", ErrProtocolViolated, p.Kind()))
			return
		}
		c.onHandshake(p)
	case StateEstablished:
		if p.Kind() == wire.KindHandshake {
			c.protocolError(fmt.Errorf("%w: second handshake", ErrProtocolViolated))
			return
		}
		c.receive(p)
	default:
		// closing, frames still in the pipe are discarded
	}
}

func (c *Connect) protocolError(err error) {
	Logger.Warningf("%s: %v", c, err)
	if c.state == StateHandshaking {
		c.closeWith(closeHandshake, err)
		return
	}
	c.closeWith(closeRemote, err)
}

func (c *Connect) receive(p *wire.Package) {
	if p.Kind() == wire.KindFile && !c.own.FileTransfer {
		Logger.Warningf("%s: dropped file chunk %s, file transfer disabled", c, p)
		return
	}

	transfer, ok := c.inbound[p.TransferID()]
	var size int64 = -1
	if !p.IsChunked() {
		size = int64(p.PayloadLength())
	}

	switch {
	case !p.IsChunked() && p.Kind() == wire.KindFile:
		c.protocolError(fmt.Errorf("%w: unchunked file package", ErrProtocolViolated))
		return

	case !p.IsChunked():
		c.emit(Event{Kind: EventPackageReceiving, Progress: progressOf(p, size, size)})
		c.complete(p)
		return

	case p.TransferID() == 0:
		c.protocolError(fmt.Errorf("%w: chunk without transfer id", ErrProtocolViolated))
		return

	case !ok:
		var err error
		if transfer, err = c.startTransfer(p); err != nil {
			c.protocolError(err)
			return
		}
		c.inbound[p.TransferID()] = transfer
	}

	done, err := transfer.reassembler.Add(p)
	if err != nil {
		c.protocolError(err)
		return
	}
	c.emit(Event{Kind: EventPackageReceiving, Progress: progressOf(p, transfer.reassembler.Size(), size)})
	if !done {
		return
	}

	delete(c.inbound, p.TransferID())
	if transfer.file == nil {
		c.complete(transfer.reassembler.Package())
		return
	}
	if err := transfer.file.Close(); err != nil {
		Logger.Errorf("%s: closing %s failed: %v", c, transfer.path, err)
		return
	}
	Logger.Infof("%s: received file %s (%d bytes)", c, transfer.path, transfer.reassembler.Size())
	c.complete(wire.NewFilePackage(p.Slot(), p.FileName(), transfer.path))
}

// startTransfer begins reassembly for the first chunk of a transfer. Data packages
// are collected in memory up to MaximumPackageSize, file chunks are written to the
// storage directory.
func (c *Connect) startTransfer(first *wire.Package) (*inboundTransfer, error) {
	if first.ChunkIndex() != 0 {
		return nil, fmt.Errorf("%w: transfer %d starts with chunk %d", wire.ErrBadChunk, first.TransferID(), first.ChunkIndex())
	}
	if first.Kind() != wire.KindFile {
		r, err := wire.NewReassembler(first, nil, c.settings.MaximumPackageSize)
		if err != nil {
			return nil, err
		}
		return &inboundTransfer{reassembler: r}, nil
	}

	fs := c.settings.FileSystem()
	if err := fs.MkdirAll(c.settings.FileStoragePath, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	path := storagePath(c.settings.FileStoragePath, c.id, first.TransferID(), first.FileName())
	file, err := fs.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", path, err)
	}
	r, err := wire.NewReassembler(first, file, 0)
	if err != nil {
		file.Close()
		return nil, err
	}
	return &inboundTransfer{reassembler: r, file: file, path: path}, nil
}

// complete delivers a full package. Replies to own requests resolve the pending
// request, everything else is reported as received.
func (c *Connect) complete(p *wire.Package) {
	id := p.CorrelationID()
	if id != 0 && c.ids.contains(id) {
		req, ok := c.pending[id]
		if !ok {
			Logger.Debugf("%s: dropped late reply %d", c, id)
			return
		}
		delete(c.pending, id)
		req.stop()
		req.onReply(c, p)
		return
	}
	c.emit(Event{Kind: EventPackageReceived, Package: p})
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func progressOf(p *wire.Package, transferred, total int64) Progress {
	return Progress{
		Kind:          p.Kind(),
		Slot:          p.Slot(),
		CorrelationID: p.CorrelationID(),
		TransferID:    p.TransferID(),
		ChunkIndex:    p.ChunkIndex(),
		ChunkTotal:    p.ChunkTotal(),
		CurrentSize:   p.PayloadLength(),
		Transferred:   transferred,
		TotalSize:     total,
	}
}

func isDisconnect(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET)
}

func storagePath(dir string, connectID uint64, transferID uint32, name string) string {
	return filepath.Join(dir, fmt.Sprintf("%d-%d-%s", connectID, transferID, filepath.Base(name)))
}

func newRand() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
