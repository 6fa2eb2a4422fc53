package connect

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dNet/lib/threadpool"
	"github.com/ValentinKolb/dNet/rpc/common"
	"github.com/ValentinKolb/dNet/rpc/wire"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

// --------------------------------------------------------------------------
// Test helpers
// --------------------------------------------------------------------------

// recorder collects every event a pool dispatches
type recorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Event, 4096)}
}

func (r *recorder) add(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.ch <- ev
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		ConnectToHostError: func(c *Connect, _ *ConnectPool, err error) {
			r.add(Event{Kind: EventConnectToHostError, Connect: c, Err: err})
		},
		ConnectToHostTimeout: func(c *Connect, _ *ConnectPool) {
			r.add(Event{Kind: EventConnectToHostTimeout, Connect: c})
		},
		ConnectToHostSucceed: func(c *Connect, _ *ConnectPool) {
			r.add(Event{Kind: EventConnectToHostSucceed, Connect: c})
		},
		Established: func(c *Connect, _ *ConnectPool) {
			r.add(Event{Kind: EventEstablished, Connect: c})
		},
		RemoteHostClosed: func(c *Connect, _ *ConnectPool) {
			r.add(Event{Kind: EventRemoteHostClosed, Connect: c})
		},
		ReadyToDelete: func(c *Connect, _ *ConnectPool) {
			r.add(Event{Kind: EventReadyToDelete, Connect: c})
		},
		PackageSending: func(c *Connect, _ *ConnectPool, progress Progress) {
			r.add(Event{Kind: EventPackageSending, Connect: c, Progress: progress})
		},
		PackageReceiving: func(c *Connect, _ *ConnectPool, progress Progress) {
			r.add(Event{Kind: EventPackageReceiving, Connect: c, Progress: progress})
		},
		PackageReceived: func(c *Connect, _ *ConnectPool, pkg *wire.Package) {
			r.add(Event{Kind: EventPackageReceived, Connect: c, Package: pkg})
		},
	}
}

// waitFor consumes events until one of the given kind arrives
func (r *recorder) waitFor(t *testing.T, kind EventKind) Event {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-r.ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event within %s", kind, waitTimeout)
			return Event{}
		}
	}
}

// kinds returns the kinds of all recorded events matching the filter
func (r *recorder) kinds(filter func(Event) bool) []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventKind
	for _, ev := range r.events {
		if filter == nil || filter(ev) {
			out = append(out, ev.Kind)
		}
	}
	return out
}

func (r *recorder) count(kind EventKind) int {
	return len(r.kinds(func(ev Event) bool { return ev.Kind == kind }))
}

// peer is one side of a test connection, a single worker owning one pool
type peer struct {
	tp   *threadpool.ThreadPool
	pool *ConnectPool
	rec  *recorder
}

func newPeer(t *testing.T, settings common.ConnectSettings, customize func(p *peer, s *PoolSettings)) *peer {
	t.Helper()
	p := &peer{tp: threadpool.New(1), rec: newRecorder()}
	poolSettings := PoolSettings{Handlers: p.rec.handlers(), TCP: common.DefaultTCPConf()}
	if customize != nil {
		customize(p, &poolSettings)
	}
	p.tp.WaitRun(func() {
		p.pool = NewConnectPool(poolSettings, settings)
	}, 0)

	t.Cleanup(func() {
		p.tp.WaitRun(func() { p.pool.Clear() }, 0)
		p.tp.Close()
	})
	return p
}

func (p *peer) run(task func()) bool {
	return p.tp.Run(task, 0)
}

func (p *peer) accept(t *testing.T, conn net.Conn) *Connect {
	t.Helper()
	var c *Connect
	var err error
	p.tp.WaitRun(func() {
		c, err = p.pool.CreateConnect(p.run, conn)
	}, 0)
	require.NoError(t, err)
	return c
}

func (p *peer) len() int {
	n := 0
	p.tp.WaitRun(func() { n = p.pool.Len() }, 0)
	return n
}

func serverConnectSettings() common.ConnectSettings {
	s := common.DefaultConnectSettings()
	s.ConnectToHostTimeout = 2 * time.Second
	s.ReplyTimeout = 2 * time.Second
	return s
}

func clientConnectSettings() common.ConnectSettings {
	s := serverConnectSettings()
	s.CorrelationRangeStart = common.ClientCorrelationRangeStart
	s.CorrelationRangeEnd = common.ClientCorrelationRangeEnd
	return s
}

// connectPair connects a server and a client peer over a pipe and waits until
// both ends are established
func connectPair(t *testing.T, server, client *peer) (*Connect, *Connect) {
	t.Helper()
	a, b := net.Pipe()
	sc := server.accept(t, a)
	cc := client.accept(t, b)
	server.rec.waitFor(t, EventEstablished)
	client.rec.waitFor(t, EventEstablished)
	return sc, cc
}

// replyWith installs a PackageReceived handler answering every request
func replyWith(answer func(p *wire.Package) []byte) func(p *peer, s *PoolSettings) {
	return func(p *peer, s *PoolSettings) {
		s.Handlers.PackageReceived = func(c *Connect, pool *ConnectPool, pkg *wire.Package) {
			p.rec.add(Event{Kind: EventPackageReceived, Connect: c, Package: pkg})
			if pkg.CorrelationID() != 0 {
				_ = c.Reply(pkg, answer(pkg))
			}
		}
	}
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

// TestHandshakeEstablishes verifies that both ends learn the range of the peer
func TestHandshakeEstablishes(t *testing.T) {
	server := newPeer(t, serverConnectSettings(), nil)
	client := newPeer(t, clientConnectSettings(), nil)
	sc, cc := connectPair(t, server, client)

	assert.Equal(t, StateEstablished, sc.State())
	assert.Equal(t, StateEstablished, cc.State())

	var peerRange [2]uint32
	server.tp.WaitRun(func() {
		peerRange = [2]uint32{sc.Peer().RangeStart, sc.Peer().RangeEnd}
	}, 0)
	assert.Equal(t, [2]uint32{common.ClientCorrelationRangeStart, common.ClientCorrelationRangeEnd}, peerRange)
	assert.NotEqual(t, sc.ID(), cc.ID())
}

// TestRequestReply verifies the round trip of a request and its reply
func TestRequestReply(t *testing.T) {
	server := newPeer(t, serverConnectSettings(), replyWith(func(p *wire.Package) []byte {
		return append([]byte("re:"), p.Payload()...)
	}))
	client := newPeer(t, clientConnectSettings(), nil)
	_, cc := connectPair(t, server, client)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	reply, err := cc.Call(ctx, "user.login", []byte("alice"))
	require.NoError(t, err)
	assert.Equal(t, "re:alice", string(reply.Payload()))
	assert.Equal(t, "user.login", reply.Slot())
	assert.GreaterOrEqual(t, reply.CorrelationID(), common.ClientCorrelationRangeStart)
	assert.LessOrEqual(t, reply.CorrelationID(), common.ClientCorrelationRangeEnd)

	// the reply resolved the request instead of being reported as received
	assert.Equal(t, 0, client.rec.count(EventPackageReceived))
	assert.Equal(t, 1, server.rec.count(EventPackageReceived))

	n := -1
	client.tp.WaitRun(func() { n = cc.PendingRequests() }, 0)
	assert.Equal(t, 0, n)
}

// TestChunkedTransferOrder verifies the pipeline events of a chunked package
// and that the reassembled payload equals the original
func TestChunkedTransferOrder(t *testing.T) {
	settings := serverConnectSettings()
	settings.CutPackageSize = 1024
	settings.MaximumFrameSize = 4096
	clientSettings := clientConnectSettings()
	clientSettings.CutPackageSize = 1024
	clientSettings.MaximumFrameSize = 4096

	server := newPeer(t, settings, nil)
	client := newPeer(t, clientSettings, nil)
	_, cc := connectPair(t, server, client)

	payload := make([]byte, 10*1024+17)
	rand.New(rand.NewSource(3)).Read(payload)
	require.NoError(t, cc.Send("bulk", payload))
	require.NoError(t, cc.Send("small", []byte("tail")))

	first := server.rec.waitFor(t, EventPackageReceived)
	second := server.rec.waitFor(t, EventPackageReceived)
	assert.Equal(t, "bulk", first.Package.Slot())
	assert.True(t, bytes.Equal(payload, first.Package.Payload()))
	assert.Equal(t, "small", second.Package.Slot())

	pipeline := server.rec.kinds(func(ev Event) bool {
		return ev.Kind == EventPackageReceiving || ev.Kind == EventPackageReceived
	})
	expected := make([]EventKind, 0, 14)
	for i := 0; i < 11; i++ {
		expected = append(expected, EventPackageReceiving)
	}
	expected = append(expected, EventPackageReceived, EventPackageReceiving, EventPackageReceived)
	assert.Equal(t, expected, pipeline)

	// sending side reported every frame
	assert.Equal(t, 12, client.rec.count(EventPackageSending))
}

// TestChunkedSendExpectsNoReply verifies that a fire-and-forget package large
// enough to be chunked still arrives without a correlation id and is not answered
func TestChunkedSendExpectsNoReply(t *testing.T) {
	settings := serverConnectSettings()
	settings.CutPackageSize = 1024
	clientSettings := clientConnectSettings()
	clientSettings.CutPackageSize = 1024

	server := newPeer(t, settings, replyWith(func(p *wire.Package) []byte { return p.Payload() }))
	client := newPeer(t, clientSettings, nil)
	_, cc := connectPair(t, server, client)

	payload := make([]byte, 5000)
	rand.New(rand.NewSource(7)).Read(payload)
	require.NoError(t, cc.Send("push", payload))

	ev := server.rec.waitFor(t, EventPackageReceived)
	assert.Equal(t, "push", ev.Package.Slot())
	assert.Equal(t, uint32(0), ev.Package.CorrelationID())
	assert.True(t, bytes.Equal(payload, ev.Package.Payload()))

	// the chunks were keyed by a transfer id from the client range
	server.rec.mu.Lock()
	for _, e := range server.rec.events {
		if e.Kind == EventPackageReceiving {
			assert.Equal(t, uint32(0), e.Progress.CorrelationID)
			assert.GreaterOrEqual(t, e.Progress.TransferID, common.ClientCorrelationRangeStart)
		}
	}
	server.rec.mu.Unlock()

	// a request afterwards is answered, the push was not
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	reply, err := cc.Call(ctx, "ping", []byte("pong"))
	require.NoError(t, err)
	assert.Equal(t, "pong", string(reply.Payload()))
	assert.Equal(t, 0, client.rec.count(EventPackageReceived))
}

// TestPackageSizeLimit verifies that a transfer beyond MaximumPackageSize closes
// only the offending connect
func TestPackageSizeLimit(t *testing.T) {
	settings := serverConnectSettings()
	settings.CutPackageSize = 1024
	settings.MaximumFrameSize = 4096
	settings.MaximumPackageSize = 4096
	clientSettings := clientConnectSettings()
	clientSettings.CutPackageSize = 1024

	server := newPeer(t, settings, replyWith(func(p *wire.Package) []byte { return p.Payload() }))
	greedy := newPeer(t, clientSettings, nil)
	polite := newPeer(t, clientSettings, nil)
	sc, gc := connectPair(t, server, greedy)
	_, pc := connectPair(t, server, polite)

	require.NoError(t, gc.Send("bulk", make([]byte, 10*1024)))

	ev := server.rec.waitFor(t, EventReadyToDelete)
	assert.Equal(t, sc.ID(), ev.Connect.ID())
	greedy.rec.waitFor(t, EventReadyToDelete)
	assert.Equal(t, 0, server.rec.count(EventPackageReceived))

	// packages within the limit still pass on the other connect
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	reply, err := pc.Call(ctx, "bulk", make([]byte, 3000))
	require.NoError(t, err)
	assert.Equal(t, 3000, reply.PayloadLength())
	assert.Equal(t, 1, server.len())
}

// TestSendBeforeEstablished verifies that packages sent during the handshake are queued
func TestSendBeforeEstablished(t *testing.T) {
	server := newPeer(t, serverConnectSettings(), nil)
	client := newPeer(t, clientConnectSettings(), nil)

	a, b := net.Pipe()
	cc := client.accept(t, b)
	require.NoError(t, cc.Send("early", []byte("bird")))
	server.accept(t, a)

	ev := server.rec.waitFor(t, EventPackageReceived)
	assert.Equal(t, "early", ev.Package.Slot())
	assert.Equal(t, "bird", string(ev.Package.Payload()))
}

// TestReplyTimeout verifies that an unanswered request fails with a timeout
func TestReplyTimeout(t *testing.T) {
	settings := clientConnectSettings()
	settings.ReplyTimeout = 50 * time.Millisecond

	server := newPeer(t, serverConnectSettings(), nil)
	client := newPeer(t, settings, nil)
	_, cc := connectPair(t, server, client)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	_, err := cc.Call(ctx, "void", nil)
	assert.True(t, errors.Is(err, ErrReplyTimeout))

	// the connect survives the timeout
	assert.Equal(t, StateEstablished, cc.State())
}

// TestCanceledCallReleasesID verifies that a call abandoned through its context
// frees the correlation id even without a reply timeout
func TestCanceledCallReleasesID(t *testing.T) {
	settings := clientConnectSettings()
	settings.ReplyTimeout = 0

	server := newPeer(t, serverConnectSettings(), nil)
	client := newPeer(t, settings, nil)
	_, cc := connectPair(t, server, client)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := cc.Call(ctx, "void", nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	assert.Eventually(t, func() bool {
		n := -1
		client.tp.WaitRun(func() { n = cc.PendingRequests() }, 0)
		return n == 0
	}, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, StateEstablished, cc.State())
}

// TestCloseEmitsReadyToDeleteOnce verifies the teardown events on both ends
func TestCloseEmitsReadyToDeleteOnce(t *testing.T) {
	server := newPeer(t, serverConnectSettings(), nil)
	client := newPeer(t, clientConnectSettings(), nil)
	_, cc := connectPair(t, server, client)

	require.NoError(t, cc.Send("last", []byte("words")))
	require.NoError(t, cc.Close())

	server.rec.waitFor(t, EventReadyToDelete)
	client.rec.waitFor(t, EventReadyToDelete)

	// queued frames were written before the socket closed
	assert.Equal(t, 1, server.rec.count(EventPackageReceived))
	assert.Equal(t, 1, server.rec.count(EventRemoteHostClosed))
	assert.Equal(t, 0, client.rec.count(EventRemoteHostClosed))

	// nothing after ReadyToDelete
	time.Sleep(50 * time.Millisecond)
	for _, p := range []*peer{server, client} {
		kinds := p.rec.kinds(nil)
		assert.Equal(t, EventReadyToDelete, kinds[len(kinds)-1])
		assert.Equal(t, 1, p.rec.count(EventReadyToDelete))
		assert.Equal(t, 0, p.len())
	}
	assert.Equal(t, StateClosed, cc.State())

	// operations on a closed connect fail without side effects
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	_, err := cc.Call(ctx, "late", nil)
	assert.True(t, errors.Is(err, ErrConnectClosed))
}

// TestCloseFailsPendingRequests verifies that pending requests fail on close
func TestCloseFailsPendingRequests(t *testing.T) {
	server := newPeer(t, serverConnectSettings(), nil)
	client := newPeer(t, clientConnectSettings(), nil)
	_, cc := connectPair(t, server, client)

	failed := make(chan error, 1)
	require.NoError(t, cc.Request("void", nil,
		func(*Connect, *wire.Package) { failed <- nil },
		func(_ *Connect, err error) { failed <- err },
	))
	require.NoError(t, cc.Close())

	select {
	case err := <-failed:
		assert.True(t, errors.Is(err, ErrConnectClosed))
	case <-time.After(waitTimeout):
		t.Fatal("pending request was not failed")
	}
}

// TestHandshakeRangeOverlap verifies that two ends with the same range do not connect
func TestHandshakeRangeOverlap(t *testing.T) {
	a := newPeer(t, serverConnectSettings(), nil)
	b := newPeer(t, serverConnectSettings(), nil)

	c1, c2 := net.Pipe()
	a.accept(t, c1)
	b.accept(t, c2)

	a.rec.waitFor(t, EventReadyToDelete)
	b.rec.waitFor(t, EventReadyToDelete)

	// the end closing second may only see the disconnect
	var failures []error
	for _, p := range []*peer{a, b} {
		assert.Equal(t, 0, p.rec.count(EventEstablished))
		p.rec.mu.Lock()
		for _, ev := range p.rec.events {
			if ev.Kind == EventConnectToHostError {
				failures = append(failures, ev.Err)
			}
		}
		p.rec.mu.Unlock()
	}
	require.NotEmpty(t, failures)
	assert.True(t, errors.Is(failures[0], ErrHandshakeFailed))
}

// TestHandshakeTimeout verifies the deadline of a silent peer
func TestHandshakeTimeout(t *testing.T) {
	settings := serverConnectSettings()
	settings.ConnectToHostTimeout = 100 * time.Millisecond
	server := newPeer(t, settings, nil)

	a, b := net.Pipe()
	go io.Copy(io.Discard, b)
	server.accept(t, a)

	server.rec.waitFor(t, EventConnectToHostTimeout)
	server.rec.waitFor(t, EventReadyToDelete)
	assert.Equal(t, 0, server.rec.count(EventEstablished))
}

// TestDuplicateSocket verifies that a socket can only be owned once
func TestDuplicateSocket(t *testing.T) {
	server := newPeer(t, serverConnectSettings(), nil)
	a, b := net.Pipe()
	go io.Copy(io.Discard, b)
	server.accept(t, a)

	var err error
	server.tp.WaitRun(func() {
		_, err = server.pool.CreateConnect(server.run, a)
	}, 0)
	assert.True(t, errors.Is(err, ErrDuplicateSocket))
	assert.Equal(t, 1, server.len())
}

// TestOutboundConnect verifies the dial events of an outbound connect
func TestOutboundConnect(t *testing.T) {
	server := newPeer(t, serverConnectSettings(), nil)
	client := newPeer(t, clientConnectSettings(), func(_ *peer, s *PoolSettings) {
		s.Dial = func(ctx context.Context, address string) (net.Conn, error) {
			a, b := net.Pipe()
			server.accept(t, a)
			return b, nil
		}
	})

	var cc *Connect
	client.tp.WaitRun(func() {
		cc = client.pool.CreateOutboundConnect(client.run, "peer:1")
	}, 0)
	client.rec.waitFor(t, EventConnectToHostSucceed)
	client.rec.waitFor(t, EventEstablished)
	assert.True(t, cc.Outbound())
	assert.Equal(t, "peer:1", cc.RemoteAddr())
}

// TestOutboundConnectError verifies that dial failures end the connect
func TestOutboundConnectError(t *testing.T) {
	client := newPeer(t, clientConnectSettings(), func(_ *peer, s *PoolSettings) {
		s.Dial = func(context.Context, string) (net.Conn, error) {
			return nil, errors.New("connection refused")
		}
	})

	client.tp.WaitRun(func() {
		client.pool.CreateOutboundConnect(client.run, "nowhere:1")
	}, 0)
	ev := client.rec.waitFor(t, EventConnectToHostError)
	assert.EqualError(t, ev.Err, "connection refused")
	client.rec.waitFor(t, EventReadyToDelete)
	assert.Equal(t, 0, client.len())
	assert.Equal(t, 0, client.rec.count(EventConnectToHostSucceed))
}

// TestOutboundConnectTimeout verifies that a hanging dial reports a timeout once
func TestOutboundConnectTimeout(t *testing.T) {
	settings := clientConnectSettings()
	settings.ConnectToHostTimeout = 50 * time.Millisecond
	client := newPeer(t, settings, func(_ *peer, s *PoolSettings) {
		s.Dial = func(ctx context.Context, _ string) (net.Conn, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
	})

	client.tp.WaitRun(func() {
		client.pool.CreateOutboundConnect(client.run, "slow:1")
	}, 0)
	client.rec.waitFor(t, EventReadyToDelete)
	assert.Equal(t, 1, client.rec.count(EventConnectToHostTimeout))
	assert.Equal(t, 0, client.rec.count(EventConnectToHostError))
}

// TestClearDestroysSilently verifies that clearing a pool emits nothing
func TestClearDestroysSilently(t *testing.T) {
	server := newPeer(t, serverConnectSettings(), nil)
	client := newPeer(t, clientConnectSettings(), nil)
	connectPair(t, server, client)

	server.tp.WaitRun(func() { server.pool.Clear() }, 0)
	assert.Equal(t, 0, server.len())

	client.rec.waitFor(t, EventRemoteHostClosed)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, server.rec.count(EventReadyToDelete))
	assert.Equal(t, 0, server.rec.count(EventRemoteHostClosed))
}

// TestFileTransfer verifies that a file arrives byte for byte in the storage directory
func TestFileTransfer(t *testing.T) {
	serverFs := afero.NewMemMapFs()
	clientFs := afero.NewMemMapFs()

	settings := serverConnectSettings()
	settings.FileTransferEnabled = true
	settings.FileStoragePath = "/storage"
	settings.Fs = serverFs
	settings.CutPackageSize = 1024
	settings.MaximumFrameSize = 2048

	clientSettings := clientConnectSettings()
	clientSettings.FileTransferEnabled = true
	clientSettings.FileStoragePath = "/inbox"
	clientSettings.Fs = clientFs
	clientSettings.CutPackageSize = 1024
	clientSettings.MaximumFrameSize = 2048

	content := make([]byte, 5000)
	rand.New(rand.NewSource(4)).Read(content)
	require.NoError(t, afero.WriteFile(clientFs, "/src/data.bin", content, 0o644))

	server := newPeer(t, settings, nil)
	client := newPeer(t, clientSettings, nil)
	_, cc := connectPair(t, server, client)

	require.NoError(t, cc.SendFile("upload", "/src/data.bin", func(_ *Connect, err error) {
		t.Errorf("file transfer failed: %v", err)
	}))

	ev := server.rec.waitFor(t, EventPackageReceived)
	assert.Equal(t, wire.KindFile, ev.Package.Kind())
	assert.Equal(t, "upload", ev.Package.Slot())
	assert.Equal(t, "data.bin", ev.Package.FileName())
	assert.Equal(t, uint32(0), ev.Package.CorrelationID())

	got, err := afero.ReadFile(serverFs, ev.Package.LocalFilePath())
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))
	assert.Equal(t, 5, server.rec.count(EventPackageReceiving))
}

// TestFileTransferDisabled verifies that files are refused when the peer does not accept them
func TestFileTransferDisabled(t *testing.T) {
	clientFs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(clientFs, "/a.txt", []byte("x"), 0o644))

	clientSettings := clientConnectSettings()
	clientSettings.FileTransferEnabled = true
	clientSettings.FileStoragePath = "/inbox"
	clientSettings.Fs = clientFs

	server := newPeer(t, serverConnectSettings(), nil)
	client := newPeer(t, clientSettings, nil)
	_, cc := connectPair(t, server, client)

	failed := make(chan error, 1)
	require.NoError(t, cc.SendFile("upload", "/a.txt", func(_ *Connect, err error) { failed <- err }))
	select {
	case err := <-failed:
		assert.True(t, errors.Is(err, ErrFileTransferOff))
	case <-time.After(waitTimeout):
		t.Fatal("send file did not fail")
	}
}

// TestCorrelationGenerator verifies range bounds and that pending ids are skipped
func TestCorrelationGenerator(t *testing.T) {
	g := newCorrelationGenerator(5, 7, rand.New(rand.NewSource(5)))
	used := map[uint32]bool{}
	inUse := func(id uint32) bool { return used[id] }

	for i := 0; i < 3; i++ {
		id, err := g.allocate(inUse)
		require.NoError(t, err)
		assert.True(t, id >= 5 && id <= 7)
		assert.False(t, used[id], "id %d issued twice", id)
		used[id] = true
	}

	_, err := g.allocate(inUse)
	assert.True(t, errors.Is(err, ErrCorrelationExhausted))

	delete(used, 6)
	id, err := g.allocate(inUse)
	require.NoError(t, err)
	assert.Equal(t, uint32(6), id)

	// a single id range wraps onto itself
	single := newCorrelationGenerator(9, 9, rand.New(rand.NewSource(6)))
	id, err = single.allocate(func(uint32) bool { return false })
	require.NoError(t, err)
	assert.Equal(t, uint32(9), id)
	assert.True(t, single.contains(9))
	assert.False(t, single.contains(10))
}
