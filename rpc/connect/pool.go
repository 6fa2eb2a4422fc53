package connect

import (
	"context"
	"errors"
	"github.com/ValentinKolb/dNet/rpc/common"
	"github.com/ValentinKolb/dNet/rpc/transport/tcp"
	"math/rand"
	"net"
)

// DialFunc opens the socket of an outbound connect
type DialFunc func(ctx context.Context, address string) (net.Conn, error)

// PoolSettings configures a ConnectPool
type PoolSettings struct {
	Handlers Handlers

	// Dial opens outbound sockets, a TCP dial with the TCP options if nil
	Dial DialFunc
	TCP  common.TCPConf
}

// Clone returns a copy. Handlers and dialer are shared, they are functions.
func (s PoolSettings) Clone() PoolSettings {
	return s
}

// ConnectPool owns the connects of one worker. It must only be used on that
// worker, every method assumes it runs there.
type ConnectPool struct {
	settings        PoolSettings
	connectSettings common.ConnectSettings
	dialer          DialFunc
	rnd             *rand.Rand

	connects map[uint64]*Connect
	sockets  map[net.Conn]*Connect
}

// NewConnectPool creates a pool with its own copy of both settings
func NewConnectPool(settings PoolSettings, connectSettings common.ConnectSettings) *ConnectPool {
	p := &ConnectPool{
		settings:        settings.Clone(),
		connectSettings: connectSettings.Clone(),
		dialer:          settings.Dial,
		rnd:             newRand(),
		connects:        make(map[uint64]*Connect),
		sockets:         make(map[net.Conn]*Connect),
	}
	if p.dialer == nil {
		conf := settings.TCP
		p.dialer = func(ctx context.Context, address string) (net.Conn, error) {
			return tcp.Dial(ctx, address, conf)
		}
	}
	return p
}

// CreateConnect creates a connect for an accepted socket and starts its handshake.
// run must post onto the worker owning the pool.
func (p *ConnectPool) CreateConnect(run Runner, conn net.Conn) (*Connect, error) {
	if conn == nil {
		return nil, errors.New("nil socket")
	}
	if _, ok := p.sockets[conn]; ok {
		return nil, ErrDuplicateSocket
	}

	c := newConnect(p, run, conn.RemoteAddr().String(), false)
	p.connects[c.id] = c
	p.sockets[conn] = c
	c.startIO(conn)

	Logger.Debugf("created %s", c)
	return c, nil
}

// CreateOutboundConnect creates a connect and dials address in the background.
// The outcome is reported by ConnectToHostSucceed, ConnectToHostError or
// ConnectToHostTimeout.
func (p *ConnectPool) CreateOutboundConnect(run Runner, address string) *Connect {
	c := newConnect(p, run, address, true)
	c.dialing = true
	p.connects[c.id] = c

	ctx, cancel := context.Background(), context.CancelFunc(func() {})
	if timeout := p.connectSettings.ConnectToHostTimeout; timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}
	go func() {
		defer cancel()
		c.dial(ctx)
	}()

	Logger.Debugf("dialing %s", c)
	return c
}

// Len returns the number of connects not yet deleted
func (p *ConnectPool) Len() int {
	return len(p.connects)
}

// Range calls fn for every connect until fn returns false
func (p *ConnectPool) Range(fn func(c *Connect) bool) {
	for _, c := range p.connects {
		if !fn(c) {
			return
		}
	}
}

// ConnectSettings returns the settings of the connects of this pool
func (p *ConnectPool) ConnectSettings() common.ConnectSettings {
	return p.connectSettings
}

// Clear destroys every connect. No event is emitted for them afterwards.
func (p *ConnectPool) Clear() {
	for _, c := range p.connects {
		c.destroy()
	}
	if len(p.connects) > 0 {
		Logger.Debugf("cleared %d connects", len(p.connects))
	}
	p.connects = make(map[uint64]*Connect)
	p.sockets = make(map[net.Conn]*Connect)
}

// dispatch invokes the handler for an event, it runs on the owning worker
func (p *ConnectPool) dispatch(ev Event) {
	h := &p.settings.Handlers
	c := ev.Connect

	switch ev.Kind {
	case EventConnectToHostError:
		if h.ConnectToHostError != nil {
			h.ConnectToHostError(c, p, ev.Err)
		}
	case EventConnectToHostTimeout:
		if h.ConnectToHostTimeout != nil {
			h.ConnectToHostTimeout(c, p)
		}
	case EventConnectToHostSucceed:
		if h.ConnectToHostSucceed != nil {
			h.ConnectToHostSucceed(c, p)
		}
	case EventEstablished:
		if h.Established != nil {
			h.Established(c, p)
		}
	case EventRemoteHostClosed:
		if h.RemoteHostClosed != nil {
			h.RemoteHostClosed(c, p)
		}
	case EventReadyToDelete:
		if h.ReadyToDelete != nil {
			h.ReadyToDelete(c, p)
		}
		p.remove(c)
	case EventPackageSending:
		if h.PackageSending != nil {
			h.PackageSending(c, p, ev.Progress)
		}
	case EventPackageReceiving:
		if h.PackageReceiving != nil {
			h.PackageReceiving(c, p, ev.Progress)
		}
	case EventPackageReceived:
		if h.PackageReceived != nil {
			h.PackageReceived(c, p, ev.Package)
		}
	}
}

func (p *ConnectPool) remove(c *Connect) {
	delete(p.connects, c.id)
	if c.conn != nil {
		delete(p.sockets, c.conn)
	}
}
