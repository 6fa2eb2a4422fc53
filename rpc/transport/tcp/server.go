package tcp

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/dNet/rpc/common"
	"github.com/lni/dragonboat/v4/logger"
	"net"
	"strconv"
	"time"
)

var Logger = logger.GetLogger("transport")

// ListenOptions configures the listening socket
type ListenOptions struct {
	// ReusePort sets SO_REUSEPORT, so several processes can share the port (unix only)
	ReusePort bool
}

// Listen binds a TCP listener on address:port. Port 0 picks a free port.
func Listen(address string, port uint16, opts ListenOptions) (net.Listener, error) {
	endpoint := net.JoinHostPort(address, strconv.Itoa(int(port)))

	lc := net.ListenConfig{}
	if opts.ReusePort {
		lc.Control = reusePortControl
	}

	listener, err := lc.Listen(context.Background(), "tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", endpoint, err)
	}

	Logger.Infof("listening on %s", listener.Addr())
	return listener, nil
}

// UpgradeConnection applies the socket options of conf to a TCP connection.
// Other connection types are left untouched.
func UpgradeConnection(conn net.Conn, conf common.TCPConf) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil // not a TCP connection, nothing to upgrade
	}

	// Disable Nagle's algorithm (TCPNoDelay) if configured
	if err := tcpConn.SetNoDelay(conf.NoDelay); err != nil {
		return err
	}

	if conf.WriteBufferSize > 0 {
		if err := tcpConn.SetWriteBuffer(conf.WriteBufferSize); err != nil {
			return err
		}
	}

	if conf.ReadBufferSize > 0 {
		if err := tcpConn.SetReadBuffer(conf.ReadBufferSize); err != nil {
			return err
		}
	}

	if conf.KeepAliveSec > 0 {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			return err
		}
		if err := tcpConn.SetKeepAlivePeriod(time.Duration(conf.KeepAliveSec) * time.Second); err != nil {
			return err
		}
	}

	if conf.LingerSec >= 0 {
		if err := tcpConn.SetLinger(conf.LingerSec); err != nil {
			return err
		}
	}

	return nil
}
