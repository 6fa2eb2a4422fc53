//go:build !unix

package tcp

import "syscall"

// reusePortControl is a no-op where SO_REUSEPORT is not available
func reusePortControl(network, address string, c syscall.RawConn) error {
	Logger.Warningf("reuse port is not supported on this platform, ignored for %s", address)
	return nil
}
