package tcp

import (
	"context"
	"github.com/ValentinKolb/dNet/rpc/common"
	"net"
)

// Dial connects to address and applies the socket options of conf. The dial is
// bounded by the deadline of ctx.
func Dial(ctx context.Context, address string, conf common.TCPConf) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	if err := UpgradeConnection(conn, conf); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}
