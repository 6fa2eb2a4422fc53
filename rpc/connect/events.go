package connect

import (
	"fmt"
	"github.com/ValentinKolb/dNet/rpc/wire"
)

// EventKind enumerates the lifecycle and pipeline events of a connect
type EventKind int

const (
	EventConnectToHostError EventKind = iota
	EventConnectToHostTimeout
	EventConnectToHostSucceed
	EventEstablished
	EventRemoteHostClosed
	EventReadyToDelete
	EventPackageSending
	EventPackageReceiving
	EventPackageReceived
)

var eventNames = [...]string{
	"connect to host error",
	"connect to host timeout",
	"connect to host succeed",
	"established",
	"remote host closed",
	"ready to delete",
	"package sending",
	"package receiving",
	"package received",
}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventNames) {
		return fmt.Sprintf("event(%d)", int(k))
	}
	return eventNames[k]
}

// Progress describes one frame of a package on its way in or out
type Progress struct {
	Kind          wire.Kind
	Slot          string
	CorrelationID uint32 // 0 if no reply is expected
	TransferID    uint32 // keys the chunks of one package, also for pushes and files
	ChunkIndex    uint32
	ChunkTotal    uint32 // 0 for unchunked packages
	CurrentSize   int    // payload bytes of this frame
	Transferred   int64  // payload bytes of the package so far, this frame included
	TotalSize     int64  // payload bytes of the whole package, -1 if not known yet
}

// Event is the message a connect sends to its pool. It is always delivered on
// the worker owning the connect.
type Event struct {
	Kind     EventKind
	Connect  *Connect
	Package  *wire.Package // EventPackageReceived
	Progress Progress      // EventPackageSending, EventPackageReceiving
	Err      error         // EventConnectToHostError
}

// Handlers are the owner-level callbacks a pool invokes per event kind.
// Every handler runs on the worker owning the connect. Nil handlers are skipped.
type Handlers struct {
	ConnectToHostError   func(c *Connect, pool *ConnectPool, err error)
	ConnectToHostTimeout func(c *Connect, pool *ConnectPool)
	ConnectToHostSucceed func(c *Connect, pool *ConnectPool)
	Established          func(c *Connect, pool *ConnectPool)
	RemoteHostClosed     func(c *Connect, pool *ConnectPool)
	ReadyToDelete        func(c *Connect, pool *ConnectPool)

	PackageSending   func(c *Connect, pool *ConnectPool, progress Progress)
	PackageReceiving func(c *Connect, pool *ConnectPool, progress Progress)
	PackageReceived  func(c *Connect, pool *ConnectPool, pkg *wire.Package)
}
