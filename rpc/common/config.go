package common

import (
	"fmt"
	"github.com/spf13/afero"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// Correlation ranges of the two roles. Replies are recognised by a correlation id
// inside the own range, so server and client ranges must not overlap.
const (
	ServerCorrelationRangeStart uint32 = 1000000000
	ServerCorrelationRangeEnd   uint32 = 1999999999
	ClientCorrelationRangeStart uint32 = 1
	ClientCorrelationRangeEnd   uint32 = 999999999
)

// --------------------------------------------------------------------------
// Socket settings
// --------------------------------------------------------------------------

// TCPConf holds socket options applied to every accepted or dialed connection
type TCPConf struct {
	NoDelay         bool
	KeepAliveSec    int
	LingerSec       int // negative: system default
	ReadBufferSize  int // bytes, 0: system default
	WriteBufferSize int // bytes, 0: system default
}

// DefaultTCPConf returns the socket options used when none are configured
func DefaultTCPConf() TCPConf {
	return TCPConf{
		NoDelay:   true,
		LingerSec: -1,
	}
}

// --------------------------------------------------------------------------
// Server settings
// --------------------------------------------------------------------------

// ServerSettings configures a server instance
type ServerSettings struct {
	ListenAddress string
	ListenPort    uint16

	// DutyMark are the role tags the NodeMark is derived from
	DutyMark []string

	// sizes of the process-wide pools, only used by the first instance creating them
	GlobalServerThreadCount    int
	GlobalSocketThreadCount    int
	GlobalProcessorThreadCount int

	// ReusePort sets SO_REUSEPORT on the listening socket (unix only)
	ReusePort bool

	TCP TCPConf
}

// DefaultServerSettings returns the settings used by CreateServer
func DefaultServerSettings() ServerSettings {
	return ServerSettings{
		ListenAddress:              "0.0.0.0",
		GlobalServerThreadCount:    1,
		GlobalSocketThreadCount:    defaultThreadCount(),
		GlobalProcessorThreadCount: defaultThreadCount(),
		TCP:                        DefaultTCPConf(),
	}
}

// Endpoint returns the listen address in host:port form
func (c ServerSettings) Endpoint() string {
	return fmt.Sprintf("%s:%d", c.ListenAddress, c.ListenPort)
}

// Clone returns a deep copy
func (c ServerSettings) Clone() ServerSettings {
	c.DutyMark = append([]string(nil), c.DutyMark...)
	return c
}

// String returns a formatted string representation of the configuration
func (c ServerSettings) String() string {
	var sb strings.Builder
	addSection, addField := formatHelpers(&sb)

	addSection("Server")
	addField("Endpoint", c.Endpoint())
	addField("Duty Mark", strings.Join(c.DutyMark, ","))
	addField("Reuse Port", fmt.Sprintf("%t", c.ReusePort))

	addSection("Thread Pools")
	addField("Accept Threads", fmt.Sprintf("%d", c.GlobalServerThreadCount))
	addField("Socket Threads", fmt.Sprintf("%d", c.GlobalSocketThreadCount))
	addField("Processor Threads", fmt.Sprintf("%d", c.GlobalProcessorThreadCount))

	c.TCP.format(addSection, addField)
	return sb.String()
}

// --------------------------------------------------------------------------
// Connect settings
// --------------------------------------------------------------------------

// ConnectSettings configures every connect of a pool
type ConnectSettings struct {
	// correlation ids generated by a connect lie in [start, end]
	CorrelationRangeStart uint32
	CorrelationRangeEnd   uint32

	// payloads larger than CutPackageSize are sent in chunks
	CutPackageSize int
	// frames with a larger payload are rejected as protocol errors
	MaximumFrameSize int
	// reassembled data packages may not grow beyond this, 0 disables the limit
	MaximumPackageSize int64
	// frame payloads of at least this size are compressed, 0 disables compression
	CompressionThreshold int

	// deadline for dialing plus handshake
	ConnectToHostTimeout time.Duration
	// deadline for a reply to a request
	ReplyTimeout time.Duration

	// number of frames handed to the writer goroutine at once
	WriteQueueDepth int

	FileTransferEnabled bool
	FileStoragePath     string
	// Fs is the file system used for file transfer, the os file system if nil
	Fs afero.Fs
}

// DefaultConnectSettings returns the settings used when none are configured
func DefaultConnectSettings() ConnectSettings {
	return ConnectSettings{
		CorrelationRangeStart: ServerCorrelationRangeStart,
		CorrelationRangeEnd:   ServerCorrelationRangeEnd,
		CutPackageSize:        8 * 1024 * 1024,
		MaximumFrameSize:      16 * 1024 * 1024,
		MaximumPackageSize:    256 * 1024 * 1024,
		CompressionThreshold:  0,
		ConnectToHostTimeout:  15 * time.Second,
		ReplyTimeout:          30 * time.Second,
		WriteQueueDepth:       64,
	}
}

// SetFileStorageToDefaultDir enables file storage below the temp directory
func (c *ConnectSettings) SetFileStorageToDefaultDir() {
	c.FileStoragePath = filepath.Join(os.TempDir(), "dnet")
}

// FileSystem returns the configured file system, the os file system if none is set
func (c ConnectSettings) FileSystem() afero.Fs {
	if c.Fs == nil {
		return afero.NewOsFs()
	}
	return c.Fs
}

// Clone returns a copy. The file system is shared, afero file systems are safe for concurrent use.
func (c ConnectSettings) Clone() ConnectSettings {
	return c
}

// Validate checks the settings for values that can not work
func (c ConnectSettings) Validate() error {
	if c.CorrelationRangeStart == 0 {
		return fmt.Errorf("correlation range must not include 0")
	}
	if c.CorrelationRangeEnd < c.CorrelationRangeStart {
		return fmt.Errorf("invalid correlation range [%d, %d]", c.CorrelationRangeStart, c.CorrelationRangeEnd)
	}
	if c.CutPackageSize <= 0 {
		return fmt.Errorf("cut package size must be positive")
	}
	if c.MaximumFrameSize < c.CutPackageSize {
		return fmt.Errorf("maximum frame size %d is smaller than cut package size %d", c.MaximumFrameSize, c.CutPackageSize)
	}
	if c.MaximumPackageSize != 0 && c.MaximumPackageSize < int64(c.CutPackageSize) {
		return fmt.Errorf("maximum package size %d is smaller than cut package size %d", c.MaximumPackageSize, c.CutPackageSize)
	}
	if c.FileTransferEnabled && c.FileStoragePath == "" {
		return fmt.Errorf("file transfer enabled without storage path")
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c ConnectSettings) String() string {
	var sb strings.Builder
	addSection, addField := formatHelpers(&sb)

	addSection("Connect")
	addField("Correlation Range", fmt.Sprintf("[%d, %d]", c.CorrelationRangeStart, c.CorrelationRangeEnd))
	addField("Cut Package Size", fmt.Sprintf("%d bytes", c.CutPackageSize))
	addField("Max Frame Size", fmt.Sprintf("%d bytes", c.MaximumFrameSize))
	addField("Max Package Size", fmt.Sprintf("%d bytes", c.MaximumPackageSize))
	addField("Compression", compressionString(c.CompressionThreshold))
	addField("Connect Timeout", c.ConnectToHostTimeout.String())
	addField("Reply Timeout", c.ReplyTimeout.String())

	addSection("File Transfer")
	addField("Enabled", fmt.Sprintf("%t", c.FileTransferEnabled))
	if c.FileTransferEnabled {
		addField("Storage Path", c.FileStoragePath)
	}
	return sb.String()
}

// --------------------------------------------------------------------------
// Client settings
// --------------------------------------------------------------------------

// ClientSettings configures a client instance
type ClientSettings struct {
	DutyMark                   []string
	GlobalSocketThreadCount    int
	GlobalProcessorThreadCount int
	TCP                        TCPConf
}

// DefaultClientSettings returns the settings used when none are configured
func DefaultClientSettings() ClientSettings {
	return ClientSettings{
		GlobalSocketThreadCount:    defaultThreadCount(),
		GlobalProcessorThreadCount: defaultThreadCount(),
		TCP:                        DefaultTCPConf(),
	}
}

// Clone returns a deep copy
func (c ClientSettings) Clone() ClientSettings {
	c.DutyMark = append([]string(nil), c.DutyMark...)
	return c
}

// String returns a formatted string representation of the client configuration
func (c ClientSettings) String() string {
	var sb strings.Builder
	addSection, addField := formatHelpers(&sb)

	addSection("Client")
	addField("Duty Mark", strings.Join(c.DutyMark, ","))
	addField("Socket Threads", fmt.Sprintf("%d", c.GlobalSocketThreadCount))
	addField("Processor Threads", fmt.Sprintf("%d", c.GlobalProcessorThreadCount))

	c.TCP.format(addSection, addField)
	return sb.String()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func (c TCPConf) format(addSection func(string), addField func(string, string)) {
	addSection("TCP")
	addField("No Delay", fmt.Sprintf("%t", c.NoDelay))
	addField("Keep Alive", fmt.Sprintf("%d sec", c.KeepAliveSec))
	addField("Linger", fmt.Sprintf("%d sec", c.LingerSec))
	addField("Read Buffer", fmt.Sprintf("%d bytes", c.ReadBufferSize))
	addField("Write Buffer", fmt.Sprintf("%d bytes", c.WriteBufferSize))
}

// formatHelpers returns the section and field writers shared by all String methods
func formatHelpers(sb *strings.Builder) (func(string), func(string, string)) {
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}
	return addSection, addField
}

func compressionString(threshold int) string {
	if threshold <= 0 {
		return "disabled"
	}
	return fmt.Sprintf(">= %d bytes", threshold)
}

func defaultThreadCount() int {
	n := runtime.NumCPU()
	if n > 32 {
		return 32
	}
	return n
}
