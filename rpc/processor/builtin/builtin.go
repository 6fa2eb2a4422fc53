package builtin

import (
	"github.com/ValentinKolb/dNet/rpc/common"
	"github.com/ValentinKolb/dNet/rpc/connect"
	"github.com/ValentinKolb/dNet/rpc/processor"
	"github.com/ValentinKolb/dNet/rpc/serializer"
	"github.com/ValentinKolb/dNet/rpc/wire"
	"os"
)

// Slots of the built-in processors
const (
	SlotEcho     = "echo"
	SlotNodeInfo = "node.info"
	SlotUpload   = "file.upload"
)

// Echo replies to every request with its own payload
func Echo() processor.Processor {
	return processor.Func{
		Slots: []string{SlotEcho},
		Handler: func(c *connect.Connect, p *wire.Package) {
			if p.CorrelationID() == 0 {
				processor.Logger.Debugf("echo: %d bytes from %s without reply", p.PayloadLength(), c)
				return
			}
			if err := c.Reply(p, p.Payload()); err != nil {
				processor.Logger.Warningf("echo: failed to reply to %s: %v", c, err)
			}
		},
	}
}

// InfoRequest is the request of the node.info slot
type InfoRequest struct {
	// WithHost adds the host name to the reply
	WithHost bool `json:"withHost"`
}

// Info describes the node a server runs on
type Info struct {
	NodeMark string   `json:"nodeMark"`
	DutyTags []string `json:"dutyTags"`
	Version  string   `json:"version"`
	Host     string   `json:"host,omitempty"`
}

// NodeInfo answers node.info requests with the node mark and duties of the server
func NodeInfo(mark common.NodeMark, version string, s serializer.IRPCSerializer) processor.Processor {
	return processor.Typed(SlotNodeInfo, s, func(_ *connect.Connect, req InfoRequest) (Info, error) {
		info := Info{
			NodeMark: mark.Summary(),
			DutyTags: mark.DutyTags(),
			Version:  version,
		}
		if req.WithHost {
			host, err := os.Hostname()
			if err != nil {
				return Info{}, err
			}
			info.Host = host
		}
		return info, nil
	})
}

// Upload logs files received on the file.upload slot. File packages do not
// expect a reply, the sender learns about failures from the connect closing.
func Upload() processor.Processor {
	return processor.Func{
		Slots: []string{SlotUpload},
		Handler: func(c *connect.Connect, p *wire.Package) {
			if p.Kind() != wire.KindFile {
				processor.Logger.Warningf("upload: %s from %s is not a file", p, c)
				return
			}
			processor.Logger.Infof("upload: stored %s from %s at %s", p.FileName(), c, p.LocalFilePath())
		},
	}
}
