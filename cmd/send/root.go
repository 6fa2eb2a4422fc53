package send

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/ValentinKolb/dNet/cmd/util"
	"github.com/ValentinKolb/dNet/rpc/client"
	"github.com/ValentinKolb/dNet/rpc/common"
	"github.com/ValentinKolb/dNet/rpc/connect"
	"github.com/ValentinKolb/dNet/rpc/processor"
	"github.com/ValentinKolb/dNet/rpc/processor/builtin"
	"github.com/ValentinKolb/dNet/rpc/wire"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"os"
	"time"
)

var (
	// SendCmd sends a package to a slot of a server
	SendCmd = &cobra.Command{
		Use:   "send [slot] [payload]",
		Short: "Send a package to a slot and print the reply",
		Long: `Send a package to a slot of a dNet server and print the reply. With --no-reply the package is sent without
waiting for an answer. With --file a file is streamed to the slot instead (the server needs file transfer enabled).`,
		Args:    cobra.RangeArgs(1, 2),
		PreRunE: setup,
		RunE:    runSend,
	}

	// InfoCmd queries the node information of a server
	InfoCmd = &cobra.Command{
		Use:     "info",
		Short:   "Print the node information of a server",
		Args:    cobra.NoArgs,
		PreRunE: setup,
		RunE:    runInfo,
	}
)

func init() {
	for _, cmd := range []*cobra.Command{SendCmd, InfoCmd} {
		key := "server"
		cmd.PersistentFlags().String(key, "localhost:7000", util.WrapString("The address of the dNet server"))

		key = "timeout"
		cmd.PersistentFlags().Duration(key, 10*time.Second, util.WrapString("The timeout of the whole operation"))

		util.SetupConnectFlags(cmd)
	}

	key := "no-reply"
	SendCmd.Flags().Bool(key, false, util.WrapString("Do not wait for a reply"))

	key = "file"
	SendCmd.Flags().String(key, "", util.WrapString("Path of a file to stream to the slot instead of a payload"))

	key = "with-host"
	InfoCmd.Flags().Bool(key, false, util.WrapString("Ask the server to include its host name"))
}

// setup binds the flags and initializes the loggers
func setup(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	return common.InitLoggers(viper.GetString("log-level"))
}

// connectTo starts a client and connects it to the configured server. The
// returned function closes both. handlers are installed as owner callbacks.
func connectTo(ctx context.Context, handlers connect.Handlers) (*connect.Connect, func(), error) {
	settings := common.DefaultClientSettings()
	settings.GlobalSocketThreadCount = 1
	settings.GlobalProcessorThreadCount = 1
	settings.TCP = util.GetTCPConf()

	c := client.New(settings, util.GetConnectSettings(), client.Options{Handlers: handlers})
	if !c.Begin() {
		return nil, nil, fmt.Errorf("failed to start client")
	}

	conn, err := c.Connect(ctx, viper.GetString("server"))
	if err != nil {
		c.Close()
		return nil, nil, err
	}
	return conn, c.Close, nil
}

func runSend(_ *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), util.GetTimeout())
	defer cancel()

	slot := args[0]
	var payload []byte
	if len(args) == 2 {
		payload = []byte(args[1])
	}

	if path := viper.GetString("file"); path != "" {
		return sendFile(ctx, slot, path)
	}

	conn, closeClient, err := connectTo(ctx, connect.Handlers{})
	if err != nil {
		return err
	}
	defer closeClient()

	if viper.GetBool("no-reply") {
		if err := conn.Send(slot, payload); err != nil {
			return err
		}
		return waitClosed(ctx, conn)
	}

	reply, err := conn.Call(ctx, slot, payload)
	if err != nil {
		return err
	}
	fmt.Println(string(reply.Payload()))
	return nil
}

// sendFile streams a file and returns once its last chunk was handed to the writer
func sendFile(ctx context.Context, slot, path string) error {
	sent := make(chan struct{})
	failed := make(chan error, 1)

	conn, closeClient, err := connectTo(ctx, connect.Handlers{
		PackageSending: func(_ *connect.Connect, _ *connect.ConnectPool, progress connect.Progress) {
			if progress.Kind != wire.KindFile {
				return
			}
			fmt.Printf("\rsent %d of %d bytes", progress.Transferred, progress.TotalSize)
			if progress.ChunkIndex+1 == progress.ChunkTotal {
				fmt.Println()
				close(sent)
			}
		},
	})
	if err != nil {
		return err
	}
	defer closeClient()

	if err := conn.SendFile(slot, path, func(_ *connect.Connect, err error) { failed <- err }); err != nil {
		return err
	}

	select {
	case <-sent:
		return waitClosed(ctx, conn)
	case err := <-failed:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitClosed closes the connect gracefully so queued frames are written first
func waitClosed(ctx context.Context, conn *connect.Connect) error {
	if err := conn.Close(); err != nil {
		return err
	}
	for conn.State() != connect.StateClosed {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}

func runInfo(_ *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), util.GetTimeout())
	defer cancel()

	s, err := util.GetSerializer()
	if err != nil {
		return err
	}

	conn, closeClient, err := connectTo(ctx, connect.Handlers{})
	if err != nil {
		return err
	}
	defer closeClient()

	info, err := processor.CallTyped[builtin.InfoRequest, builtin.Info](ctx, conn, builtin.SlotNodeInfo, s,
		builtin.InfoRequest{WithHost: viper.GetBool("with-host")})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}
