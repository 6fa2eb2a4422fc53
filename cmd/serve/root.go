package serve

import (
	"context"
	"errors"
	"fmt"
	cmdUtil "github.com/ValentinKolb/dNet/cmd/util"
	"github.com/ValentinKolb/dNet/rpc/common"
	"github.com/ValentinKolb/dNet/rpc/processor/builtin"
	"github.com/ValentinKolb/dNet/rpc/server"
	"github.com/VictoriaMetrics/metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

var (
	serverSettings  = common.DefaultServerSettings()
	connectSettings = common.DefaultConnectSettings()
	ServeCmd        = &cobra.Command{
		Use:     "serve",
		Short:   "Start a dNet server",
		Long:    `Start a dNet server with the built-in processors (echo, node.info and file.upload if file transfer is enabled). The configuration can be set via command line flags, a config file or environment variables. The format of the environment variables is DNET_<flag> (e.g. DNET_SOCKET_THREADS=8)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	defaults := common.DefaultServerSettings()

	// add flags
	key := "address"
	ServeCmd.PersistentFlags().String(key, defaults.ListenAddress, cmdUtil.WrapString("The address on which the server will listen"))

	key = "port"
	ServeCmd.PersistentFlags().Uint16(key, 7000, cmdUtil.WrapString("The port on which the server will listen"))

	key = "reuse-port"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Set SO_REUSEPORT on the listening socket so several processes can share the port (unix only)"))

	key = "duty-mark"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Comma-separated list of duty tags the node mark is derived from (e.g. 'api,storage')"))

	key = "accept-threads"
	ServeCmd.PersistentFlags().Int(key, defaults.GlobalServerThreadCount, cmdUtil.WrapString("Number of workers accepting connections"))

	key = "socket-threads"
	ServeCmd.PersistentFlags().Int(key, defaults.GlobalSocketThreadCount, cmdUtil.WrapString("Number of workers owning connections"))

	key = "processor-threads"
	ServeCmd.PersistentFlags().Int(key, defaults.GlobalProcessorThreadCount, cmdUtil.WrapString("Number of workers running processors"))

	key = "file-transfer"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Accept files sent by clients"))

	key = "storage-path"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Directory received files are stored in (default: <tmp>/dnet)"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address of the HTTP endpoint serving prometheus metrics at /metrics (e.g. ':9100'), empty disables it"))

	cmdUtil.SetupConnectFlags(ServeCmd)
}

// processConfig reads the configuration from the command line flags, config file and environment variables and converts them to the server settings
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	if err := common.InitLoggers(viper.GetString("log-level")); err != nil {
		return err
	}

	// read the configuration from the command line flags and environment variables
	serverSettings.ListenAddress = viper.GetString("address")
	serverSettings.ListenPort = viper.GetUint16("port")
	serverSettings.ReusePort = viper.GetBool("reuse-port")
	serverSettings.GlobalServerThreadCount = viper.GetInt("accept-threads")
	serverSettings.GlobalSocketThreadCount = viper.GetInt("socket-threads")
	serverSettings.GlobalProcessorThreadCount = viper.GetInt("processor-threads")
	serverSettings.TCP = cmdUtil.GetTCPConf()

	serverSettings.DutyMark = nil
	if dutyMark := viper.GetString("duty-mark"); dutyMark != "" {
		serverSettings.DutyMark = strings.Split(dutyMark, ",")
	}

	connectSettings = cmdUtil.GetConnectSettings()
	if viper.GetBool("file-transfer") {
		connectSettings.FileTransferEnabled = true
		if path := viper.GetString("storage-path"); path != "" {
			connectSettings.FileStoragePath = path
		} else {
			connectSettings.SetFileStorageToDefaultDir()
		}
		if err := connectSettings.FileSystem().MkdirAll(connectSettings.FileStoragePath, 0o755); err != nil {
			return fmt.Errorf("failed to create storage path: %w", err)
		}
	}

	return connectSettings.Validate()
}

// run starts the server and blocks until SIGINT or SIGTERM
func run(_ *cobra.Command, _ []string) error {
	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}

	serv := server.New(serverSettings, connectSettings, server.Options{})
	serv.RegisterProcessor(builtin.Echo())
	if connectSettings.FileTransferEnabled {
		serv.RegisterProcessor(builtin.Upload())
	}
	if !serv.Begin() {
		return fmt.Errorf("%w on %s", server.ErrListenFailed, serverSettings.Endpoint())
	}
	defer serv.Close()

	// the node mark is only known after Begin
	serv.RegisterProcessor(builtin.NodeInfo(serv.NodeMark(), cmdUtil.Version, s))

	var metricsServer *http.Server
	if endpoint := viper.GetString("metrics-endpoint"); endpoint != "" {
		metricsServer = startMetrics(endpoint, serv)
	}

	// wait for a signal
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	server.Logger.Infof("received %s, shutting down", sig)

	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(ctx)
	}
	for tier, stats := range serv.PoolStats() {
		server.Logger.Infof("%s pool: %d tasks completed, %d panicked, mean latency %v", tier, stats.Completed, stats.Panicked, stats.MeanLatency)
	}
	return nil
}

// startMetrics serves the process metrics and the metrics of the server
func startMetrics(endpoint string, serv *server.Server) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
		serv.WritePrometheus(w)
	})

	srv := &http.Server{Addr: endpoint, Handler: mux}
	go func() {
		server.Logger.Infof("serving metrics on %s/metrics", endpoint)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			server.Logger.Errorf("metrics endpoint failed: %v", err)
		}
	}()
	return srv
}
