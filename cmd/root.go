package cmd

import (
	"fmt"
	"github.com/ValentinKolb/dNet/cmd/send"
	"github.com/ValentinKolb/dNet/cmd/serve"
	"github.com/ValentinKolb/dNet/cmd/util"
	"github.com/spf13/cobra"
	"os"
)

const (
	Version = util.Version
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dnet",
		Short: "TCP server framework with slot routed packages",
		Long: fmt.Sprintf(`dNet (v%s)

A TCP server framework written in Go. Connections are owned by socket
workers, packages are routed by slot to processors running on a
dedicated worker pool.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dNet",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dNet v%s\n", Version)
		},
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(send.SendCmd)
	RootCmd.AddCommand(send.InfoCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "json", util.WrapString("serializer of typed processors (json, gob)"))
	key = "log-level"
	RootCmd.PersistentFlags().String(key, "info", util.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
	key = "config"
	RootCmd.PersistentFlags().String(key, "", util.WrapString("Path of a config file (yaml, json, toml, ...), keys are the flag names"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
