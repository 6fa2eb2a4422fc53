package util

import (
	"fmt"
	"github.com/ValentinKolb/dNet/rpc/common"
	"github.com/ValentinKolb/dNet/rpc/serializer"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"strings"
	"time"
)

const (
	// Version of the dNet binary, reported by the node.info processor
	Version = "0.3.1"

	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupConnectFlags adds the connect and socket flags shared by server and client commands
func SetupConnectFlags(cmd *cobra.Command) {
	defaults := common.DefaultConnectSettings()
	tcpDefaults := common.DefaultTCPConf()

	key := "connect-timeout"
	cmd.PersistentFlags().Duration(key, defaults.ConnectToHostTimeout, WrapString("Deadline for connecting to a host including the handshake"))

	key = "reply-timeout"
	cmd.PersistentFlags().Duration(key, defaults.ReplyTimeout, WrapString("Deadline for the reply to a request"))

	key = "cut-package-size"
	cmd.PersistentFlags().Int(key, defaults.CutPackageSize, WrapString("Payloads larger than this (in bytes) are sent in chunks"))

	key = "max-frame-size"
	cmd.PersistentFlags().Int(key, defaults.MaximumFrameSize, WrapString("Frames with a larger payload (in bytes) are rejected and close the connection"))

	key = "max-package-size"
	cmd.PersistentFlags().Int64(key, defaults.MaximumPackageSize, WrapString("Chunked packages growing beyond this (in bytes) close the connection, 0 disables the limit"))

	key = "compression-threshold"
	cmd.PersistentFlags().Int(key, defaults.CompressionThreshold, WrapString("Frame payloads of at least this size (in bytes) are compressed with snappy, 0 disables compression"))

	key = "tcp-nodelay"
	cmd.PersistentFlags().Bool(key, tcpDefaults.NoDelay, WrapString("Whether to enable TCP_NODELAY"))

	key = "tcp-keepalive"
	cmd.PersistentFlags().Int(key, tcpDefaults.KeepAliveSec, WrapString("The keepalive interval (in seconds, 0 keeps the system default)"))

	key = "tcp-linger"
	cmd.PersistentFlags().Int(key, tcpDefaults.LingerSec, WrapString("The linger time (in seconds, negative keeps the system default)"))

	key = "tcp-read-buffer"
	cmd.PersistentFlags().Int(key, 0, WrapString("The size of the socket read buffer (in KB, 0 keeps the system default)"))

	key = "tcp-write-buffer"
	cmd.PersistentFlags().Int(key, 0, WrapString("The size of the socket write buffer (in KB, 0 keeps the system default)"))
}

// InitConfig loads env files, environment variables and the config file if one is set
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("dnet")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// ReadConfigFile reads the config file given by the config flag, if any.
// Flags bound afterwards still take precedence over the file.
func ReadConfigFile() error {
	path := viper.GetString("config")
	if path == "" {
		return nil
	}
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return nil
}

// BindCommandFlags binds a command's flags to viper and reads the config file
func BindCommandFlags(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return ReadConfigFile()
}

// GetTCPConf reads the socket options from viper
func GetTCPConf() common.TCPConf {
	return common.TCPConf{
		NoDelay:         viper.GetBool("tcp-nodelay"),
		KeepAliveSec:    viper.GetInt("tcp-keepalive"),
		LingerSec:       viper.GetInt("tcp-linger"),
		ReadBufferSize:  viper.GetInt("tcp-read-buffer") * 1024,
		WriteBufferSize: viper.GetInt("tcp-write-buffer") * 1024,
	}
}

// GetConnectSettings reads the connect settings from viper, the correlation
// range keeps its default
func GetConnectSettings() common.ConnectSettings {
	s := common.DefaultConnectSettings()
	s.ConnectToHostTimeout = viper.GetDuration("connect-timeout")
	s.ReplyTimeout = viper.GetDuration("reply-timeout")
	s.CutPackageSize = viper.GetInt("cut-package-size")
	s.MaximumFrameSize = viper.GetInt("max-frame-size")
	s.MaximumPackageSize = viper.GetInt64("max-package-size")
	s.CompressionThreshold = viper.GetInt("compression-threshold")
	return s
}

// GetSerializer creates the serializer selected by the serializer flag
func GetSerializer() (serializer.IRPCSerializer, error) {
	return serializer.ByName(viper.GetString("serializer"))
}

// GetTimeout returns the timeout flag, at least one second
func GetTimeout() time.Duration {
	if d := viper.GetDuration("timeout"); d >= time.Second {
		return d
	}
	return time.Second
}
