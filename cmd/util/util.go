package util

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ValentinKolb/dRESP/rpc/client"
	"github.com/ValentinKolb/dRESP/rpc/common"
	"github.com/ValentinKolb/dRESP/rpc/metrics"
)

const (
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

// SetupClientFlags adds the client connection flags to a command
func SetupClientFlags(cmd *cobra.Command) {
	defaults := common.DefaultClientConfig()

	key := "mode"
	cmd.PersistentFlags().String(key, string(defaults.Mode), WrapString("How the servers are discovered (standalone, cluster, sentinel)"))

	key = "endpoints"
	cmd.PersistentFlags().String(key, "localhost:6379", WrapString("Comma-separated list of endpoints: the node (standalone), seed nodes (cluster) or sentinel monitors (sentinel). Unix sockets are given as unix:///path/to.sock"))

	key = "timeout"
	cmd.PersistentFlags().Int(key, defaults.TimeoutSecond, WrapString("The default timeout of a command in seconds (0 disables it)"))

	key = "dial-timeout"
	cmd.PersistentFlags().Int(key, defaults.Transport.DialTimeoutSecond, WrapString("The timeout of a single connection attempt in seconds"))

	key = "protocol"
	cmd.PersistentFlags().Int(key, defaults.Protocol, WrapString("The RESP protocol version (2 or 3, 3 falls back to 2 if the server does not support HELLO)"))

	key = "username"
	cmd.PersistentFlags().String(key, "", WrapString("The username for AUTH"))

	key = "password"
	cmd.PersistentFlags().String(key, "", WrapString("The password for AUTH"))

	key = "db"
	cmd.PersistentFlags().Int(key, 0, WrapString("The database selected after connecting (standalone and sentinel mode)"))

	key = "client-name"
	cmd.PersistentFlags().String(key, "dresp", WrapString("The name announced with CLIENT SETNAME"))

	key = "queue-size"
	cmd.PersistentFlags().Int(key, defaults.QueueSize, WrapString("The maximum number of in-flight commands per connection (0 = unbounded)"))

	key = "read-from"
	cmd.PersistentFlags().String(key, defaults.ReadFrom, WrapString("The read-from policy (primary, primary-preferred, replica, replica-preferred, nearest, any, subnet:<cidr>, regex:<expr>)"))

	key = "auto-reconnect"
	cmd.PersistentFlags().Bool(key, defaults.Reconnect.AutoReconnect, WrapString("Whether to reconnect after a transport failure"))

	key = "replay"
	cmd.PersistentFlags().Bool(key, defaults.Reconnect.ReplayOnReconnect, WrapString("Whether queued commands are resent after a reconnect (at-least-once) or failed (at-most-once)"))

	key = "reconnect-attempts"
	cmd.PersistentFlags().Int(key, defaults.Reconnect.MaxAttempts, WrapString("Maximum reconnect attempts before the connection gives up (0 = forever)"))

	key = "max-redirects"
	cmd.PersistentFlags().Int(key, defaults.Cluster.MaxRedirects, WrapString("(Cluster Mode) Maximum MOVED / ASK redirections followed per command"))

	key = "refresh-interval"
	cmd.PersistentFlags().Int(key, defaults.Cluster.RefreshIntervalSec, WrapString("(Cluster Mode) Periodic topology refresh in seconds (0 = on redirection only)"))

	key = "cross-slot"
	cmd.PersistentFlags().String(key, string(defaults.Cluster.CrossSlot), WrapString("(Cluster Mode) What happens to multi-key commands spanning slots (reject, split)"))

	key = "sentinel-master"
	cmd.PersistentFlags().String(key, "", WrapString("(Sentinel Mode) The name of the monitored master set"))

	key = "sentinel-password"
	cmd.PersistentFlags().String(key, "", WrapString("(Sentinel Mode) The password of the sentinel monitors"))

	key = "transport-write-buffer"
	cmd.PersistentFlags().Int(key, 0, WrapString("The size of the socket write buffer (in KB, 0 keeps the system default)"))

	key = "transport-read-buffer"
	cmd.PersistentFlags().Int(key, 0, WrapString("The size of the socket read buffer (in KB, 0 keeps the system default)"))

	key = "transport-tcp-nodelay"
	cmd.PersistentFlags().Bool(key, true, WrapString("Whether to enable TCP_NODELAY"))

	key = "transport-tcp-keepalive"
	cmd.PersistentFlags().Int(key, 0, WrapString("The keepalive interval (in seconds)"))

	key = "transport-tcp-linger"
	cmd.PersistentFlags().Int(key, 0, WrapString("The linger time (in seconds)"))

	key = "log-level"
	cmd.PersistentFlags().String(key, "warn", WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))

	key = "metrics-endpoint"
	cmd.PersistentFlags().String(key, "", WrapString("Optional address (e.g. localhost:9100) serving the client metrics at /metrics"))
}

// InitClientConfig initializes configuration from environment variables
func InitClientConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("dresp")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// GetClientConfig reads client configuration from viper
func GetClientConfig() *common.ClientConfig {
	conf := &common.ClientConfig{
		Mode:          common.ClientMode(viper.GetString("mode")),
		TimeoutSecond: viper.GetInt("timeout"),
		Protocol:      viper.GetInt("protocol"),
		Username:      viper.GetString("username"),
		Password:      viper.GetString("password"),
		DB:            viper.GetInt("db"),
		ClientName:    viper.GetString("client-name"),
		QueueSize:     viper.GetInt("queue-size"),
		ReadFrom:      viper.GetString("read-from"),
		Reconnect: common.ReconnectConfig{
			AutoReconnect:     viper.GetBool("auto-reconnect"),
			ReplayOnReconnect: viper.GetBool("replay"),
			MaxAttempts:       viper.GetInt("reconnect-attempts"),
			BackoffMinMs:      50,
			BackoffMaxMs:      2000,
		},
		Cluster: common.ClusterConfig{
			MaxRedirects:       viper.GetInt("max-redirects"),
			RefreshIntervalSec: viper.GetInt("refresh-interval"),
			CrossSlot:          common.CrossSlotPolicy(viper.GetString("cross-slot")),
		},
		Sentinel: common.SentinelConfig{
			MasterName: viper.GetString("sentinel-master"),
			Password:   viper.GetString("sentinel-password"),
		},
		Transport: common.ClientTransportConfig{
			Endpoints:         strings.Split(viper.GetString("endpoints"), ","),
			DialTimeoutSecond: viper.GetInt("dial-timeout"),
			SocketConf: common.SocketConf{
				WriteBufferSize: viper.GetInt("transport-write-buffer") * 1024,
				ReadBufferSize:  viper.GetInt("transport-read-buffer") * 1024,
			},
			TCPConf: common.TCPConf{
				TCPKeepAliveSec: viper.GetInt("transport-tcp-keepalive"),
				TCPLingerSec:    viper.GetInt("transport-tcp-linger"),
				TCPNoDelay:      viper.GetBool("transport-tcp-nodelay"),
			},
		},
		LogLevel: viper.GetString("log-level"),
	}

	return conf
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// NewClient binds the flags of cmd, initializes the loggers, starts the
// metrics endpoint if one is configured and connects the client
func NewClient(cmd *cobra.Command) (client.IClient, *common.ClientConfig, error) {
	if err := BindCommandFlags(cmd); err != nil {
		return nil, nil, err
	}
	config := GetClientConfig()
	common.InitLoggers(config.LogLevel)

	if addr := viper.GetString("metrics-endpoint"); addr != "" {
		ServeMetrics(addr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout()*2)
	defer cancel()
	c, err := client.New(ctx, *config)
	if err != nil {
		return nil, nil, err
	}
	return c, config, nil
}

// ServeMetrics serves the driver metrics in the Prometheus text format on addr
func ServeMetrics(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w)
	})
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			fmt.Printf("metrics endpoint %s failed: %v\n", addr, err)
		}
	}()
}
