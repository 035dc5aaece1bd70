package conn

import (
	"time"

	"github.com/ValentinKolb/dRESP/rpc/common"
	"github.com/ValentinKolb/dRESP/rpc/transport"
	"github.com/ValentinKolb/dRESP/rpc/transport/tcp"
)

// Options configures a single connection
type Options struct {
	Addr      string
	Connector transport.IClientConnector
	Transport common.ClientTransportConfig

	// handshake
	Protocol   int
	Username   string
	Password   string
	DB         int
	ClientName string
	ReadOnly   bool // send READONLY (cluster replica connections)

	// QueueSize bounds the in-flight commands (0 = unbounded)
	QueueSize int
	// Timeout is the default command timeout for contexts without deadline (0 = none)
	Timeout     time.Duration
	DialTimeout time.Duration

	AutoReconnect        bool
	ReplayOnReconnect    bool
	MaxReconnectAttempts int
	BackoffMin           time.Duration
	BackoffMax           time.Duration

	PushHandler PushHandler
}

// OptionsFromConfig derives the options of a connection to addr from the client configuration
func OptionsFromConfig(addr string, config *common.ClientConfig, connector transport.IClientConnector) Options {
	return Options{
		Addr:                 addr,
		Connector:            connector,
		Transport:            config.Transport,
		Protocol:             config.Protocol,
		Username:             config.Username,
		Password:             config.Password,
		DB:                   config.DB,
		ClientName:           config.ClientName,
		QueueSize:            config.QueueSize,
		Timeout:              config.Timeout(),
		DialTimeout:          config.DialTimeout(),
		AutoReconnect:        config.Reconnect.AutoReconnect,
		ReplayOnReconnect:    config.Reconnect.ReplayOnReconnect,
		MaxReconnectAttempts: config.Reconnect.MaxAttempts,
		BackoffMin:           time.Duration(config.Reconnect.BackoffMinMs) * time.Millisecond,
		BackoffMax:           time.Duration(config.Reconnect.BackoffMaxMs) * time.Millisecond,
	}
}

func (o *Options) withDefaults() {
	if o.Connector == nil {
		o.Connector = tcp.NewConnector()
	}
	if o.Protocol == 0 {
		o.Protocol = 2
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = 50 * time.Millisecond
	}
	if o.BackoffMax < o.BackoffMin {
		o.BackoffMax = o.BackoffMin * 40
	}
}
