package common

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Client modes and policies
// --------------------------------------------------------------------------

// ClientMode selects how the client discovers the server(s)
type ClientMode string

const (
	ModeStandalone ClientMode = "standalone"
	ModeCluster    ClientMode = "cluster"
	ModeSentinel   ClientMode = "sentinel"
)

// CrossSlotPolicy decides what happens to multi-key commands whose keys hash
// to more than one slot
type CrossSlotPolicy string

const (
	// CrossSlotReject fails the command with a routing error before any write
	CrossSlotReject CrossSlotPolicy = "reject"
	// CrossSlotSplit fans supported multi-key commands out per slot and merges
	// the replies (MGET, MSET, DEL, UNLINK, EXISTS, TOUCH)
	CrossSlotSplit CrossSlotPolicy = "split"
)

// --------------------------------------------------------------------------
// Transport configuration
// --------------------------------------------------------------------------

// SocketConf holds the buffer sizes applied to every socket
type SocketConf struct {
	WriteBufferSize int
	ReadBufferSize  int
}

// TCPConf holds tcp specific socket options
type TCPConf struct {
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int
}

// ClientTransportConfig holds the endpoint list and the socket options
type ClientTransportConfig struct {
	// Endpoints are the node addresses (standalone, cluster seeds) or the
	// sentinel monitor addresses (sentinel mode)
	Endpoints         []string
	DialTimeoutSecond int
	SocketConf        SocketConf
	TCPConf           TCPConf
}

// --------------------------------------------------------------------------
// Reconnect / cluster / sentinel configuration
// --------------------------------------------------------------------------

// ReconnectConfig controls the reconnect state of a connection
type ReconnectConfig struct {
	// AutoReconnect moves a connection into reconnecting after a transport failure
	AutoReconnect bool
	// ReplayOnReconnect keeps queued commands across a reconnect and resends
	// them in order (at-least-once), otherwise they fail (at-most-once)
	ReplayOnReconnect bool
	// MaxAttempts bounds the reconnect attempts, 0 means retry forever
	MaxAttempts  int
	BackoffMinMs int
	BackoffMaxMs int
}

// ClusterConfig controls topology refresh and routing of the cluster client
type ClusterConfig struct {
	MaxRedirects       int
	RefreshIntervalSec int
	CrossSlot          CrossSlotPolicy
}

// SentinelConfig names the monitored master set
type SentinelConfig struct {
	MasterName string
	Username   string
	Password   string
}

// --------------------------------------------------------------------------
// Client configuration struct
// --------------------------------------------------------------------------

// ClientConfig holds all parameters of a client root
type ClientConfig struct {
	Mode          ClientMode
	TimeoutSecond int

	// Handshake
	Protocol   int // 2 or 3 (3 falls back to 2 when HELLO is rejected)
	Username   string
	Password   string
	DB         int
	ClientName string

	// QueueSize bounds the in-flight commands of one connection (0 = unbounded)
	QueueSize int
	// ReadFrom names the read-from policy (see readfrom.Parse)
	ReadFrom string

	Reconnect ReconnectConfig
	Cluster   ClusterConfig
	Sentinel  SentinelConfig
	Transport ClientTransportConfig

	LogLevel string
}

// DefaultClientConfig returns the configuration used when nothing is set
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Mode:          ModeStandalone,
		TimeoutSecond: 10,
		Protocol:      2,
		QueueSize:     1024,
		ReadFrom:      "primary",
		Reconnect: ReconnectConfig{
			AutoReconnect:     true,
			ReplayOnReconnect: true,
			MaxAttempts:       10,
			BackoffMinMs:      50,
			BackoffMaxMs:      2000,
		},
		Cluster: ClusterConfig{
			MaxRedirects:       5,
			RefreshIntervalSec: 60,
			CrossSlot:          CrossSlotReject,
		},
		Transport: ClientTransportConfig{
			Endpoints:         []string{"localhost:6379"},
			DialTimeoutSecond: 5,
			TCPConf:           TCPConf{TCPNoDelay: true},
		},
		LogLevel: "info",
	}
}

// Timeout returns the per-command default timeout (0 = none)
func (c *ClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecond) * time.Second
}

// DialTimeout returns the timeout of a single dial attempt
func (c *ClientConfig) DialTimeout() time.Duration {
	if c.Transport.DialTimeoutSecond <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Transport.DialTimeoutSecond) * time.Second
}

// RefreshInterval returns the periodic topology refresh interval (0 = off)
func (c *ClientConfig) RefreshInterval() time.Duration {
	return time.Duration(c.Cluster.RefreshIntervalSec) * time.Second
}

// Validate checks the configuration for values no client can work with
func (c *ClientConfig) Validate() error {
	var errs []error
	switch c.Mode {
	case ModeStandalone, ModeCluster, ModeSentinel:
	default:
		errs = append(errs, fmt.Errorf("invalid mode %q", c.Mode))
	}
	if len(c.Transport.Endpoints) == 0 {
		errs = append(errs, errors.New("no endpoints configured"))
	}
	for _, e := range c.Transport.Endpoints {
		if strings.TrimSpace(e) == "" {
			errs = append(errs, errors.New("empty endpoint"))
		}
	}
	if c.Protocol != 2 && c.Protocol != 3 {
		errs = append(errs, fmt.Errorf("invalid protocol version %d", c.Protocol))
	}
	if c.Mode == ModeSentinel && c.Sentinel.MasterName == "" {
		errs = append(errs, errors.New("sentinel mode requires a master name"))
	}
	if c.Cluster.MaxRedirects < 0 {
		errs = append(errs, errors.New("max redirects must not be negative"))
	}
	switch c.Cluster.CrossSlot {
	case CrossSlotReject, CrossSlotSplit, "":
	default:
		errs = append(errs, fmt.Errorf("invalid cross slot policy %q", c.Cluster.CrossSlot))
	}
	if c.QueueSize < 0 {
		errs = append(errs, errors.New("queue size must not be negative"))
	}
	return errors.Join(errs...)
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// General Client Settings
	addSection("Client Configuration")
	addField("Mode", string(c.Mode))
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Protocol", "RESP"+strconv.Itoa(c.Protocol))
	addField("Database", strconv.Itoa(c.DB))
	if c.ClientName != "" {
		addField("Client Name", c.ClientName)
	}
	if c.Username != "" || c.Password != "" {
		addField("Auth", fmt.Sprintf("%s:****", c.Username))
	}
	addField("Queue Size", strconv.Itoa(c.QueueSize))
	addField("Read From", c.ReadFrom)

	// Reconnect
	addSection("Reconnect")
	addField("Auto Reconnect", strconv.FormatBool(c.Reconnect.AutoReconnect))
	addField("Replay On Reconnect", strconv.FormatBool(c.Reconnect.ReplayOnReconnect))
	addField("Max Attempts", strconv.Itoa(c.Reconnect.MaxAttempts))
	addField("Backoff", fmt.Sprintf("%d ms - %d ms", c.Reconnect.BackoffMinMs, c.Reconnect.BackoffMaxMs))

	switch c.Mode {
	case ModeCluster:
		addSection("Cluster")
		addField("Max Redirects", strconv.Itoa(c.Cluster.MaxRedirects))
		addField("Refresh Interval", fmt.Sprintf("%d sec", c.Cluster.RefreshIntervalSec))
		addField("Cross Slot", string(c.Cluster.CrossSlot))
	case ModeSentinel:
		addSection("Sentinel")
		addField("Master Name", c.Sentinel.MasterName)
	}

	// Endpoints
	addSection("Endpoints")
	for i, endpoint := range c.Transport.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	// Transport
	addSection("Transport")
	addField("Dial Timeout", fmt.Sprintf("%d sec", c.Transport.DialTimeoutSecond))
	addField("Write Buffer", fmt.Sprintf("%d B", c.Transport.SocketConf.WriteBufferSize))
	addField("Read Buffer", fmt.Sprintf("%d B", c.Transport.SocketConf.ReadBufferSize))
	addField("TCP No Delay", strconv.FormatBool(c.Transport.TCPConf.TCPNoDelay))
	addField("TCP Keep Alive", fmt.Sprintf("%d sec", c.Transport.TCPConf.TCPKeepAliveSec))
	addField("TCP Linger", fmt.Sprintf("%d sec", c.Transport.TCPConf.TCPLingerSec))

	return sb.String()
}
