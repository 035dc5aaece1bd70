package transport

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/ValentinKolb/dRESP/rpc/common"
)

// --------------------------------------------------------------------------
// Client Connector
// --------------------------------------------------------------------------

// IClientConnector defines the interface for transport-specific connection operations.
// A connection of the driver never touches the socket layer directly, it asks
// its connector for a new byte stream on every (re)connect.
type IClientConnector interface {
	// Connect establishes a single byte stream to the endpoint
	Connect(ctx context.Context, endpoint string) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.ClientTransportConfig) error
}

// --------------------------------------------------------------------------
// Connector registry
// --------------------------------------------------------------------------

var connectors = map[string]func() IClientConnector{}

// Register makes a connector available under its name. It is called from the
// init functions of the connector packages.
func Register(name string, factory func() IClientConnector) {
	connectors[name] = factory
}

// Get returns a new connector for the given transport name
func Get(name string) (IClientConnector, error) {
	factory, ok := connectors[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("invalid transport %s", name)
	}
	return factory(), nil
}

// ForEndpoint picks the connector of an endpoint and returns the address to
// dial. "unix://<path>" and absolute paths select unix sockets, "tcp://<addr>"
// and bare host:port addresses select tcp.
func ForEndpoint(endpoint string) (IClientConnector, string, error) {
	name, addr := "tcp", endpoint
	switch {
	case strings.HasPrefix(endpoint, "unix://"):
		name, addr = "unix", strings.TrimPrefix(endpoint, "unix://")
	case strings.HasPrefix(endpoint, "/"):
		name = "unix"
	case strings.HasPrefix(endpoint, "tcp://"):
		addr = strings.TrimPrefix(endpoint, "tcp://")
	}
	connector, err := Get(name)
	if err != nil {
		return nil, "", err
	}
	return connector, addr, nil
}
