// Package tcp implements the TCP connector of the driver. Importing the
// package registers the connector under the name "tcp".
//
// UpgradeConnection applies TCP_NODELAY, the socket buffer sizes, keep-alive
// and linger from the transport configuration to every new connection.
package tcp
