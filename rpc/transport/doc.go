// Package transport defines the socket layer abstraction of the driver.
//
// The package focuses on:
//   - A small connector interface every transport implementation fulfills
//   - Keeping socket options (buffer sizes, keep-alive, linger) out of the
//     connection state machine
//
// Key Components:
//
//   - IClientConnector: Opens a byte stream to an endpoint and applies the
//     transport specific socket options to it. The connection state machine
//     calls it on every connect and reconnect.
//
//   - Register / Get: Name based lookup used by the configuration layer. The
//     tcp and unix subpackages register themselves on import.
package transport
