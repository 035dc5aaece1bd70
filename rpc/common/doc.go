// Package common provides the data structures and utilities shared by all
// packages of the dRESP client driver.
//
// The package focuses on:
//   - Configuration structures for the standalone, cluster and sentinel clients
//   - The error taxonomy every dispatched command resolves with
//   - Custom logging implementation integrated with Dragonboat's logger package
//
// Key Components:
//
//   - ClientConfig: Configuration for a client root. It selects the client mode
//     (standalone, cluster or sentinel), the endpoints, the reconnect policy
//     (auto-reconnect, replay on reconnect, backoff bounds), the read-from policy,
//     the redirection bound and the topology refresh interval. The nested
//     ClientTransportConfig controls the socket options of every connection.
//
//   - Errors: Protocol errors (malformed frames) are fatal for a connection,
//     transport errors follow the replay-or-fail contract of the connection,
//     routing errors (cross-slot, redirections exhausted, no partition) never
//     touch a connection, and discovery errors are fatal for the dependent
//     connection attempt. ServerError wraps an error reply of the server that is
//     passed through to the caller unchanged.
//
//   - Logger: Custom logging implementation that integrates with Dragonboat's
//     logging system while providing consistent formatting across the driver.
//     Every package obtains its logger with logger.GetLogger and InitLoggers sets
//     the level of all of them at once.
package common
