// Package rpc is the client side of the driver: it speaks the RESP wire
// protocol to key-value servers, multiplexes concurrent commands over
// persistent connections and routes them in cluster and sentinel setups.
//
// The package is organized into several subpackages:
//
//   - resp: Request encoder, resumable RESP2/RESP3 decoder and output decoders.
//
//   - conn: Commands, completion handles, the in-flight queue and the
//     connection state machine (connect, reconnect with replay, quiesce, close).
//
//   - transport: Pluggable connectors (TCP, Unix sockets) that open the byte
//     streams of a connection.
//
//   - cluster: Hash slots, topology snapshots, the refresh loop and the
//     slot router with MOVED / ASK handling.
//
//   - sentinel: Master discovery through sentinel monitors and the
//     epoch-guarded failover watch.
//
//   - readfrom: Read-from policies choosing among primaries and replicas.
//
//   - client: Standalone, cluster and master/replica clients built from a
//     common.ClientConfig.
//
//   - common, metrics, testutil: Configuration, logging, errors, metrics and
//     in-memory mock servers for tests.
package rpc
