/*
Package conn implements a single multiplexed connection to one server.

A Connection owns one transport (see rpc/transport) and an ordered in-flight
queue. Any number of goroutines dispatch commands concurrently, every command
is written in full before the next one and completes through its Future in
send order. A bounded queue blocks dispatchers until a slot frees up.

Lifecycle:

	Disconnected -> Connecting -> Connected -> Quiescing -> Disconnected
	                                  |
	                                  v
	                             Reconnecting -> Connected | Disconnected
	any -> Closed (terminal, Close is idempotent)

When the transport breaks, the connection reconnects with bounded
exponential backoff (if enabled). Queued commands are either written again
on the new transport in their original order (ReplayOnReconnect, at least
once) or fail with common.ErrConnectionLost (at most once). A protocol error
always fails the queue, the rest of a broken stream cannot be trusted.

The handshake (HELLO 3 with RESP2 fallback, AUTH, SELECT, CLIENT SETNAME,
READONLY) runs on every new transport before queued commands are replayed.

Pub/sub messages and RESP3 push frames never complete a command, they are
handed to the PushHandler on a separate delivery goroutine.

Usage:

	c := conn.New(conn.Options{Addr: "localhost:6379", AutoReconnect: true})
	if err := c.Connect(ctx); err != nil {
	    return err
	}
	defer c.Close()

	v, err := c.Dispatch(ctx, conn.NewStringCommand("GET", "key").
	    WithOutput(resp.StringOutput)).Wait(ctx)
*/
package conn
