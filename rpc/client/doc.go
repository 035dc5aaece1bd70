// Package client implements the dispatch boundary of the driver: clients that
// accept commands, place them on the right connection and hand back their
// completion handles.
//
// Key Components:
//
//   - Standalone: one multiplexed connection to a single node.
//
//   - Cluster: one connection per cluster node, created on first use and kept
//     in a Registry. Commands are routed by hash slot through a cluster.Router,
//     MOVED and ASK replies are followed transparently and the topology is
//     refreshed in the background.
//
//   - MasterReplica: a sentinel-monitored primary with its replicas. The
//     primary connection is moved to the new primary when the sentinels
//     announce a failover with a higher config epoch.
//
//   - New: picks the client by common.ClientConfig.Mode.
//
// Usage Example:
//
//	config := common.DefaultClientConfig()
//	config.Mode = common.ModeCluster
//	config.Transport.Endpoints = []string{"10.0.0.1:7000", "10.0.0.2:7000"}
//	config.ReadFrom = "replica-preferred"
//
//	c, err := client.New(ctx, config)
//	if err != nil {
//	  return err
//	}
//	defer c.Close()
//
//	// Do waits for the reply
//	_, err = c.Do(ctx, "SET", "user:1", "alice")
//
//	// Dispatch returns the completion handle right away
//	f, _ := c.Dispatch(ctx, conn.NewStringCommand("GET", "user:1").WithOutput(resp.StringOutput))
//	name, err := f.Wait(ctx)
//
// Thread Safety:
//
//	All clients are safe for concurrent use. Commands of different goroutines
//	are pipelined over the same connections, replies complete in send order
//	per connection.
package client
