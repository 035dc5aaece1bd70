// Package testutil provides in-memory mock servers speaking the wire protocol,
// built on tidwall/redcon. They back the tests of the driver and the
// "dresp mock" command.
//
//   - Node: a single server with a tiny key-value store (GET, SET, DEL, MGET,
//     MSET, INCR, EXISTS, ...), AUTH, SELECT, HELLO (optional RESP3), pub/sub
//     and hooks to inject replies, delay them or drop connections. Every
//     received command is recorded per client connection.
//   - Cluster: a set of nodes sharing a slot table. Nodes answer CLUSTER NODES
//     and CLUSTER SLOTS, reply MOVED for foreign slots and ASK for migrating
//     slots, and replicas serve reads after READONLY.
//   - Sentinel: a node answering SENTINEL MASTER / REPLICAS /
//     GET-MASTER-ADDR-BY-NAME that publishes +switch-master on failover.
package testutil
