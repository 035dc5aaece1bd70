/*
Package cluster implements the topology store and the slot router of the
cluster mode.

Topology:

Every key belongs to one of 16384 slots (see the hash subpackage). A Snapshot
is an immutable partition table that covers every slot exactly once, it is
built with NewSnapshot which rejects gaps and overlaps. The Store holds the
current snapshot behind an atomic pointer: routing decisions load it once and
never observe a partial update.

Refreshes query CLUSTER NODES on a few nodes (NodeSource), merge the views
with Reconcile (per slot the claim with the highest config epoch wins) and
install the result only if it is valid and differs from the current layout.
An invalid result is discarded and the previous snapshot stays. Refreshes run
periodically and, coalesced, after every MOVED redirection.

Routing:

The Router computes the slot of the declared keys, rejects keys spanning
several slots before anything is written (or splits MGET, MSET, DEL, UNLINK,
EXISTS and TOUCH per slot with the split policy) and dispatches to the
primary of the slot. Read-only commands go to the node chosen by the
read-from policy (see rpc/readfrom).

	MOVED  the command is sent again to the new owner, a refresh is scheduled
	ASK    ASKING and the command are sent back to back to the target, the
	       topology is left unchanged

The number of redirections per command is bounded, exceeding it fails the
command with common.ErrRedirectsExhausted.
*/
package cluster
