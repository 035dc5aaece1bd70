package testutil

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/redcon"

	"github.com/ValentinKolb/dRESP/rpc/cluster/hash"
)

// Cluster is a set of mock nodes sharing one slot table
type Cluster struct {
	mu        sync.Mutex
	primaries []*Node
	replicas  map[*Node][]*Node
	owner     [hash.SlotCount]*Node
	migrating map[int]*Node
	epochs    map[*Node]uint64
	epoch     uint64
}

// NewCluster starts primaries nodes with replicasPer replicas each. The slot
// space is split into contiguous ranges of (almost) equal size.
func NewCluster(primaries, replicasPer int, opts ...NodeOption) (*Cluster, error) {
	if primaries < 1 {
		return nil, fmt.Errorf("cluster needs at least one primary, got %d", primaries)
	}
	c := &Cluster{
		replicas:  map[*Node][]*Node{},
		migrating: map[int]*Node{},
		epochs:    map[*Node]uint64{},
	}
	for i := 0; i < primaries; i++ {
		p, err := NewNode(opts...)
		if err != nil {
			c.Close()
			return nil, err
		}
		p.cluster = c
		c.primaries = append(c.primaries, p)
		c.epoch++
		c.epochs[p] = c.epoch

		for j := 0; j < replicasPer; j++ {
			r, err := NewNode(opts...)
			if err != nil {
				c.Close()
				return nil, err
			}
			r.cluster = c
			r.primary = p
			c.replicas[p] = append(c.replicas[p], r)
		}
	}

	per := hash.SlotCount / primaries
	for slot := 0; slot < hash.SlotCount; slot++ {
		idx := slot / per
		if idx >= primaries {
			idx = primaries - 1
		}
		c.owner[slot] = c.primaries[idx]
	}
	return c, nil
}

// Primary returns the i-th primary
func (c *Cluster) Primary(i int) *Node { return c.primaries[i] }

// Replicas returns the replicas of the i-th primary
func (c *Cluster) Replicas(i int) []*Node { return c.replicas[c.primaries[i]] }

// Nodes returns all primaries followed by all replicas
func (c *Cluster) Nodes() []*Node {
	nodes := append([]*Node(nil), c.primaries...)
	for _, p := range c.primaries {
		nodes = append(nodes, c.replicas[p]...)
	}
	return nodes
}

// Addrs returns the addresses of all nodes
func (c *Cluster) Addrs() []string {
	var addrs []string
	for _, n := range c.Nodes() {
		addrs = append(addrs, n.Addr())
	}
	return addrs
}

// Owner returns the primary serving slot
func (c *Cluster) Owner(slot int) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner[slot]
}

// OwnerOf returns the primary serving key
func (c *Cluster) OwnerOf(key string) *Node {
	return c.Owner(hash.SlotString(key))
}

// Epoch returns the highest config epoch of the cluster
func (c *Cluster) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Move hands slot to the i-th primary, bumps its config epoch and moves the
// keys of the slot along.
func (c *Cluster) Move(slot, to int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.moveLocked(slot, c.primaries[to])
}

// SetMigrating marks slot as migrating to the i-th primary. The owner keeps
// serving keys it holds and answers ASK for all others.
func (c *Cluster) SetMigrating(slot, to int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.migrating[slot] = c.primaries[to]
}

// FinishMigration completes a migration started with SetMigrating
func (c *Cluster) FinishMigration(slot int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if to, ok := c.migrating[slot]; ok {
		delete(c.migrating, slot)
		c.moveLocked(slot, to)
	}
}

// Close stops all nodes
func (c *Cluster) Close() {
	for _, n := range c.Nodes() {
		_ = n.Close()
	}
}

func (c *Cluster) moveLocked(slot int, to *Node) {
	from := c.owner[slot]
	if from == to {
		return
	}
	c.owner[slot] = to
	c.epoch++
	c.epochs[to] = c.epoch

	if from == nil {
		return
	}
	from.store.mu.Lock()
	to.store.mu.Lock()
	for k, v := range from.store.data {
		if hash.SlotString(k) == slot {
			to.store.data[k] = v
			delete(from.store.data, k)
		}
	}
	to.store.mu.Unlock()
	from.store.mu.Unlock()
}

// check returns the redirection error n must reply for a command on slot, or
// "" if n serves it.
func (c *Cluster) check(n *Node, slot int, keys [][]byte, asking, readonly, read bool) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	primary := n
	if n.primary != nil {
		primary = n.primary
	}
	owner := c.owner[slot]
	target, migrating := c.migrating[slot]

	switch {
	case owner == primary:
		if n.primary != nil && !(readonly && read) {
			return moved(slot, owner)
		}
		if migrating && n.primary == nil {
			primary.store.mu.Lock()
			defer primary.store.mu.Unlock()
			for _, k := range keys {
				if _, ok := primary.store.data[string(k)]; !ok {
					return fmt.Sprintf("ASK %d %s", slot, target.Addr())
				}
			}
		}
		return ""
	case migrating && asking && target == n:
		return ""
	default:
		return moved(slot, owner)
	}
}

func moved(slot int, owner *Node) string {
	return fmt.Sprintf("MOVED %d %s", slot, owner.Addr())
}

// command answers the CLUSTER subcommands
func (c *Cluster) command(n *Node, conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		wrongArgs(conn, "cluster")
		return
	}
	switch strings.ToUpper(string(args[0])) {
	case "NODES":
		conn.WriteBulkString(c.nodesText(n))
	case "SLOTS":
		c.writeSlots(conn)
	case "MYID":
		conn.WriteBulkString(n.ID)
	case "KEYSLOT":
		if len(args) != 2 {
			wrongArgs(conn, "cluster|keyslot")
			return
		}
		conn.WriteInt(hash.Slot(args[1]))
	case "INFO":
		c.mu.Lock()
		epoch := c.epoch
		c.mu.Unlock()
		conn.WriteBulkString(fmt.Sprintf("cluster_state:ok\r\ncluster_slots_assigned:%d\r\ncluster_known_nodes:%d\r\ncluster_current_epoch:%d\r\n",
			hash.SlotCount, len(c.Nodes()), epoch))
	default:
		conn.WriteError(fmt.Sprintf("ERR unknown subcommand '%s'", strings.ToLower(string(args[0]))))
	}
}

// slotRange is a contiguous run of slots owned by one primary
type slotRange struct {
	start, end int
	owner      *Node
}

func (c *Cluster) rangesLocked() []slotRange {
	var ranges []slotRange
	for slot := 0; slot < hash.SlotCount; slot++ {
		owner := c.owner[slot]
		if n := len(ranges); n > 0 && ranges[n-1].owner == owner && ranges[n-1].end == slot-1 {
			ranges[n-1].end = slot
			continue
		}
		ranges = append(ranges, slotRange{start: slot, end: slot, owner: owner})
	}
	return ranges
}

// nodesText renders the CLUSTER NODES reply as seen by self
func (c *Cluster) nodesText(self *Node) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	slots := map[*Node][]string{}
	for _, r := range c.rangesLocked() {
		if r.start == r.end {
			slots[r.owner] = append(slots[r.owner], strconv.Itoa(r.start))
		} else {
			slots[r.owner] = append(slots[r.owner], fmt.Sprintf("%d-%d", r.start, r.end))
		}
	}

	var sb strings.Builder
	line := func(n *Node, flags, master string, epoch uint64, slots []string) {
		if n == self {
			flags = "myself," + flags
		}
		_, port, _ := net.SplitHostPort(n.Addr())
		cport, _ := strconv.Atoi(port)
		fmt.Fprintf(&sb, "%s %s@%d %s %s 0 0 %d connected", n.ID, n.Addr(), cport+10000, flags, master, epoch)
		for _, s := range slots {
			sb.WriteString(" " + s)
		}
		sb.WriteString("\n")
	}
	for _, p := range c.primaries {
		line(p, "master", "-", c.epochs[p], slots[p])
		for _, r := range c.replicas[p] {
			line(r, "slave", p.ID, c.epochs[p], nil)
		}
	}
	return sb.String()
}

// writeSlots writes the CLUSTER SLOTS reply
func (c *Cluster) writeSlots(conn redcon.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	writeNode := func(n *Node) {
		host, port, _ := net.SplitHostPort(n.Addr())
		p, _ := strconv.Atoi(port)
		conn.WriteArray(3)
		conn.WriteBulkString(host)
		conn.WriteInt(p)
		conn.WriteBulkString(n.ID)
	}

	ranges := c.rangesLocked()
	conn.WriteArray(len(ranges))
	for _, r := range ranges {
		replicas := c.replicas[r.owner]
		conn.WriteArray(3 + len(replicas))
		conn.WriteInt(r.start)
		conn.WriteInt(r.end)
		writeNode(r.owner)
		for _, rep := range replicas {
			writeNode(rep)
		}
	}
}
