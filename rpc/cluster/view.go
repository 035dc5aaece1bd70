package cluster

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/ValentinKolb/dRESP/rpc/cluster/hash"
	"github.com/ValentinKolb/dRESP/rpc/resp"
)

// SlotRange is a claim of a primary on the inclusive range [Start, End]
type SlotRange struct {
	Start  int
	End    int
	NodeID string
}

// View is the partition table as one node reports it
type View struct {
	Source string
	Nodes  []*Node
	Slots  []SlotRange
}

// --------------------------------------------------------------------------
// CLUSTER NODES
// --------------------------------------------------------------------------

// ParseClusterNodes parses the text reply of CLUSTER NODES. Addresses without
// host (":port", reported by a node that does not know its own IP) are
// resolved against the host of source.
//
//	<id> <ip:port@cport[,hostname]> <flags> <primary> <ping> <pong> <epoch> <link> <slot> ...
func ParseClusterNodes(source, text string) (View, error) {
	view := View{Source: source}
	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 8 {
			return View{}, fmt.Errorf("CLUSTER NODES line %d: expected at least 8 fields, got %d", i+1, len(fields))
		}

		epoch, err := strconv.ParseUint(fields[6], 10, 64)
		if err != nil {
			return View{}, fmt.Errorf("CLUSTER NODES line %d: invalid config epoch %q", i+1, fields[6])
		}
		flags := strings.Split(fields[2], ",")
		node := &Node{
			ID:      fields[0],
			Addr:    resolveAddr(parseNodeAddr(fields[1]), source),
			Epoch:   epoch,
			Flags:   flags,
			Healthy: fields[7] == "connected",
		}
		for _, f := range flags {
			switch f {
			case "slave", "replica":
				node.Role = RoleReplica
			case "fail", "fail?", "handshake", "noaddr":
				node.Healthy = false
			}
		}
		if node.Role == RoleReplica && fields[3] != "-" {
			node.PrimaryID = fields[3]
		}
		if strings.HasPrefix(node.Addr, ":") || node.Addr == "" {
			// noaddr nodes cannot be used
			node.Healthy = false
		}
		view.Nodes = append(view.Nodes, node)

		if node.Role != RolePrimary {
			continue
		}
		for _, token := range fields[8:] {
			if strings.HasPrefix(token, "[") {
				// migrating / importing marker, ownership is unchanged
				continue
			}
			r, err := parseSlotRange(token)
			if err != nil {
				return View{}, fmt.Errorf("CLUSTER NODES line %d: %w", i+1, err)
			}
			r.NodeID = node.ID
			view.Slots = append(view.Slots, r)
		}
	}
	if len(view.Nodes) == 0 {
		return View{}, fmt.Errorf("CLUSTER NODES reply is empty")
	}
	return view, nil
}

// parseNodeAddr strips the bus port and the announced hostname
func parseNodeAddr(field string) string {
	if i := strings.IndexByte(field, '@'); i >= 0 {
		field = field[:i]
	}
	if i := strings.IndexByte(field, ','); i >= 0 {
		field = field[:i]
	}
	return field
}

func parseSlotRange(token string) (SlotRange, error) {
	startStr, endStr, isRange := strings.Cut(token, "-")
	start, err := strconv.Atoi(startStr)
	if err != nil {
		return SlotRange{}, fmt.Errorf("invalid slot %q", token)
	}
	end := start
	if isRange {
		if end, err = strconv.Atoi(endStr); err != nil {
			return SlotRange{}, fmt.Errorf("invalid slot range %q", token)
		}
	}
	if start < 0 || end >= hash.SlotCount || start > end {
		return SlotRange{}, fmt.Errorf("slot range %q out of bounds", token)
	}
	return SlotRange{Start: start, End: end}, nil
}

// --------------------------------------------------------------------------
// CLUSTER SLOTS
// --------------------------------------------------------------------------

// ParseClusterSlots parses the array reply of CLUSTER SLOTS. Node ids are
// optional in old servers, the address is used instead. The reply carries no
// config epochs.
func ParseClusterSlots(source string, r resp.Reply) (View, error) {
	if err := r.Err(); err != nil {
		return View{}, err
	}
	if r.Kind != resp.KindArray && r.Kind != resp.KindSet {
		return View{}, fmt.Errorf("CLUSTER SLOTS: expected an array, got %s", r.Kind)
	}

	view := View{Source: source}
	seen := map[string]bool{}
	for i, entry := range r.Elems {
		if len(entry.Elems) < 3 {
			return View{}, fmt.Errorf("CLUSTER SLOTS entry %d: expected at least 3 elements", i)
		}
		start, end := int(entry.Elems[0].Int), int(entry.Elems[1].Int)
		if start < 0 || end >= hash.SlotCount || start > end {
			return View{}, fmt.Errorf("CLUSTER SLOTS entry %d: range %d-%d out of bounds", i, start, end)
		}

		var primaryID string
		for j, n := range entry.Elems[2:] {
			if len(n.Elems) < 2 {
				return View{}, fmt.Errorf("CLUSTER SLOTS entry %d: malformed node", i)
			}
			addr := resolveAddr(net.JoinHostPort(n.Elems[0].Text(), n.Elems[1].Text()), source)
			id := addr
			if len(n.Elems) > 2 && n.Elems[2].Text() != "" {
				id = n.Elems[2].Text()
			}
			node := &Node{ID: id, Addr: addr, Healthy: true}
			if j == 0 {
				primaryID = id
				view.Slots = append(view.Slots, SlotRange{Start: start, End: end, NodeID: id})
			} else {
				node.Role = RoleReplica
				node.PrimaryID = primaryID
			}
			if !seen[id] {
				seen[id] = true
				view.Nodes = append(view.Nodes, node)
			}
		}
	}
	return view, nil
}

// resolveAddr fills in the host of source for addresses without host
func resolveAddr(addr, source string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host != "" || source == "" {
		return addr
	}
	if srcHost, _, err := net.SplitHostPort(source); err == nil {
		return net.JoinHostPort(srcHost, port)
	}
	return addr
}

// --------------------------------------------------------------------------
// Reconcile
// --------------------------------------------------------------------------

// Reconcile merges the views of several nodes into partitions. Per slot the
// claiming primary with the highest config epoch wins, nodes are merged by
// id (the report with the higher epoch wins) and replicas are attached to
// their primary by id. The result is not validated, NewSnapshot does that.
func Reconcile(views ...View) []Partition {
	nodes := map[string]*Node{}
	for _, v := range views {
		for _, n := range v.Nodes {
			if cur, ok := nodes[n.ID]; !ok || n.Epoch > cur.Epoch {
				cp := *n
				nodes[n.ID] = &cp
			} else if n.Epoch == cur.Epoch && !n.Healthy {
				// any node seeing the failure wins on equal epochs
				cur.Healthy = false
			}
		}
	}

	type claim struct {
		id    string
		epoch uint64
		set   bool
	}
	var owners [hash.SlotCount]claim
	for _, v := range views {
		for _, r := range v.Slots {
			n := nodes[r.NodeID]
			if n == nil || n.Role != RolePrimary {
				continue
			}
			for slot := r.Start; slot <= r.End; slot++ {
				if !owners[slot].set || n.Epoch > owners[slot].epoch {
					owners[slot] = claim{id: n.ID, epoch: n.Epoch, set: true}
				}
			}
		}
	}

	replicas := map[string][]*Node{}
	for _, n := range nodes {
		if n.Role == RoleReplica && n.PrimaryID != "" {
			replicas[n.PrimaryID] = append(replicas[n.PrimaryID], n)
		}
	}
	for _, rs := range replicas {
		sort.Slice(rs, func(i, j int) bool { return rs[i].Addr < rs[j].Addr })
	}

	var partitions []Partition
	for slot := 0; slot < hash.SlotCount; slot++ {
		o := owners[slot]
		if !o.set {
			continue
		}
		if n := len(partitions); n > 0 && partitions[n-1].Primary.ID == o.id && partitions[n-1].End == slot-1 {
			partitions[n-1].End = slot
			continue
		}
		primary := nodes[o.id]
		partitions = append(partitions, Partition{
			Start:    slot,
			End:      slot,
			Primary:  primary,
			Replicas: replicas[o.id],
		})
	}
	return partitions
}
