package cluster

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ValentinKolb/dRESP/rpc/cluster/hash"
)

// Role of a node in the cluster
type Role int

const (
	RolePrimary Role = iota
	RoleReplica
)

func (r Role) String() string {
	if r == RoleReplica {
		return "replica"
	}
	return "primary"
}

// Node is a cluster member as reported by CLUSTER NODES / CLUSTER SLOTS
type Node struct {
	ID        string
	Addr      string
	Role      Role
	PrimaryID string // set for replicas
	Epoch     uint64 // config epoch (0 if unknown)
	Flags     []string
	Healthy   bool
}

func (n *Node) String() string {
	return fmt.Sprintf("%s (%s, %s)", n.Addr, shortID(n.ID), n.Role)
}

// Partition binds the inclusive slot range [Start, End] to a primary and its replicas
type Partition struct {
	Start    int
	End      int
	Primary  *Node
	Replicas []*Node
}

// Contains reports whether slot is part of the partition
func (p Partition) Contains(slot int) bool {
	return slot >= p.Start && slot <= p.End
}

// Snapshot is an immutable, versioned partition table covering every slot
// exactly once. It is replaced as a whole and never modified after creation.
type Snapshot struct {
	version    uint64
	partitions []Partition
	index      [hash.SlotCount]uint16 // slot -> partition index
	nodes      map[string]*Node
}

// NewSnapshot validates the coverage of partitions and builds the slot index.
// Gaps, overlaps, out of range slots and partitions without primary are
// rejected.
func NewSnapshot(version uint64, partitions []Partition) (*Snapshot, error) {
	if len(partitions) == 0 {
		return nil, fmt.Errorf("topology has no partitions")
	}
	if len(partitions) > hash.SlotCount {
		return nil, fmt.Errorf("topology has %d partitions, more than slots", len(partitions))
	}

	sorted := make([]Partition, len(partitions))
	copy(sorted, partitions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	s := &Snapshot{
		version:    version,
		partitions: sorted,
		nodes:      map[string]*Node{},
	}

	next := 0
	for i, p := range sorted {
		switch {
		case p.Primary == nil:
			return nil, fmt.Errorf("partition %d-%d has no primary", p.Start, p.End)
		case p.Start < 0 || p.End >= hash.SlotCount || p.Start > p.End:
			return nil, fmt.Errorf("partition %d-%d is out of range", p.Start, p.End)
		case p.Start < next:
			return nil, fmt.Errorf("partition %d-%d overlaps slot %d", p.Start, p.End, next-1)
		case p.Start > next:
			return nil, fmt.Errorf("slots %d-%d are not covered", next, p.Start-1)
		}
		for slot := p.Start; slot <= p.End; slot++ {
			s.index[slot] = uint16(i)
		}
		next = p.End + 1

		s.nodes[p.Primary.ID] = p.Primary
		for _, r := range p.Replicas {
			s.nodes[r.ID] = r
		}
	}
	if next != hash.SlotCount {
		return nil, fmt.Errorf("slots %d-%d are not covered", next, hash.SlotCount-1)
	}
	return s, nil
}

// Version grows with every installed snapshot
func (s *Snapshot) Version() uint64 { return s.version }

// Partition returns the partition serving slot
func (s *Snapshot) Partition(slot int) *Partition {
	if slot < 0 || slot >= hash.SlotCount {
		return nil
	}
	return &s.partitions[s.index[slot]]
}

// Partitions returns the partitions ordered by start slot
func (s *Snapshot) Partitions() []Partition {
	return s.partitions
}

// Node returns a node by id
func (s *Snapshot) Node(id string) *Node {
	return s.nodes[id]
}

// NodeByAddr returns a node by address
func (s *Snapshot) NodeByAddr(addr string) *Node {
	for _, n := range s.nodes {
		if n.Addr == addr {
			return n
		}
	}
	return nil
}

// Nodes returns all nodes ordered by address
func (s *Snapshot) Nodes() []*Node {
	nodes := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Addr < nodes[j].Addr })
	return nodes
}

// Primaries returns the distinct primaries ordered by address
func (s *Snapshot) Primaries() []*Node {
	var primaries []*Node
	for _, n := range s.Nodes() {
		if n.Role == RolePrimary {
			primaries = append(primaries, n)
		}
	}
	return primaries
}

// SameLayout reports whether two snapshots assign every slot to the same
// primary with the same replicas at the same addresses (versions are ignored)
func (s *Snapshot) SameLayout(o *Snapshot) bool {
	if s == nil || o == nil {
		return s == o
	}
	if len(s.partitions) != len(o.partitions) || len(s.nodes) != len(o.nodes) {
		return false
	}
	for i, p := range s.partitions {
		q := o.partitions[i]
		if p.Start != q.Start || p.End != q.End || !sameNode(p.Primary, q.Primary) || len(p.Replicas) != len(q.Replicas) {
			return false
		}
		for j := range p.Replicas {
			if !sameNode(p.Replicas[j], q.Replicas[j]) {
				return false
			}
		}
	}
	return true
}

func sameNode(a, b *Node) bool {
	return a.ID == b.ID && a.Addr == b.Addr && a.Role == b.Role && a.Healthy == b.Healthy
}

// String renders the partition table
func (s *Snapshot) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "topology version %d, %d partitions\n", s.version, len(s.partitions))
	for _, p := range s.partitions {
		fmt.Fprintf(&sb, "  %5d-%-5d  %s", p.Start, p.End, p.Primary.Addr)
		for _, r := range p.Replicas {
			fmt.Fprintf(&sb, "  %s", r.Addr)
			if !r.Healthy {
				sb.WriteString("(down)")
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
