// Package readfrom selects the nodes a read command may be served by.
//
// A Policy orders a candidate list by preference. Policies are pure: they
// neither dial nor keep state, so they can be swapped at runtime and tested
// without servers. Unhealthy candidates are never selected. An empty result
// means no viable read target, callers report common.ErrNoViableReadTarget.
//
//	policy, err := readfrom.Parse("replica-preferred")
//	targets := policy.Select(candidates)
package readfrom

import (
	"fmt"
	"net"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Candidate is a node a read may be sent to
type Candidate struct {
	Addr    string
	NodeID  string
	Primary bool
	Healthy bool
	// Latency is the observed round trip time, 0 if unknown
	Latency time.Duration
}

// Host returns the host part of the address
func (c Candidate) Host() string {
	host, _, err := net.SplitHostPort(c.Addr)
	if err != nil {
		return c.Addr
	}
	return host
}

// Policy orders the candidates by preference
type Policy interface {
	// Select returns the viable candidates, most preferred first
	Select(candidates []Candidate) []Candidate
	// OrderSensitive reports whether callers must take the first selected
	// candidate. If false, any selected candidate is equally good.
	OrderSensitive() bool
	String() string
}

// --------------------------------------------------------------------------
// Policies
// --------------------------------------------------------------------------

type rolePolicy struct {
	name      string
	primaries bool
	replicas  bool

	// fallback selects the other role only if the preferred one has no
	// healthy candidate
	fallback      bool
	preferPrimary bool
}

var (
	// Primary reads from the primary only (the default)
	Primary Policy = rolePolicy{name: "primary", primaries: true}

	// PrimaryPreferred reads from the primary, replicas if it is unavailable
	PrimaryPreferred Policy = rolePolicy{name: "primary-preferred", primaries: true, replicas: true, fallback: true, preferPrimary: true}

	// Replica reads from any replica
	Replica Policy = rolePolicy{name: "replica", replicas: true}

	// ReplicaPreferred reads from replicas, the primary if none is available
	ReplicaPreferred Policy = rolePolicy{name: "replica-preferred", primaries: true, replicas: true, fallback: true}

	// Any reads from any node
	Any Policy = rolePolicy{name: "any", primaries: true, replicas: true}

	// Nearest reads from the node with the lowest latency
	Nearest Policy = nearest{}
)

func (p rolePolicy) Select(candidates []Candidate) []Candidate {
	var primaries, replicas []Candidate
	for _, c := range candidates {
		if !c.Healthy {
			continue
		}
		if c.Primary && p.primaries {
			primaries = append(primaries, c)
		} else if !c.Primary && p.replicas {
			replicas = append(replicas, c)
		}
	}
	preferred, other := replicas, primaries
	if p.preferPrimary {
		preferred, other = primaries, replicas
	}
	if p.fallback {
		if len(preferred) > 0 {
			return preferred
		}
		return other
	}
	return append(preferred, other...)
}

// every selected candidate is equally good
func (p rolePolicy) OrderSensitive() bool { return false }
func (p rolePolicy) String() string       { return p.name }

type nearest struct{}

func (nearest) Select(candidates []Candidate) []Candidate {
	out := healthy(candidates)
	// unknown latency sorts last
	sort.SliceStable(out, func(i, j int) bool {
		li, lj := out[i].Latency, out[j].Latency
		if li == 0 || lj == 0 {
			return li != 0 && lj == 0
		}
		return li < lj
	})
	return out
}

func (nearest) OrderSensitive() bool { return true }
func (nearest) String() string       { return "nearest" }

type filter struct {
	name  string
	match func(c Candidate) bool
}

func (f filter) Select(candidates []Candidate) []Candidate {
	var out []Candidate
	for _, c := range healthy(candidates) {
		if f.match(c) {
			out = append(out, c)
		}
	}
	return out
}

func (f filter) OrderSensitive() bool { return false }
func (f filter) String() string       { return f.name }

// Subnet reads from nodes whose IP lies in one of the CIDR blocks. Nodes
// addressed by host name never match.
func Subnet(cidrs ...string) (Policy, error) {
	if len(cidrs) == 0 {
		return nil, fmt.Errorf("subnet policy needs at least one CIDR block")
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, ipnet, err := net.ParseCIDR(strings.TrimSpace(cidr))
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR block %q: %w", cidr, err)
		}
		nets = append(nets, ipnet)
	}
	return filter{
		name: "subnet:" + strings.Join(cidrs, ","),
		match: func(c Candidate) bool {
			ip := net.ParseIP(c.Host())
			if ip == nil {
				return false
			}
			for _, n := range nets {
				if n.Contains(ip) {
					return true
				}
			}
			return false
		},
	}, nil
}

// Regex reads from nodes whose host fully matches expr
func Regex(expr string) (Policy, error) {
	re, err := regexp.Compile("^(?:" + expr + ")$")
	if err != nil {
		return nil, fmt.Errorf("invalid read-from regex %q: %w", expr, err)
	}
	return filter{
		name:  "regex:" + expr,
		match: func(c Candidate) bool { return re.MatchString(c.Host()) },
	}, nil
}

// Predicate reads from nodes accepted by fn
func Predicate(name string, fn func(c Candidate) bool) Policy {
	return filter{name: name, match: fn}
}

// --------------------------------------------------------------------------
// Parsing
// --------------------------------------------------------------------------

// Parse returns the policy for a configuration string. Besides the plain
// names it accepts "subnet:<cidr>[,<cidr>...]" and "regex:<expr>".
func Parse(name string) (Policy, error) {
	if rest, ok := cutPrefixFold(name, "subnet:"); ok {
		return Subnet(strings.Split(rest, ",")...)
	}
	if rest, ok := cutPrefixFold(name, "regex:"); ok {
		return Regex(rest)
	}

	switch normalize(name) {
	case "", "primary", "master", "upstream":
		return Primary, nil
	case "primarypreferred", "masterpreferred", "upstreampreferred":
		return PrimaryPreferred, nil
	case "replica", "slave", "anyreplica":
		return Replica, nil
	case "replicapreferred", "slavepreferred":
		return ReplicaPreferred, nil
	case "any":
		return Any, nil
	case "nearest", "lowestlatency":
		return Nearest, nil
	}
	return nil, fmt.Errorf("unknown read-from policy %q", name)
}

// normalize lowercases and strips separators ("Replica_Preferred" -> "replicapreferred")
func normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer("-", "", "_", "", " ", "").Replace(name)
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return "", false
}

func healthy(candidates []Candidate) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Healthy {
			out = append(out, c)
		}
	}
	return out
}
