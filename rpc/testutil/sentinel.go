package testutil

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/redcon"
)

// SwitchMasterChannel is the channel sentinels announce failovers on
const SwitchMasterChannel = "+switch-master"

type monitored struct {
	addr     string
	replicas []string
	down     map[string]bool
	epoch    uint64
}

// Sentinel is a mock sentinel monitoring any number of named primaries
type Sentinel struct {
	*Node

	mu      sync.Mutex
	masters map[string]*monitored
}

// NewSentinel starts a sentinel on a random local port
func NewSentinel(opts ...NodeOption) (*Sentinel, error) {
	s := &Sentinel{masters: map[string]*monitored{}}
	node, err := NewNode(append(opts, withCommand("SENTINEL", s.command))...)
	if err != nil {
		return nil, err
	}
	s.Node = node
	return s, nil
}

// Monitor registers a primary with its replicas
func (s *Sentinel) Monitor(name, addr string, replicas ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.masters[name] = &monitored{
		addr:     addr,
		replicas: append([]string(nil), replicas...),
		down:     map[string]bool{},
		epoch:    1,
	}
}

// SetDown flags a replica as subjectively down (or clears the flag)
func (s *Sentinel) SetDown(name, addr string, down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.masters[name]; ok {
		m.down[addr] = down
	}
}

// Master returns the address and config epoch the sentinel reports for name
func (s *Sentinel) Master(name string) (string, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.masters[name]; ok {
		return m.addr, m.epoch
	}
	return "", 0
}

// Failover promotes newAddr, bumps the config epoch and publishes
// +switch-master. The old primary is listed as a replica afterwards.
func (s *Sentinel) Failover(name, newAddr string) error {
	s.mu.Lock()
	m, ok := s.masters[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("no such master %q", name)
	}
	old := m.addr
	replicas := []string{old}
	for _, r := range m.replicas {
		if r != newAddr {
			replicas = append(replicas, r)
		}
	}
	m.addr = newAddr
	m.replicas = replicas
	m.epoch++
	s.mu.Unlock()

	s.PublishSwitch(name, old, newAddr)
	return nil
}

// PublishSwitch publishes a +switch-master message without touching the
// monitored state
func (s *Sentinel) PublishSwitch(name, oldAddr, newAddr string) int {
	oldHost, oldPort, _ := net.SplitHostPort(oldAddr)
	newHost, newPort, _ := net.SplitHostPort(newAddr)
	msg := strings.Join([]string{name, oldHost, oldPort, newHost, newPort}, " ")
	return s.Publish(SwitchMasterChannel, msg)
}

func (s *Sentinel) command(conn redcon.Conn, args [][]byte) bool {
	if len(args) < 1 {
		wrongArgs(conn, "sentinel")
		return true
	}
	sub := strings.ToUpper(string(args[0]))
	if len(args) != 2 {
		wrongArgs(conn, "sentinel|"+strings.ToLower(sub))
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.masters[string(args[1])]

	switch sub {
	case "GET-MASTER-ADDR-BY-NAME":
		if !ok {
			conn.WriteNull()
			return true
		}
		host, port, _ := net.SplitHostPort(m.addr)
		conn.WriteArray(2)
		conn.WriteBulkString(host)
		conn.WriteBulkString(port)
	case "MASTER":
		if !ok {
			conn.WriteError("ERR No such master with that name")
			return true
		}
		host, port, _ := net.SplitHostPort(m.addr)
		writeFields(conn,
			"name", string(args[1]),
			"ip", host,
			"port", port,
			"flags", "master",
			"num-slaves", strconv.Itoa(len(m.replicas)),
			"quorum", "2",
			"config-epoch", strconv.FormatUint(m.epoch, 10),
		)
	case "REPLICAS", "SLAVES":
		if !ok {
			conn.WriteError("ERR No such master with that name")
			return true
		}
		conn.WriteArray(len(m.replicas))
		for _, r := range m.replicas {
			host, port, _ := net.SplitHostPort(r)
			flags := "slave"
			if m.down[r] {
				flags = "s_down,slave"
			}
			writeFields(conn,
				"name", r,
				"ip", host,
				"port", port,
				"flags", flags,
				"master-link-status", "ok",
			)
		}
	case "SENTINELS":
		conn.WriteArray(0)
	default:
		conn.WriteError(fmt.Sprintf("ERR Unknown sentinel subcommand '%s'", strings.ToLower(sub)))
	}
	return true
}

// writeFields writes a flat field/value array
func writeFields(conn redcon.Conn, kv ...string) {
	conn.WriteArray(len(kv))
	for _, v := range kv {
		conn.WriteBulkString(v)
	}
}
