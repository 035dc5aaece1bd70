package testutil

import (
	"crypto/sha1"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/tidwall/redcon"

	"github.com/ValentinKolb/dRESP/rpc/cluster/hash"
)

var Logger = logger.GetLogger("mock")

// Hook intercepts a command before the node handles it. It returns true if it
// wrote the reply (or deliberately wrote none).
type Hook func(conn redcon.Conn, args [][]byte) bool

// Received is a command recorded by a node
type Received struct {
	ConnID int64
	Name   string
	Args   []string
}

// String renders the command as "NAME arg arg"
func (r Received) String() string {
	return strings.TrimSpace(r.Name + " " + strings.Join(r.Args, " "))
}

// connState is attached to every client connection
type connState struct {
	id       int64
	asking   bool
	readonly bool
	resp3    bool
	authed   bool
	dropped  bool
	pushes   [][]byte // written ahead of the next reply
}

// store is the key space of a node (shared by a primary and its replicas)
type store struct {
	mu   sync.Mutex
	data map[string][]byte
}

// Node is a mock server
type Node struct {
	ID string

	srv    *redcon.Server
	ln     net.Listener
	addr   string
	nextID atomic.Int64
	closed atomic.Bool

	mu       sync.Mutex
	store    *store
	conns    map[redcon.Conn]struct{}
	received []Received
	hooks    map[string]Hook
	commands map[string]Hook
	password string
	resp3    bool
	ps       redcon.PubSub

	// cluster membership (nil for standalone nodes)
	cluster *Cluster
	primary *Node
}

// NodeOption configures a node
type NodeOption func(n *Node)

// WithPassword requires AUTH with the given password
func WithPassword(password string) NodeOption {
	return func(n *Node) { n.password = password }
}

// WithRESP3 makes the node accept HELLO 3
func WithRESP3() NodeOption {
	return func(n *Node) { n.resp3 = true }
}

// WithAddr listens on a fixed address instead of a random local port
func WithAddr(addr string) NodeOption {
	return func(n *Node) { n.addr = addr }
}

// withCommand adds a command the node answers in addition to its built-ins
func withCommand(name string, h Hook) NodeOption {
	return func(n *Node) { n.commands[strings.ToUpper(name)] = h }
}

// NewNode starts a node on a random local port
func NewNode(opts ...NodeOption) (*Node, error) {
	n := &Node{
		addr:  "127.0.0.1:0",
		store: &store{data: map[string][]byte{}},
		conns: map[redcon.Conn]struct{}{},
		hooks: map[string]Hook{},
	}
	n.commands = map[string]Hook{}
	for _, opt := range opts {
		opt(n)
	}

	ln, err := net.Listen("tcp", n.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", n.addr, err)
	}
	n.ln = ln
	n.addr = ln.Addr().String()
	n.ID = nodeID(n.addr)
	n.srv = redcon.NewServer(n.addr, n.handle, n.accept, n.closeConn)
	go func() {
		if err := n.srv.Serve(ln); err != nil && !n.closed.Load() {
			Logger.Warningf("mock node %s stopped: %v", n.addr, err)
		}
	}()
	return n, nil
}

// Addr returns the listen address
func (n *Node) Addr() string { return n.addr }

// Close stops the node and closes all client connections
func (n *Node) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	n.DropConnections()
	return n.ln.Close()
}

// --------------------------------------------------------------------------
// Test controls
// --------------------------------------------------------------------------

// Hook installs a hook for a command name (nil removes it)
func (n *Node) Hook(name string, h Hook) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if h == nil {
		delete(n.hooks, strings.ToUpper(name))
		return
	}
	n.hooks[strings.ToUpper(name)] = h
}

// DropConnections closes all client connections, the node keeps listening
func (n *Node) DropConnections() {
	n.mu.Lock()
	conns := make([]redcon.Conn, 0, len(n.conns))
	for c := range n.conns {
		conns = append(conns, c)
	}
	n.conns = map[redcon.Conn]struct{}{}
	n.mu.Unlock()

	// closing the socket lets redcon run its own close path
	for _, c := range conns {
		_ = c.NetConn().Close()
	}
}

// ConnCount returns the number of open client connections
func (n *Node) ConnCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

// Received returns all recorded commands
func (n *Node) Received() []Received {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Received, len(n.received))
	copy(out, n.received)
	return out
}

// Count returns how often a command was received
func (n *Node) Count(name string) int {
	name = strings.ToUpper(name)
	count := 0
	for _, r := range n.Received() {
		if r.Name == name {
			count++
		}
	}
	return count
}

// ResetReceived clears the recorded commands
func (n *Node) ResetReceived() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.received = nil
}

// Set writes a key directly into the store of the node
func (n *Node) Set(key, value string) {
	n.store.mu.Lock()
	defer n.store.mu.Unlock()
	n.store.data[key] = []byte(value)
}

// Get reads a key directly from the store of the node
func (n *Node) Get(key string) (string, bool) {
	n.store.mu.Lock()
	defer n.store.mu.Unlock()
	v, ok := n.store.data[key]
	return string(v), ok
}

// Publish sends a pub/sub message to all subscribers of channel
func (n *Node) Publish(channel, message string) int {
	return n.ps.Publish(channel, message)
}

// --------------------------------------------------------------------------
// redcon callbacks
// --------------------------------------------------------------------------

func (n *Node) accept(conn redcon.Conn) bool {
	if n.closed.Load() {
		return false
	}
	conn.SetContext(&connState{id: n.nextID.Add(1)})
	n.mu.Lock()
	n.conns[conn] = struct{}{}
	n.mu.Unlock()
	return true
}

func (n *Node) closeConn(conn redcon.Conn, err error) {
	n.mu.Lock()
	delete(n.conns, conn)
	n.mu.Unlock()
}

func (n *Node) handle(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) == 0 {
		conn.WriteError("ERR empty command")
		return
	}
	st, _ := conn.Context().(*connState)
	if st == nil {
		st = &connState{}
		conn.SetContext(st)
	}
	if st.dropped {
		// redcon still hands over the rest of a pipelined batch
		return
	}
	name := strings.ToUpper(string(cmd.Args[0]))
	args := cmd.Args[1:]

	rec := Received{ConnID: st.id, Name: name}
	for _, a := range args {
		rec.Args = append(rec.Args, string(a))
	}
	n.mu.Lock()
	n.received = append(n.received, rec)
	hook := n.hooks[name]
	pushes := st.pushes
	st.pushes = nil
	n.mu.Unlock()

	for _, frame := range pushes {
		conn.WriteRaw(frame)
	}

	if hook != nil && hook(conn, args) {
		return
	}

	asking := st.asking
	st.asking = false

	if n.password != "" && !st.authed && name != "AUTH" && name != "HELLO" {
		conn.WriteError("NOAUTH Authentication required.")
		return
	}

	if n.cluster != nil {
		if keys := keysOf(name, args); len(keys) > 0 {
			slot, ok := hash.SameSlot(keys)
			if !ok {
				conn.WriteError("CROSSSLOT Keys in request don't hash to the same slot")
				return
			}
			if redirect := n.cluster.check(n, slot, keys, asking, st.readonly, isRead(name)); redirect != "" {
				conn.WriteError(redirect)
				return
			}
		}
	}

	n.execute(conn, st, name, args)
}

// --------------------------------------------------------------------------
// Commands
// --------------------------------------------------------------------------

func (n *Node) execute(conn redcon.Conn, st *connState, name string, args [][]byte) {
	s := n.storeFor()
	switch name {
	case "PING":
		if len(args) > 0 {
			conn.WriteBulk(args[0])
			return
		}
		conn.WriteString("PONG")
	case "ECHO":
		if len(args) != 1 {
			wrongArgs(conn, name)
			return
		}
		conn.WriteBulk(args[0])
	case "HELLO":
		n.hello(conn, st, args)
	case "AUTH":
		n.auth(conn, st, args)
	case "SELECT", "READWRITE":
		conn.WriteString("OK")
	case "CLIENT":
		conn.WriteString("OK")
	case "READONLY":
		st.readonly = true
		conn.WriteString("OK")
	case "ASKING":
		st.asking = true
		conn.WriteString("OK")
	case "QUIT":
		conn.WriteString("OK")
		_ = conn.Close()

	case "GET":
		if len(args) != 1 {
			wrongArgs(conn, name)
			return
		}
		s.mu.Lock()
		v, ok := s.data[string(args[0])]
		s.mu.Unlock()
		if !ok {
			conn.WriteNull()
			return
		}
		conn.WriteBulk(v)
	case "SET":
		if len(args) < 2 {
			wrongArgs(conn, name)
			return
		}
		s.mu.Lock()
		s.data[string(args[0])] = append([]byte(nil), args[1]...)
		s.mu.Unlock()
		conn.WriteString("OK")
	case "DEL", "UNLINK", "EXISTS", "TOUCH":
		count := 0
		s.mu.Lock()
		for _, k := range args {
			if _, ok := s.data[string(k)]; ok {
				count++
				if name == "DEL" || name == "UNLINK" {
					delete(s.data, string(k))
				}
			}
		}
		s.mu.Unlock()
		conn.WriteInt(count)
	case "MGET":
		s.mu.Lock()
		conn.WriteArray(len(args))
		for _, k := range args {
			if v, ok := s.data[string(k)]; ok {
				conn.WriteBulk(v)
			} else {
				conn.WriteNull()
			}
		}
		s.mu.Unlock()
	case "MSET":
		if len(args) == 0 || len(args)%2 != 0 {
			wrongArgs(conn, name)
			return
		}
		s.mu.Lock()
		for i := 0; i < len(args); i += 2 {
			s.data[string(args[i])] = append([]byte(nil), args[i+1]...)
		}
		s.mu.Unlock()
		conn.WriteString("OK")
	case "INCR":
		if len(args) != 1 {
			wrongArgs(conn, name)
			return
		}
		s.mu.Lock()
		cur, _ := strconv.ParseInt(string(s.data[string(args[0])]), 10, 64)
		cur++
		s.data[string(args[0])] = []byte(strconv.FormatInt(cur, 10))
		s.mu.Unlock()
		conn.WriteInt64(cur)
	case "DBSIZE":
		s.mu.Lock()
		conn.WriteInt(len(s.data))
		s.mu.Unlock()
	case "FLUSHALL", "FLUSHDB":
		s.mu.Lock()
		s.data = map[string][]byte{}
		s.mu.Unlock()
		conn.WriteString("OK")

	case "SUBSCRIBE":
		for _, ch := range args {
			n.ps.Subscribe(conn, string(ch))
		}
	case "PSUBSCRIBE":
		for _, ch := range args {
			n.ps.Psubscribe(conn, string(ch))
		}
	case "PUBLISH":
		if len(args) != 2 {
			wrongArgs(conn, name)
			return
		}
		conn.WriteInt(n.ps.Publish(string(args[0]), string(args[1])))

	case "CLUSTER":
		if n.cluster == nil {
			conn.WriteError("ERR This instance has cluster support disabled")
			return
		}
		n.cluster.command(n, conn, args)

	default:
		if h := n.commands[name]; h != nil {
			h(conn, args)
			return
		}
		conn.WriteError(fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(name)))
	}
}

func (n *Node) hello(conn redcon.Conn, st *connState, args [][]byte) {
	if !n.resp3 {
		conn.WriteError("ERR unknown command 'hello'")
		return
	}
	if len(args) > 0 && string(args[0]) != "3" && string(args[0]) != "2" {
		conn.WriteError("NOPROTO unsupported protocol version")
		return
	}
	for i := 1; i+2 < len(args); i++ {
		if strings.EqualFold(string(args[i]), "AUTH") {
			if !n.checkPassword(conn, st, args[i+2]) {
				return
			}
		}
	}
	n.mu.Lock()
	st.resp3 = len(args) > 0 && string(args[0]) == "3"
	n.mu.Unlock()
	if st.resp3 {
		conn.WriteRaw([]byte("%3\r\n$6\r\nserver\r\n$4\r\nmock\r\n$5\r\nproto\r\n:3\r\n$4\r\nmode\r\n$10\r\nstandalone\r\n"))
		return
	}
	conn.WriteArray(4)
	conn.WriteBulkString("server")
	conn.WriteBulkString("mock")
	conn.WriteBulkString("proto")
	conn.WriteInt(2)
}

func (n *Node) auth(conn redcon.Conn, st *connState, args [][]byte) {
	if len(args) == 0 || len(args) > 2 {
		wrongArgs(conn, "AUTH")
		return
	}
	if n.password == "" {
		conn.WriteError("ERR AUTH <password> called without any password configured for the default user")
		return
	}
	if n.checkPassword(conn, st, args[len(args)-1]) {
		conn.WriteString("OK")
	}
}

// checkPassword marks the connection as authenticated or writes WRONGPASS
func (n *Node) checkPassword(conn redcon.Conn, st *connState, password []byte) bool {
	if string(password) != n.password {
		conn.WriteError("WRONGPASS invalid username-password pair or user is disabled.")
		return false
	}
	st.authed = true
	return true
}

// PushTo queues a RESP3 push frame for every connection that negotiated
// RESP3. A frame is written ahead of the next reply on its connection.
func (n *Node) PushTo(kind string, payload ...string) int {
	frame := []byte(">" + strconv.Itoa(len(payload)+1) + "\r\n")
	frame = redcon.AppendBulkString(frame, kind)
	for _, p := range payload {
		frame = redcon.AppendBulkString(frame, p)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	queued := 0
	for c := range n.conns {
		if st, _ := c.Context().(*connState); st != nil && st.resp3 {
			st.pushes = append(st.pushes, frame)
			queued++
		}
	}
	return queued
}

// Drop closes conn from within a hook. Commands of the same pipelined batch
// that redcon still delivers are ignored.
func Drop(conn redcon.Conn) {
	if st, _ := conn.Context().(*connState); st != nil {
		st.dropped = true
	}
	_ = conn.Close()
}

// DropFirst returns a hook that drops the connection on the first call and
// lets every later command through
func DropFirst() Hook {
	var dropped atomic.Bool
	return func(conn redcon.Conn, args [][]byte) bool {
		if dropped.CompareAndSwap(false, true) {
			Drop(conn)
			return true
		}
		return false
	}
}

// storeFor returns the key space the node serves
func (n *Node) storeFor() *store {
	if n.primary != nil {
		return n.primary.store
	}
	return n.store
}

func wrongArgs(conn redcon.Conn, name string) {
	conn.WriteError(fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(name)))
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// keysOf extracts the keys of the commands the node knows
func keysOf(name string, args [][]byte) [][]byte {
	switch name {
	case "GET", "SET", "INCR":
		if len(args) > 0 {
			return args[:1]
		}
	case "DEL", "UNLINK", "EXISTS", "TOUCH", "MGET":
		return args
	case "MSET":
		var keys [][]byte
		for i := 0; i < len(args); i += 2 {
			keys = append(keys, args[i])
		}
		return keys
	}
	return nil
}

func isRead(name string) bool {
	switch name {
	case "GET", "MGET", "EXISTS", "TOUCH":
		return true
	}
	return false
}

// nodeID derives a stable 40 character node id from the address
func nodeID(addr string) string {
	return fmt.Sprintf("%x", sha1.Sum([]byte(addr)))
}
