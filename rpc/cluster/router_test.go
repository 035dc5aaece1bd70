package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/redcon"

	"github.com/ValentinKolb/dRESP/rpc/cluster/hash"
	"github.com/ValentinKolb/dRESP/rpc/common"
	"github.com/ValentinKolb/dRESP/rpc/conn"
	"github.com/ValentinKolb/dRESP/rpc/readfrom"
	"github.com/ValentinKolb/dRESP/rpc/resp"
	"github.com/ValentinKolb/dRESP/rpc/testutil"
)

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// testConns opens one read-only connection per address on first use
type testConns struct {
	mu    sync.Mutex
	conns map[string]*conn.Connection
}

func (p *testConns) Conn(ctx context.Context, addr string) (*conn.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[addr]; ok {
		return c, nil
	}
	c := conn.New(conn.Options{
		Addr:              addr,
		ReadOnly:          true,
		Timeout:           2 * time.Second,
		DialTimeout:       time.Second,
		AutoReconnect:     true,
		ReplayOnReconnect: true,
		BackoffMin:        10 * time.Millisecond,
		BackoffMax:        50 * time.Millisecond,
	})
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	p.conns[addr] = c
	return c, nil
}

func (p *testConns) Latency(addr string) time.Duration { return 0 }

func (p *testConns) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		_ = c.Close()
	}
}

type fixture struct {
	cluster *testutil.Cluster
	conns   *testConns
	store   *Store
	router  *Router
	fetches atomic.Int32
}

// newFixture starts a mock cluster with 3 primaries, installs its topology
// and runs the refresh loop
func newFixture(t *testing.T, replicas int, opts RouterOptions) *fixture {
	t.Helper()
	c, err := testutil.NewCluster(3, replicas)
	if err != nil {
		t.Fatalf("failed to start mock cluster: %v", err)
	}
	t.Cleanup(c.Close)

	f := &fixture{cluster: c, conns: &testConns{conns: map[string]*conn.Connection{}}}
	t.Cleanup(f.conns.close)

	src := &NodeSource{Seeds: c.Addrs(), Conns: f.conns}
	f.store = NewStore(ViewSourceFunc(func(ctx context.Context) ([]View, error) {
		f.fetches.Add(1)
		return src.Views(ctx)
	}), 0)
	src.Store = f.store

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := f.store.Refresh(ctx); err != nil {
		t.Fatalf("initial refresh failed: %v", err)
	}
	f.store.Start(context.Background())
	t.Cleanup(f.store.Close)

	f.router = NewRouter(f.store, f.conns, opts)
	return f
}

func (f *fixture) do(t *testing.T, name string, args ...string) (resp.Reply, error) {
	t.Helper()
	fut := f.router.Dispatch(context.Background(), conn.NewStringCommand(name, args...))
	select {
	case <-fut.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("Timeout waiting for %s", name)
	}
	v, err := fut.Result()
	if err != nil {
		return resp.Reply{}, err
	}
	return v.(resp.Reply), nil
}

func (f *fixture) primaryIndex(n *testutil.Node) int {
	for i := 0; i < 3; i++ {
		if f.cluster.Primary(i) == n {
			return i
		}
	}
	return -1
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timeout waiting for %s", what)
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestRouterDispatch(t *testing.T) {
	f := newFixture(t, 0, RouterOptions{})

	for _, key := range []string{"foo", "a", "b", "{user}:123", "{user1000}.followers"} {
		if r, err := f.do(t, "SET", key, key+"-value"); err != nil || r.Text() != "OK" {
			t.Fatalf("SET %s failed: %v %v", key, r, err)
		}
		if v, ok := f.cluster.OwnerOf(key).Get(key); !ok || v != key+"-value" {
			t.Errorf("key %s not stored on its owner", key)
		}
		r, err := f.do(t, "GET", key)
		if err != nil || r.Text() != key+"-value" {
			t.Errorf("GET %s = %v, %v", key, r, err)
		}
	}

	if r, err := f.do(t, "PING"); err != nil || r.Text() != "PONG" {
		t.Errorf("keyless command failed: %v %v", r, err)
	}
}

func TestRouterMoved(t *testing.T) {
	f := newFixture(t, 0, RouterOptions{})
	c := f.cluster
	slot := hash.SlotString("foo")

	old := c.OwnerOf("foo")
	old.Set("foo", "bar")
	version := f.store.Snapshot().Version()

	// the slot moves behind the router's back
	c.Move(slot, 0)

	r, err := f.do(t, "GET", "foo")
	if err != nil || r.Text() != "bar" {
		t.Fatalf("GET after move = %v, %v", r, err)
	}
	if old.Count("GET") != 1 || c.Primary(0).Count("GET") != 1 {
		t.Errorf("expected one GET on the old and one on the new owner, got %d and %d",
			old.Count("GET"), c.Primary(0).Count("GET"))
	}

	eventually(t, "topology refresh after MOVED", func() bool {
		snap := f.store.Snapshot()
		return snap.Version() > version && snap.Partition(slot).Primary.Addr == c.Primary(0).Addr()
	})

	// the new snapshot routes directly
	old.ResetReceived()
	if r, err := f.do(t, "GET", "foo"); err != nil || r.Text() != "bar" {
		t.Fatalf("GET after refresh = %v, %v", r, err)
	}
	if old.Count("GET") != 0 {
		t.Errorf("refreshed router must not ask the old owner")
	}
}

func TestRouterAsk(t *testing.T) {
	f := newFixture(t, 0, RouterOptions{})
	c := f.cluster
	slot := hash.SlotString("foo")
	owner := c.OwnerOf("foo")
	target := c.Primary((f.primaryIndex(owner) + 1) % 3)

	owner.Set("{foo}kept", "here")
	c.SetMigrating(slot, f.primaryIndex(target))

	fetches := f.fetches.Load()
	version := f.store.Snapshot().Version()

	// foo is not on the owner anymore, it answers ASK
	r, err := f.do(t, "GET", "foo")
	if err != nil || !r.IsNull() {
		t.Fatalf("GET during migration = %v, %v", r, err)
	}
	if target.Count("ASKING") != 1 || target.Count("GET") != 1 {
		t.Errorf("expected ASKING + GET on the target, got %v", target.Received())
	}

	// keys still on the owner are served without redirection
	r, err = f.do(t, "GET", "{foo}kept")
	if err != nil || r.Text() != "here" {
		t.Fatalf("GET of a kept key = %v, %v", r, err)
	}
	if target.Count("ASKING") != 1 {
		t.Errorf("ASK must be one-shot, target saw %d ASKING", target.Count("ASKING"))
	}

	time.Sleep(50 * time.Millisecond)
	if f.fetches.Load() != fetches || f.store.Snapshot().Version() != version {
		t.Errorf("ASK must not refresh the topology")
	}
}

func TestRouterRedirectsExhausted(t *testing.T) {
	f := newFixture(t, 0, RouterOptions{MaxRedirects: 3})
	c := f.cluster

	// every primary sends GET to the next one
	for i := 0; i < 3; i++ {
		next := c.Primary((i + 1) % 3)
		c.Primary(i).Hook("GET", func(conn redcon.Conn, args [][]byte) bool {
			conn.WriteError(fmt.Sprintf("MOVED %d %s", hash.Slot(args[0]), next.Addr()))
			return true
		})
	}

	_, err := f.do(t, "GET", "foo")
	if !errors.Is(err, common.ErrRedirectsExhausted) {
		t.Fatalf("expected ErrRedirectsExhausted, got %v", err)
	}
	total := 0
	for i := 0; i < 3; i++ {
		total += c.Primary(i).Count("GET")
	}
	if total != 4 {
		t.Errorf("expected 1 + 3 attempts, got %d", total)
	}
}

func TestRouterCrossSlot(t *testing.T) {
	f := newFixture(t, 0, RouterOptions{})

	_, err := f.do(t, "MGET", "a", "b")
	if !errors.Is(err, common.ErrCrossSlot) {
		t.Fatalf("expected ErrCrossSlot, got %v", err)
	}
	for _, n := range f.cluster.Nodes() {
		if n.Count("MGET") != 0 {
			t.Errorf("cross slot command must not be written")
		}
	}

	// multi-key commands beyond the plain key lists
	for _, cmd := range [][]string{
		{"PFCOUNT", "a", "b"},
		{"PFMERGE", "a", "b"},
		{"BLPOP", "a", "b", "0"},
		{"ZUNIONSTORE", "a", "2", "b", "foo"},
		{"EVAL", "return 1", "2", "a", "b"},
		{"XREAD", "COUNT", "1", "STREAMS", "a", "b", "0", "0"},
	} {
		if _, err := f.do(t, cmd[0], cmd[1:]...); !errors.Is(err, common.ErrCrossSlot) {
			t.Errorf("%v: expected ErrCrossSlot, got %v", cmd, err)
		}
		for _, n := range f.cluster.Nodes() {
			if n.Count(cmd[0]) != 0 {
				t.Errorf("%v: cross slot command must not be written", cmd)
			}
		}
	}

	// keys sharing a hash tag are fine
	if _, err := f.do(t, "MGET", "{user}:1", "{user}:2"); err != nil {
		t.Errorf("same slot MGET failed: %v", err)
	}
}

func TestRouterSplit(t *testing.T) {
	f := newFixture(t, 0, RouterOptions{CrossSlot: common.CrossSlotSplit})

	if r, err := f.do(t, "MSET", "a", "1", "b", "2", "foo", "3"); err != nil || r.Text() != "OK" {
		t.Fatalf("split MSET = %v, %v", r, err)
	}
	for key, want := range map[string]string{"a": "1", "b": "2", "foo": "3"} {
		if v, _ := f.cluster.OwnerOf(key).Get(key); v != want {
			t.Errorf("%s = %q on its owner, want %q", key, v, want)
		}
	}

	r, err := f.do(t, "MGET", "foo", "missing", "a", "b")
	if err != nil {
		t.Fatalf("split MGET failed: %v", err)
	}
	if len(r.Elems) != 4 || r.Elems[0].Text() != "3" || !r.Elems[1].IsNull() ||
		r.Elems[2].Text() != "1" || r.Elems[3].Text() != "2" {
		t.Errorf("MGET reply not in key order: %v", r)
	}

	if r, err := f.do(t, "DEL", "a", "b", "foo", "missing"); err != nil || r.Int != 3 {
		t.Errorf("split DEL = %v, %v, want 3", r, err)
	}
	if r, err := f.do(t, "EXISTS", "a", "b"); err != nil || r.Int != 0 {
		t.Errorf("split EXISTS = %v, %v, want 0", r, err)
	}

	// commands without a merge rule are still rejected
	if _, err := f.do(t, "SUNION", "a", "b"); !errors.Is(err, common.ErrCrossSlot) {
		t.Errorf("expected ErrCrossSlot for SUNION, got %v", err)
	}
}

func TestRouterReadFrom(t *testing.T) {
	f := newFixture(t, 1, RouterOptions{ReadFrom: readfrom.Replica})
	c := f.cluster
	owner := c.OwnerOf("foo")
	replica := c.Replicas(f.primaryIndex(owner))[0]
	owner.Set("foo", "bar")

	if r, err := f.do(t, "GET", "foo"); err != nil || r.Text() != "bar" {
		t.Fatalf("replica GET = %v, %v", r, err)
	}
	if replica.Count("GET") != 1 || owner.Count("GET") != 0 {
		t.Errorf("read must go to the replica")
	}

	// writes always go to the primary
	if _, err := f.do(t, "SET", "foo", "baz"); err != nil {
		t.Fatalf("SET failed: %v", err)
	}
	if owner.Count("SET") != 1 || replica.Count("SET") != 0 {
		t.Errorf("write must go to the primary")
	}

	f.router.SetReadFrom(readfrom.Primary)
	if _, err := f.do(t, "GET", "foo"); err != nil {
		t.Fatalf("primary GET failed: %v", err)
	}
	if owner.Count("GET") != 1 {
		t.Errorf("read must follow the swapped policy")
	}
}

func TestRouterNoViableReadTarget(t *testing.T) {
	f := newFixture(t, 0, RouterOptions{ReadFrom: readfrom.Replica})

	_, err := f.do(t, "GET", "foo")
	if !errors.Is(err, common.ErrNoViableReadTarget) {
		t.Fatalf("expected ErrNoViableReadTarget, got %v", err)
	}
	if f.cluster.OwnerOf("foo").Count("GET") != 0 {
		t.Errorf("read without target must not be written")
	}
}

func TestRouterWithoutTopology(t *testing.T) {
	r := NewRouter(NewStore(nil, 0), &testConns{conns: map[string]*conn.Connection{}}, RouterOptions{})
	_, err := r.Dispatch(context.Background(), conn.NewStringCommand("GET", "foo")).Result()
	if !errors.Is(err, common.ErrNoPartition) {
		t.Errorf("expected ErrNoPartition, got %v", err)
	}
}

func TestNodeSourceSeeds(t *testing.T) {
	c, err := testutil.NewCluster(2, 0)
	if err != nil {
		t.Fatalf("failed to start mock cluster: %v", err)
	}
	defer c.Close()
	conns := &testConns{conns: map[string]*conn.Connection{}}
	defer conns.close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// an unreachable seed is skipped
	src := &NodeSource{Seeds: append([]string{"127.0.0.1:1"}, c.Addrs()...), Conns: conns, MaxViews: 1}
	views, err := src.Views(ctx)
	if err != nil || len(views) != 1 {
		t.Fatalf("Views = %d, %v", len(views), err)
	}
	if _, err := NewSnapshot(1, Reconcile(views...)); err != nil {
		t.Errorf("view of the mock cluster is invalid: %v", err)
	}

	src = &NodeSource{Seeds: []string{"127.0.0.1:1"}, Conns: conns}
	if _, err := src.Views(ctx); err == nil {
		t.Errorf("expected an error without reachable seeds")
	}
}

// staleConns hands out a retired connection once, as a provider does when a
// topology change closes the connection right after the lookup
type staleConns struct {
	*testConns
	stale  *conn.Connection
	handed atomic.Bool
}

func (p *staleConns) Conn(ctx context.Context, addr string) (*conn.Connection, error) {
	if addr == p.stale.Addr() && p.handed.CompareAndSwap(false, true) {
		return p.stale, nil
	}
	return p.testConns.Conn(ctx, addr)
}

func TestRouterRetiredConnection(t *testing.T) {
	f := newFixture(t, 0, RouterOptions{})
	f.cluster.OwnerOf("foo").Set("foo", "bar")
	ctx := context.Background()

	for _, retire := range []string{"closed", "quiescing"} {
		t.Run(retire, func(t *testing.T) {
			owner := f.cluster.OwnerOf("foo").Addr()
			stale, err := f.conns.Conn(ctx, owner)
			if err != nil {
				t.Fatalf("failed to connect to %s: %v", owner, err)
			}
			f.conns.mu.Lock()
			delete(f.conns.conns, owner)
			f.conns.mu.Unlock()

			if retire == "closed" {
				_ = stale.Close()
			} else {
				// a GET that never completes keeps the connection quiescing
				f.cluster.OwnerOf("foo").Hook("GET", func(conn redcon.Conn, args [][]byte) bool { return string(args[0]) == "hold" })
				defer f.cluster.OwnerOf("foo").Hook("GET", nil)
				stale.Dispatch(ctx, conn.NewStringCommand("GET", "hold"))
				qctx, cancel := context.WithCancel(ctx)
				defer cancel()
				go func() { _ = stale.Quiesce(qctx) }()
				deadline := time.Now().Add(2 * time.Second)
				for stale.State() != conn.Quiescing && time.Now().Before(deadline) {
					time.Sleep(5 * time.Millisecond)
				}
				if stale.State() != conn.Quiescing {
					t.Fatalf("connection did not start quiescing, state %s", stale.State())
				}
				defer stale.Close()
			}

			p := &staleConns{testConns: f.conns, stale: stale}
			router := NewRouter(f.store, p, RouterOptions{})
			fut := router.Dispatch(ctx, conn.NewStringCommand("GET", "foo"))
			v, err := fut.Wait(ctx)
			if err != nil {
				t.Fatalf("GET on a retired connection must be placed again, got %v", err)
			}
			if r := v.(resp.Reply); r.Text() != "bar" {
				t.Errorf("GET foo = %q, want bar", r.Text())
			}
			if !p.handed.Load() {
				t.Errorf("the retired connection was never handed out")
			}
		})
	}
}
