package conn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/redcon"

	"github.com/ValentinKolb/dRESP/rpc/common"
	"github.com/ValentinKolb/dRESP/rpc/resp"
	"github.com/ValentinKolb/dRESP/rpc/testutil"
)

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func startNode(t *testing.T, opts ...testutil.NodeOption) *testutil.Node {
	t.Helper()
	n, err := testutil.NewNode(opts...)
	if err != nil {
		t.Fatalf("failed to start mock node: %v", err)
	}
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func testOptions(addr string) Options {
	return Options{
		Addr:              addr,
		Timeout:           2 * time.Second,
		DialTimeout:       time.Second,
		AutoReconnect:     true,
		ReplayOnReconnect: true,
		BackoffMin:        10 * time.Millisecond,
		BackoffMax:        50 * time.Millisecond,
	}
}

func connect(t *testing.T, opts Options) *Connection {
	t.Helper()
	c := New(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitState(t *testing.T, c *Connection, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("connection did not reach state %s, still %s", want, c.State())
}

func wait(t *testing.T, f *Future) (interface{}, error) {
	t.Helper()
	select {
	case <-f.Done():
		return f.Result()
	case <-time.After(3 * time.Second):
		t.Fatalf("Timeout waiting for command")
		return nil, nil
	}
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestConnectionFIFO(t *testing.T) {
	n := startNode(t)
	c := connect(t, testOptions(n.Addr()))
	ctx := context.Background()

	var futures []*Future
	for i := 0; i < 200; i++ {
		futures = append(futures, c.Dispatch(ctx, NewStringCommand("INCR", "counter").WithOutput(resp.IntOutput)))
	}
	for i, f := range futures {
		v, err := wait(t, f)
		if err != nil {
			t.Fatalf("command %d failed: %v", i, err)
		}
		if v.(int64) != int64(i+1) {
			t.Fatalf("command %d completed with %d, replies are out of order", i, v)
		}
	}
	if c.Latency() <= 0 {
		t.Errorf("latency must be recorded after completed commands")
	}
}

func TestConnectionConcurrentCallers(t *testing.T) {
	n := startNode(t)
	c := connect(t, testOptions(n.Addr()))
	ctx := context.Background()

	const callers = 16
	const perCaller = 50
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perCaller; j++ {
				v, err := c.Dispatch(ctx, NewStringCommand("ECHO", "x").WithOutput(resp.StringOutput)).Wait(ctx)
				if err != nil || v != "x" {
					t.Errorf("ECHO = %v, %v", v, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := n.Count("ECHO"); got != callers*perCaller {
		t.Errorf("server received %d ECHO, want %d", got, callers*perCaller)
	}
}

func TestConnectionBackpressure(t *testing.T) {
	n := startNode(t)
	release := make(chan struct{})
	n.Hook("GET", func(conn redcon.Conn, args [][]byte) bool {
		<-release
		conn.WriteBulkString("slow")
		return true
	})

	opts := testOptions(n.Addr())
	opts.QueueSize = 1
	c := connect(t, opts)
	ctx := context.Background()

	slow := c.Dispatch(ctx, NewStringCommand("GET", "k"))

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	blocked := c.Dispatch(short, NewStringCommand("PING"))
	if _, err := wait(t, blocked); !errors.Is(err, common.ErrCanceled) {
		t.Fatalf("dispatch on a full queue must fail after ctx expired, got %v", err)
	}

	close(release)
	if _, err := wait(t, slow); err != nil {
		t.Fatalf("slow command failed: %v", err)
	}
	v, err := c.Dispatch(ctx, NewStringCommand("PING").WithOutput(resp.StatusOutput)).Wait(ctx)
	if err != nil || v != "PONG" {
		t.Errorf("PING after the queue drained = %v, %v", v, err)
	}
}

func TestConnectionReplayOnReconnect(t *testing.T) {
	n := startNode(t)
	n.Set("a", "1")
	n.Set("b", "2")
	n.Set("c", "3")
	n.Hook("GET", testutil.DropFirst())

	c := connect(t, testOptions(n.Addr()))
	gen := c.Generation()
	ctx := context.Background()

	futures := []*Future{
		c.Dispatch(ctx, NewStringCommand("GET", "a").WithOutput(resp.StringOutput)),
		c.Dispatch(ctx, NewStringCommand("GET", "b").WithOutput(resp.StringOutput)),
		c.Dispatch(ctx, NewStringCommand("GET", "c").WithOutput(resp.StringOutput)),
	}
	for i, want := range []string{"1", "2", "3"} {
		v, err := wait(t, futures[i])
		if err != nil {
			t.Fatalf("command %d failed: %v", i, err)
		}
		if v != want {
			t.Errorf("command %d = %v, want %s", i, v, want)
		}
	}

	if c.State() != Connected {
		t.Errorf("State() = %s, want connected", c.State())
	}
	if c.Generation() <= gen {
		t.Errorf("reconnect must start a new generation")
	}
	if got := n.Count("GET"); got < 4 {
		t.Errorf("expected the three GETs to be replayed, server saw %d", got)
	}
}

func TestConnectionAtMostOnce(t *testing.T) {
	n := startNode(t)
	n.Hook("GET", testutil.DropFirst())

	opts := testOptions(n.Addr())
	opts.ReplayOnReconnect = false
	c := connect(t, opts)
	ctx := context.Background()

	futures := []*Future{
		c.Dispatch(ctx, NewStringCommand("GET", "a")),
		c.Dispatch(ctx, NewStringCommand("GET", "b")),
		c.Dispatch(ctx, NewStringCommand("GET", "c")),
	}
	for i, f := range futures {
		if _, err := wait(t, f); !errors.Is(err, common.ErrConnectionLost) {
			t.Errorf("command %d: expected ErrConnectionLost, got %v", i, err)
		}
	}

	waitState(t, c, Connected)
	if _, err := c.Dispatch(ctx, NewStringCommand("PING")).Wait(ctx); err != nil {
		t.Errorf("PING after reconnect failed: %v", err)
	}
	if got := n.Count("GET"); got != 1 {
		t.Errorf("failed commands must not be resent, server saw %d GET", got)
	}
}

func TestConnectionProtocolError(t *testing.T) {
	n := startNode(t)
	n.Hook("GET", func(conn redcon.Conn, args [][]byte) bool {
		conn.WriteRaw([]byte("?garbage\r\n"))
		return true
	})

	c := connect(t, testOptions(n.Addr()))
	ctx := context.Background()

	get := c.Dispatch(ctx, NewStringCommand("GET", "k"))
	ping := c.Dispatch(ctx, NewStringCommand("PING"))

	for _, f := range []*Future{get, ping} {
		_, err := wait(t, f)
		var pe *common.ProtocolError
		if !errors.Is(err, common.ErrConnectionLost) || !errors.As(err, &pe) {
			t.Errorf("expected a lost connection caused by a protocol error, got %v", err)
		}
	}

	// the queue is failed, but the connection recovers
	waitState(t, c, Connected)
	n.Hook("GET", nil)
	if _, err := c.Dispatch(ctx, NewStringCommand("GET", "k")).Wait(ctx); err != nil {
		t.Errorf("GET after recovery failed: %v", err)
	}
}

func TestConnectionClose(t *testing.T) {
	n := startNode(t)
	n.Hook("GET", func(conn redcon.Conn, args [][]byte) bool {
		return true // never reply
	})

	var mu sync.Mutex
	var transitions []string
	opts := testOptions(n.Addr())
	c := New(opts)
	c.OnStateChange(func(from, to State) {
		mu.Lock()
		transitions = append(transitions, from.String()+">"+to.String())
		mu.Unlock()
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	pending := c.Dispatch(context.Background(), NewStringCommand("GET", "k"))

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close must be a no-op, got %v", err)
	}
	if c.State() != Closed {
		t.Errorf("State() = %s, want closed", c.State())
	}
	if _, err := wait(t, pending); !errors.Is(err, common.ErrCanceled) {
		t.Errorf("pending command: expected ErrCanceled, got %v", err)
	}
	if _, err := wait(t, c.Dispatch(context.Background(), NewStringCommand("PING"))); !errors.Is(err, common.ErrClosed) {
		t.Errorf("dispatch after close: expected ErrClosed, got %v", err)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, common.ErrClosed) {
		t.Errorf("connect after close: expected ErrClosed, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"disconnected>connecting", "connecting>connected", "connected>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestConnectionTimeoutDropsLateReply(t *testing.T) {
	n := startNode(t)
	n.Hook("GET", func(conn redcon.Conn, args [][]byte) bool {
		time.Sleep(150 * time.Millisecond)
		conn.WriteBulkString("late")
		return true
	})

	c := connect(t, testOptions(n.Addr()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.Dispatch(ctx, NewStringCommand("GET", "k")).Wait(ctx)
	if !errors.Is(err, common.ErrCanceled) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected a canceled command, got %v", err)
	}

	// the late reply is consumed in order and must not complete the next command
	v, err := c.Dispatch(context.Background(), NewStringCommand("ECHO", "next").WithOutput(resp.StringOutput)).Wait(context.Background())
	if err != nil || v != "next" {
		t.Errorf("ECHO after timeout = %v, %v", v, err)
	}
}

func TestConnectionAuth(t *testing.T) {
	n := startNode(t, testutil.WithPassword("secret"))

	t.Run("wrong password", func(t *testing.T) {
		opts := testOptions(n.Addr())
		opts.Password = "wrong"
		c := New(opts)
		defer c.Close()
		err := c.Connect(context.Background())
		if err == nil || !common.IsAuthError(err) {
			t.Fatalf("expected an auth error, got %v", err)
		}
		if c.State() != Disconnected {
			t.Errorf("State() = %s, want disconnected", c.State())
		}
	})

	t.Run("correct password", func(t *testing.T) {
		opts := testOptions(n.Addr())
		opts.Password = "secret"
		opts.DB = 2
		opts.ClientName = "test"
		c := connect(t, opts)
		if _, err := c.Dispatch(context.Background(), NewStringCommand("PING")).Wait(context.Background()); err != nil {
			t.Errorf("PING failed: %v", err)
		}
		if n.Count("SELECT") == 0 || n.Count("CLIENT") == 0 {
			t.Errorf("handshake must select the db and name the client")
		}
	})
}

func TestConnectionProtocolNegotiation(t *testing.T) {
	t.Run("fallback to RESP2", func(t *testing.T) {
		n := startNode(t)
		opts := testOptions(n.Addr())
		opts.Protocol = 3
		c := connect(t, opts)
		if c.Protocol() != 2 {
			t.Errorf("Protocol() = %d, want 2", c.Protocol())
		}
	})

	t.Run("RESP3 with push frames", func(t *testing.T) {
		n := startNode(t, testutil.WithRESP3())
		pushes := make(chan resp.Reply, 1)
		opts := testOptions(n.Addr())
		opts.Protocol = 3
		opts.PushHandler = func(msg resp.Reply) { pushes <- msg }
		c := connect(t, opts)
		if c.Protocol() != 3 {
			t.Fatalf("Protocol() = %d, want 3", c.Protocol())
		}

		if queued := n.PushTo("invalidate", "k"); queued != 1 {
			t.Fatalf("push queued for %d connections", queued)
		}

		// the push arrives ahead of the reply and does not complete the command
		v, err := c.Dispatch(context.Background(), NewStringCommand("ECHO", "x").WithOutput(resp.StringOutput)).Wait(context.Background())
		if err != nil || v != "x" {
			t.Errorf("ECHO = %v, %v", v, err)
		}
		select {
		case msg := <-pushes:
			if msg.Kind != resp.KindPush || msg.Elems[0].Text() != "invalidate" {
				t.Errorf("unexpected push %s", msg)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Timeout waiting for push")
		}
	})
}

func TestConnectionPubSub(t *testing.T) {
	n := startNode(t)
	messages := make(chan resp.Reply, 4)
	opts := testOptions(n.Addr())
	opts.PushHandler = func(msg resp.Reply) { messages <- msg }
	c := connect(t, opts)
	ctx := context.Background()

	v, err := c.Dispatch(ctx, NewStringCommand("SUBSCRIBE", "news", "sports")).Wait(ctx)
	if err != nil {
		t.Fatalf("SUBSCRIBE failed: %v", err)
	}
	if r := v.(resp.Reply); r.Elems[0].Text() != "subscribe" || r.Elems[1].Text() != "news" {
		t.Errorf("unexpected confirmation %s", r)
	}

	// wait for the second confirmation to be consumed
	deadline := time.Now().Add(2 * time.Second)
	for c.Pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Pending() != 0 {
		t.Fatalf("subscription command still pending")
	}

	n.Publish("sports", "goal")
	select {
	case msg := <-messages:
		if msg.Len() != 3 || msg.Elems[0].Text() != "message" || msg.Elems[2].Text() != "goal" {
			t.Errorf("unexpected message %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Timeout waiting for pub/sub message")
	}
}

func TestConnectionUnsubscribeAll(t *testing.T) {
	n := startNode(t)
	confirm := func(kind string, remaining int) testutil.Hook {
		return func(conn redcon.Conn, args [][]byte) bool {
			for i, ch := range args {
				conn.WriteArray(3)
				conn.WriteBulkString(kind)
				conn.WriteBulk(ch)
				if remaining < 0 {
					conn.WriteInt(i + 1)
				} else {
					conn.WriteInt(remaining)
				}
			}
			return true
		}
	}
	n.Hook("SUBSCRIBE", confirm("subscribe", -1))
	n.Hook("UNSUBSCRIBE", confirm("unsubscribe", 0))
	// a regular reply that looks like a pub/sub message
	n.Hook("LRANGE", func(conn redcon.Conn, args [][]byte) bool {
		conn.WriteArray(3)
		conn.WriteBulkString("message")
		conn.WriteBulkString("a")
		conn.WriteBulkString("b")
		return true
	})

	messages := make(chan resp.Reply, 4)
	opts := testOptions(n.Addr())
	opts.PushHandler = func(msg resp.Reply) { messages <- msg }
	c := connect(t, opts)
	ctx := context.Background()

	if _, err := wait(t, c.Dispatch(ctx, NewStringCommand("SUBSCRIBE", "news"))); err != nil {
		t.Fatalf("SUBSCRIBE failed: %v", err)
	}
	if _, err := wait(t, c.Dispatch(ctx, NewStringCommand("UNSUBSCRIBE", "news"))); err != nil {
		t.Fatalf("UNSUBSCRIBE failed: %v", err)
	}

	v, err := wait(t, c.Dispatch(ctx, NewStringCommand("LRANGE", "list", "0", "-1")))
	if err != nil {
		t.Fatalf("LRANGE failed: %v", err)
	}
	if r := v.(resp.Reply); r.Len() != 3 || r.Elems[0].Text() != "message" {
		t.Errorf("unexpected LRANGE reply %s", r)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d after all replies", c.Pending())
	}
	select {
	case msg := <-messages:
		t.Errorf("regular reply delivered as push message: %s", msg)
	default:
	}
}

func TestConnectionQuiesce(t *testing.T) {
	n := startNode(t)
	n.Hook("GET", func(conn redcon.Conn, args [][]byte) bool {
		time.Sleep(100 * time.Millisecond)
		conn.WriteBulkString("v")
		return true
	})
	c := connect(t, testOptions(n.Addr()))
	ctx := context.Background()

	inflight := c.Dispatch(ctx, NewStringCommand("GET", "k").WithOutput(resp.StringOutput))

	done := make(chan error, 1)
	go func() { done <- c.Quiesce(ctx) }()
	waitState(t, c, Quiescing)

	if _, err := wait(t, c.Dispatch(ctx, NewStringCommand("PING"))); !errors.Is(err, common.ErrQuiescing) {
		t.Errorf("dispatch while quiescing: expected ErrQuiescing, got %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Quiesce failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Timeout waiting for Quiesce")
	}
	if v, err := wait(t, inflight); err != nil || v != "v" {
		t.Errorf("in-flight command = %v, %v", v, err)
	}
	if c.State() != Disconnected {
		t.Errorf("State() = %s, want disconnected", c.State())
	}

	// a quiesced connection can be opened again
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("reconnect after quiesce failed: %v", err)
	}
	if c.State() != Connected {
		t.Errorf("State() = %s, want connected", c.State())
	}
}

func TestConnectionReconnectTo(t *testing.T) {
	first := startNode(t)
	second := startNode(t)
	c := connect(t, testOptions(first.Addr()))
	ctx := context.Background()

	c.ReconnectTo(second.Addr())
	waitState(t, c, Connected)
	if c.Addr() != second.Addr() {
		t.Fatalf("Addr() = %s, want %s", c.Addr(), second.Addr())
	}

	if _, err := c.Dispatch(ctx, NewStringCommand("PING")).Wait(ctx); err != nil {
		t.Fatalf("PING failed: %v", err)
	}
	if second.Count("PING") != 1 || first.Count("PING") != 0 {
		t.Errorf("PING must reach the new endpoint only")
	}
}

func TestConnectionGiveUp(t *testing.T) {
	n := startNode(t)
	opts := testOptions(n.Addr())
	opts.MaxReconnectAttempts = 2
	opts.BackoffMin = 300 * time.Millisecond
	opts.BackoffMax = 300 * time.Millisecond
	c := connect(t, opts)
	ctx := context.Background()

	_ = n.Close()
	waitState(t, c, Reconnecting)

	// queued while reconnecting, failed when the attempts are exhausted
	queued := c.Dispatch(ctx, NewStringCommand("PING"))
	if _, err := wait(t, queued); !errors.Is(err, common.ErrConnectionFatal) {
		t.Errorf("expected ErrConnectionFatal, got %v", err)
	}
	waitState(t, c, Disconnected)

	if _, err := wait(t, c.Dispatch(ctx, NewStringCommand("PING"))); !errors.Is(err, common.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestConnectionReconnectToAfterGiveUp(t *testing.T) {
	first := startNode(t)
	second := startNode(t)
	opts := testOptions(first.Addr())
	opts.MaxReconnectAttempts = 2
	c := connect(t, opts)
	ctx := context.Background()

	_ = first.Close()
	waitState(t, c, Disconnected)

	// a connection that gave up follows the move to a new endpoint
	c.ReconnectTo(second.Addr())
	waitState(t, c, Connected)
	if _, err := wait(t, c.Dispatch(ctx, NewStringCommand("PING"))); err != nil {
		t.Fatalf("PING after move failed: %v", err)
	}
	if second.Count("PING") != 1 {
		t.Errorf("PING must reach the new endpoint")
	}

	// closed connections stay closed
	_ = c.Close()
	c.ReconnectTo(first.Addr())
	if c.State() != Closed {
		t.Errorf("State() = %s, want closed", c.State())
	}
}
