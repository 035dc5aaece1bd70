package conn

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/openzipkin/zipkin-go/idgenerator"
	"github.com/openzipkin/zipkin-go/model"
	gometrics "github.com/rcrowley/go-metrics"

	"github.com/ValentinKolb/dRESP/rpc/common"
	"github.com/ValentinKolb/dRESP/rpc/metrics"
	"github.com/ValentinKolb/dRESP/rpc/resp"
)

var Logger = logger.GetLogger("conn")

var ids = idgenerator.NewRandom64()

const readBufferSize = 16 * 1024

// Connection owns one transport and one command queue. It multiplexes any
// number of concurrent callers over the transport, replies complete the
// queued commands in send order.
//
// A single mutex guards the state, the transport, the generation and every
// write, so a command is fully written before the next one is accepted. The
// reader goroutine of a transport only acts while its generation is current:
// a reader of a replaced transport can never complete or fail a command.
type Connection struct {
	id   string
	opts Options

	mu         sync.Mutex
	state      atomic.Int32
	addr       string
	nc         net.Conn
	gen        uint64
	protocol   int
	subscribed bool
	channels   int64 // subscriptions reported by the last (p)(un)subscribe confirmation
	shards     int64 // shard channels reported by the last s(un)subscribe confirmation
	wbuf       []byte
	listeners  []StateListener

	queue   *Queue
	pushes  *pushQueue
	closeCh chan struct{}
	latency gometrics.Histogram
}

// New creates a disconnected connection, call Connect to open it
func New(opts Options) *Connection {
	opts.withDefaults()
	c := &Connection{
		id:      ids.SpanID(model.TraceID{}).String(),
		opts:    opts,
		addr:    opts.Addr,
		queue:   NewQueue(opts.QueueSize),
		closeCh: make(chan struct{}),
		latency: gometrics.NewHistogram(gometrics.NewExpDecaySample(1028, 0.015)),
	}
	c.pushes = newPushQueue(c.handlePush)
	return c
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// ID returns the unique id of the connection (used in logs and the client name)
func (c *Connection) ID() string { return c.id }

// State returns the current state, it never blocks
func (c *Connection) State() State { return State(c.state.Load()) }

// Addr returns the endpoint the connection (re)connects to
func (c *Connection) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// Protocol returns the negotiated protocol version (2 or 3)
func (c *Connection) Protocol() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocol
}

// Generation returns the generation of the current transport, it grows with every transport change
func (c *Connection) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Pending returns the number of queued commands
func (c *Connection) Pending() int { return c.queue.Len() }

// Latency returns the decaying mean of the command round trip time
func (c *Connection) Latency() time.Duration {
	if c.latency.Count() == 0 {
		return 0
	}
	return time.Duration(c.latency.Mean()) * time.Microsecond
}

// OnStateChange registers a listener for state transitions
func (c *Connection) OnStateChange(l StateListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// OnPush replaces the push handler
func (c *Connection) OnPush(h PushHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.PushHandler = h
}

func (c *Connection) setStateLocked(to State) {
	from := State(c.state.Swap(int32(to)))
	if from == to {
		return
	}
	Logger.Debugf("[%s] %s: %s -> %s", c.id, c.addr, from, to)
	for _, l := range c.listeners {
		l(from, to)
	}
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Connect opens the transport and runs the handshake. It is a no-op for a
// connection that is already connected or (re)connecting.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.State() {
	case Closed:
		c.mu.Unlock()
		return common.ErrClosed
	case Disconnected:
		c.setStateLocked(Connecting)
	default:
		c.mu.Unlock()
		return nil
	}
	addr := c.addr
	c.mu.Unlock()

	nc, proto, err := c.dial(ctx, addr)

	c.mu.Lock()
	if c.State() != Connecting {
		c.mu.Unlock()
		if nc != nil {
			_ = nc.Close()
		}
		return common.ErrClosed
	}
	if err != nil {
		// commands buffered while connecting cannot be sent
		c.setStateLocked(Disconnected)
		failed := c.queue.Drain()
		c.mu.Unlock()
		failAll(failed, fmt.Errorf("%w: %w", common.ErrConnectionFatal, err))
		return err
	}
	if c.addr != addr {
		// the endpoint moved while dialing
		_ = nc.Close()
		c.setStateLocked(Reconnecting)
		go c.reconnectLoop()
		c.mu.Unlock()
		return nil
	}
	c.installLocked(nc, proto)
	c.mu.Unlock()

	metrics.ConnectionsChanged(1)
	Logger.Infof("[%s] connected to %s (RESP%d)", c.id, addr, proto)
	return nil
}

// Quiesce stops accepting commands, waits until all in-flight commands are
// completed and releases the transport. Commands still pending when ctx
// expires fail with common.ErrConnectionLost.
func (c *Connection) Quiesce(ctx context.Context) error {
	c.mu.Lock()
	switch c.State() {
	case Closed:
		c.mu.Unlock()
		return common.ErrClosed
	case Connected:
		c.setStateLocked(Quiescing)
	default:
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	err := c.queue.WaitEmpty(ctx)

	c.mu.Lock()
	if c.State() != Quiescing {
		c.mu.Unlock()
		return err
	}
	c.releaseTransportLocked()
	c.setStateLocked(Disconnected)
	failed := c.queue.Drain()
	c.mu.Unlock()

	metrics.ConnectionsChanged(-1)
	failAll(failed, common.ErrConnectionLost)
	return err
}

// ReconnectTo moves the connection to a new endpoint (e.g. after a failover).
// A connected connection is torn down and reconnects to addr, queued commands
// follow the replay policy. A disconnected connection (auto reconnect off or
// attempts exhausted) starts reconnecting to addr with a fresh attempt budget.
func (c *Connection) ReconnectTo(addr string) {
	c.mu.Lock()
	state := c.State()
	if state == Closed || (c.addr == addr && state != Disconnected) {
		c.mu.Unlock()
		return
	}
	if c.addr != addr {
		Logger.Infof("[%s] endpoint moves from %s to %s", c.id, c.addr, addr)
		c.addr = addr
	}

	var failed []*Command
	switch state {
	case Connected:
		failed = c.teardownLocked(fmt.Errorf("endpoint moved to %s", addr), true)
	case Disconnected:
		c.setStateLocked(Reconnecting)
		go c.reconnectLoop()
	}
	c.mu.Unlock()

	failAll(failed, common.ErrConnectionLost)
}

// Close releases the transport and fails all pending commands with
// common.ErrCanceled. It is valid in any state and idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	prev := c.State()
	if prev == Closed {
		c.mu.Unlock()
		return nil
	}
	hadTransport := c.nc != nil
	c.releaseTransportLocked()
	c.setStateLocked(Closed)
	close(c.closeCh)
	failed := c.queue.Drain()
	c.mu.Unlock()

	if hadTransport {
		metrics.ConnectionsChanged(-1)
	}
	failAll(failed, common.ErrCanceled)
	c.pushes.close()
	Logger.Debugf("[%s] closed (was %s)", c.id, prev)
	return nil
}

// installLocked makes nc the current transport: it starts a new generation,
// replays the queued commands in order and starts the reader
func (c *Connection) installLocked(nc net.Conn, proto int) {
	c.gen++
	c.nc = nc
	c.protocol = proto
	c.subscribed = false
	c.channels, c.shards = 0, 0

	// canceled commands that never reached the wire are skipped
	if n := c.queue.RemoveDone(); n > 0 {
		Logger.Debugf("[%s] skipped %d canceled commands", c.id, n)
	}
	replay := c.queue.Snapshot()
	if len(replay) > 0 {
		Logger.Infof("[%s] replaying %d commands", c.id, len(replay))
		c.writeLocked(replay)
	}

	go c.readLoop(nc, c.gen)
	c.setStateLocked(Connected)
}

// releaseTransportLocked closes the transport and invalidates its reader
func (c *Connection) releaseTransportLocked() {
	if c.nc != nil {
		_ = c.nc.Close()
		c.nc = nil
	}
	c.gen++
}

// teardownLocked handles the loss of the transport. It returns the commands
// that must fail, the rest stays queued for the replay after a reconnect.
func (c *Connection) teardownLocked(cause error, forceReconnect bool) []*Command {
	c.releaseTransportLocked()
	metrics.ConnectionsChanged(-1)

	var pe *common.ProtocolError
	isProtocol := errors.As(cause, &pe)

	if c.State() == Quiescing || !(c.opts.AutoReconnect || forceReconnect) {
		c.setStateLocked(Disconnected)
		return c.queue.Drain()
	}

	var failed []*Command
	if isProtocol || !c.opts.ReplayOnReconnect {
		// the partial state of a broken stream cannot be trusted
		failed = c.queue.Drain()
	}
	c.setStateLocked(Reconnecting)
	go c.reconnectLoop()
	return failed
}

// --------------------------------------------------------------------------
// Reconnect
// --------------------------------------------------------------------------

// reconnectLoop retries with bounded exponential backoff until it succeeds,
// the attempts are exhausted, a non-retryable error occurs or the connection
// leaves the reconnecting state
func (c *Connection) reconnectLoop() {
	backoff := c.opts.BackoffMin
	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			// backoff with +-10% jitter
			jitter := time.Duration(float64(backoff) * (0.9 + 0.2*rand.Float64()))
			select {
			case <-c.closeCh:
				return
			case <-time.After(jitter):
			}
			backoff = min(backoff*2, c.opts.BackoffMax)
		}

		c.mu.Lock()
		if c.State() != Reconnecting {
			c.mu.Unlock()
			return
		}
		addr := c.addr
		c.mu.Unlock()

		nc, proto, err := c.dial(context.Background(), addr)
		if err == nil {
			c.mu.Lock()
			if c.State() != Reconnecting {
				c.mu.Unlock()
				_ = nc.Close()
				return
			}
			if c.addr != addr {
				c.mu.Unlock()
				_ = nc.Close()
				backoff = c.opts.BackoffMin
				continue
			}
			c.installLocked(nc, proto)
			c.mu.Unlock()

			metrics.RecordReconnect(true)
			metrics.ConnectionsChanged(1)
			Logger.Infof("[%s] reconnected to %s after %d attempt(s)", c.id, addr, attempt)
			return
		}

		metrics.RecordReconnect(false)
		Logger.Warningf("[%s] reconnect attempt %d to %s failed: %v", c.id, attempt, addr, err)

		if common.IsAuthError(err) {
			c.giveUp(err)
			return
		}
		if c.opts.MaxReconnectAttempts > 0 && attempt >= c.opts.MaxReconnectAttempts {
			c.giveUp(fmt.Errorf("gave up after %d attempts: %w", attempt, err))
			return
		}
	}
}

// giveUp moves a reconnecting connection to disconnected and fails everything queued
func (c *Connection) giveUp(cause error) {
	c.mu.Lock()
	if c.State() != Reconnecting {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(Disconnected)
	failed := c.queue.Drain()
	c.mu.Unlock()

	Logger.Errorf("[%s] connection to %s failed permanently: %v", c.id, c.Addr(), cause)
	failAll(failed, fmt.Errorf("%w: %w", common.ErrConnectionFatal, cause))
}

// --------------------------------------------------------------------------
// Dispatch
// --------------------------------------------------------------------------

// Dispatch queues a command and returns its completion handle. Errors
// (closed, quiescing, not connected, ctx done while waiting for a queue slot)
// are reported through the handle.
func (c *Connection) Dispatch(ctx context.Context, cmd *Command) *Future {
	c.DispatchBatch(ctx, cmd)
	return cmd.Future()
}

// DispatchBatch queues several commands and writes them back to back, no
// other command can be interleaved (used for ASKING + command)
func (c *Connection) DispatchBatch(ctx context.Context, cmds ...*Command) {
	if err := c.Enqueue(ctx, cmds...); err != nil {
		failAll(cmds, err)
	}
}

// Enqueue is DispatchBatch without failing the commands when they are not
// admitted: the error is returned and the commands stay untouched, so the
// caller can place them on another connection.
func (c *Connection) Enqueue(ctx context.Context, cmds ...*Command) error {
	if err := c.admitErr(); err != nil {
		return err
	}
	if err := c.queue.Acquire(ctx, len(cmds)); err != nil {
		return fmt.Errorf("%w: %w", common.ErrCanceled, err)
	}

	c.mu.Lock()
	if err := c.admitErr(); err != nil {
		c.mu.Unlock()
		c.queue.Release(len(cmds))
		return err
	}
	now := time.Now()
	for _, cmd := range cmds {
		cmd.gen = c.gen
		if cmd.started.IsZero() {
			cmd.started = now
		}
		c.queue.Push(cmd)
	}
	// while (re)connecting the commands wait in the queue for the replay
	if c.State() == Connected {
		c.writeLocked(cmds)
	}
	c.mu.Unlock()

	for _, cmd := range cmds {
		c.armTimeout(ctx, cmd)
	}
	return nil
}

// admitErr returns the error for dispatching in the current state
func (c *Connection) admitErr() error {
	switch c.State() {
	case Closed:
		return common.ErrClosed
	case Quiescing:
		return common.ErrQuiescing
	case Disconnected:
		return common.ErrNotConnected
	}
	return nil
}

// writeLocked encodes and writes commands. A write error closes the
// transport, the reader then runs the failure handling.
func (c *Connection) writeLocked(cmds []*Command) {
	buf := c.wbuf[:0]
	for _, cmd := range cmds {
		cmd.gen = c.gen
		cmd.confirms = cmd.expectedConfirms()
		if cmd.confirms > 0 {
			c.subscribed = true
		}
		buf = cmd.Append(buf)
	}
	_ = c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout()))
	if _, err := c.nc.Write(buf); err != nil {
		Logger.Warningf("[%s] write to %s failed: %v", c.id, c.addr, err)
		_ = c.nc.Close()
	}
	if cap(buf) <= 64*1024 {
		c.wbuf = buf[:0]
	}
}

// writeTimeout bounds a write so a stalled peer cannot hold the connection lock forever
func (c *Connection) writeTimeout() time.Duration {
	return max(c.opts.Timeout, c.opts.DialTimeout)
}

// armTimeout cancels the command when ctx is done or, for contexts without
// deadline, after the default timeout
func (c *Connection) armTimeout(ctx context.Context, cmd *Command) {
	f := cmd.Future()
	if f.IsDone() {
		return
	}
	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() { f.Cancel(context.Cause(ctx)) })
		f.OnComplete(func() { stop() })
	}
	if _, ok := ctx.Deadline(); !ok && c.opts.Timeout > 0 {
		t := time.AfterFunc(c.opts.Timeout, func() { f.Cancel(context.DeadlineExceeded) })
		f.OnComplete(func() { t.Stop() })
	}
}

// --------------------------------------------------------------------------
// Reader
// --------------------------------------------------------------------------

// readLoop decodes the replies of one transport generation
func (c *Connection) readLoop(nc net.Conn, gen uint64) {
	dec := resp.NewDecoder()
	buf := make([]byte, readBufferSize)
	for {
		n, err := nc.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				r, derr := dec.Next()
				if errors.Is(derr, resp.ErrIncomplete) {
					break
				}
				if derr != nil {
					Logger.Errorf("[%s] %v, tearing down the connection", c.id, derr)
					c.handleFailure(gen, derr)
					return
				}
				if !c.handleReply(gen, r) {
					return
				}
			}
		}
		if err != nil {
			c.handleFailure(gen, err)
			return
		}
	}
}

// handleFailure runs the failure handling if gen is still the current generation
func (c *Connection) handleFailure(gen uint64, cause error) {
	c.mu.Lock()
	state := c.State()
	if gen != c.gen || (state != Connected && state != Quiescing) {
		c.mu.Unlock()
		return
	}
	Logger.Warningf("[%s] transport to %s failed: %v", c.id, c.addr, cause)
	failed := c.teardownLocked(cause, false)
	c.mu.Unlock()

	err := fmt.Errorf("%w: %w", common.ErrConnectionLost, cause)
	var pe *common.ProtocolError
	if errors.As(cause, &pe) {
		err = fmt.Errorf("%w: %w", common.ErrConnectionLost, pe)
	}
	failAll(failed, err)
}

// handleReply matches a reply against the queue. It returns false if the
// reader must stop (stale generation or a reply without command).
func (c *Connection) handleReply(gen uint64, r resp.Reply) bool {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false
	}

	if kind, ok := c.pubsubKind(r); ok {
		head := c.queue.Peek()
		if isConfirmation(kind) && r.Kind == resp.KindArray {
			c.trackSubscriptionsLocked(kind, r, head)
		}
		if !isConfirmation(kind) || head == nil || head.confirms == 0 || !confirms(head.Name, kind) {
			// pub/sub message or a confirmation no command waits for
			c.mu.Unlock()
			c.pushes.push(r)
			return true
		}
		head.confirms--
		if head.confirms > 0 {
			// the first confirmation completes the command, it stays queued for the rest
			c.mu.Unlock()
			head.complete(r)
			return true
		}
	}

	cmd := c.queue.Pop()
	addr := c.addr
	if cmd == nil {
		c.mu.Unlock()
		c.handleFailure(gen, common.NewProtocolError("reply without pending command: %s", r.Kind))
		return false
	}
	c.mu.Unlock()

	c.complete(cmd, r, addr)
	return true
}

// pubsubKind classifies push frames and, on subscribed RESP2 connections,
// pub/sub arrays. ok is false for regular replies.
func (c *Connection) pubsubKind(r resp.Reply) (string, bool) {
	if r.Kind != resp.KindPush && !(c.subscribed && r.Kind == resp.KindArray) {
		return "", false
	}
	if len(r.Elems) == 0 {
		return "", r.Kind == resp.KindPush
	}
	kind := r.Elems[0].Text()
	if r.Kind == resp.KindPush {
		return kind, true
	}
	switch kind {
	case "message", "pmessage", "smessage",
		"subscribe", "psubscribe", "ssubscribe",
		"unsubscribe", "punsubscribe", "sunsubscribe":
		return kind, true
	}
	return "", false
}

// trackSubscriptionsLocked records the subscription counts of a RESP2
// confirmation. Once nothing is subscribed and no subscription command is
// pending, arrays are regular replies again.
func (c *Connection) trackSubscriptionsLocked(kind string, r resp.Reply, head *Command) {
	if len(r.Elems) < 3 || r.Elems[2].Kind != resp.KindInt {
		return
	}
	if kind == "ssubscribe" || kind == "sunsubscribe" {
		c.shards = r.Elems[2].Int
	} else {
		c.channels = r.Elems[2].Int
	}
	if c.channels > 0 || c.shards > 0 {
		return
	}
	for _, cmd := range c.queue.Snapshot() {
		if cmd == head && cmd.confirms <= 1 {
			// this confirmation is the last one of the head
			continue
		}
		if cmd.confirms > 0 || IsSubscription(cmd.Name) {
			return
		}
	}
	c.subscribed = false
}

func isConfirmation(kind string) bool {
	switch kind {
	case "subscribe", "psubscribe", "ssubscribe", "unsubscribe", "punsubscribe", "sunsubscribe":
		return true
	}
	return false
}

// confirms reports whether a confirmation of kind belongs to the command name
func confirms(name, kind string) bool {
	switch name {
	case "SUBSCRIBE":
		return kind == "subscribe"
	case "PSUBSCRIBE":
		return kind == "psubscribe"
	case "SSUBSCRIBE":
		return kind == "ssubscribe"
	case "UNSUBSCRIBE":
		return kind == "unsubscribe"
	case "PUNSUBSCRIBE":
		return kind == "punsubscribe"
	case "SUNSUBSCRIBE":
		return kind == "sunsubscribe"
	}
	return false
}

// complete resolves a popped command or hands a redirection to its handler
func (c *Connection) complete(cmd *Command, r resp.Reply, addr string) {
	if cmd.OnRedirect != nil && r.Kind == resp.KindError {
		if redir, ok := resp.ParseRedirection(r); ok {
			if !cmd.Future().IsDone() {
				cmd.OnRedirect(cmd, redir, addr)
			}
			return
		}
	}

	elapsed := time.Since(cmd.started)
	resolved, err := cmd.complete(r)
	if !resolved {
		Logger.Debugf("[%s] dropped reply of resolved command %s", c.id, cmd.Name)
		return
	}
	c.latency.Update(elapsed.Microseconds())
	metrics.RecordCommand(cmd.Name, elapsed, err)
}

// handlePush delivers a push message to the handler
func (c *Connection) handlePush(msg resp.Reply) {
	c.mu.Lock()
	h := c.opts.PushHandler
	c.mu.Unlock()
	if h == nil {
		Logger.Debugf("[%s] dropped push message %v", c.id, msg)
		return
	}
	h(msg)
}
