// Package sentinel resolves the primary of a monitored master set through a
// list of sentinel monitors and follows its failovers.
//
// The resolved MasterView is swapped atomically and guarded by the sentinel
// config epoch: a view is only replaced by one with a strictly higher epoch,
// so late or duplicated +switch-master notifications never move a client back
// to an old primary.
package sentinel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/ValentinKolb/dRESP/rpc/common"
	"github.com/ValentinKolb/dRESP/rpc/conn"
	"github.com/ValentinKolb/dRESP/rpc/metrics"
	"github.com/ValentinKolb/dRESP/rpc/resp"
)

var Logger = logger.GetLogger("sentinel")

// SwitchMasterChannel is the channel sentinels announce failovers on
const SwitchMasterChannel = "+switch-master"

// MasterView is the resolved primary of a master set
type MasterView struct {
	Name  string
	Addr  string
	Epoch uint64
}

// Notification is a failover announcement
type Notification struct {
	Name  string
	Old   string
	New   string
	Epoch uint64
}

// ReplicaInfo is a replica reported by a monitor
type ReplicaInfo struct {
	Addr  string
	Flags []string
}

// FailoverListener is called after the resolved primary moved
type FailoverListener func(old, new MasterView)

// Options configures a Discovery
type Options struct {
	MasterName string
	Monitors   []string
	// Conn is the template of monitor connections, Addr is set per monitor
	Conn conn.Options
	// Timeout bounds a single monitor query (default 5s)
	Timeout time.Duration
	// RetryInterval is the pause before the watch subscribes again (default 1s)
	RetryInterval time.Duration
}

// Discovery resolves a master set through its monitors
type Discovery struct {
	name    string
	opts    Options
	timeout time.Duration
	retry   time.Duration

	mu        sync.Mutex // guards monitors, listeners and closed
	monitors  []string
	listeners []FailoverListener
	closed    bool

	view       atomic.Pointer[MasterView]
	subscribed atomic.Bool

	closeCh chan struct{}
	wg      sync.WaitGroup
}

// New creates a discovery for opts.MasterName. Nothing is resolved yet.
func New(opts Options) (*Discovery, error) {
	if opts.MasterName == "" {
		return nil, errors.New("sentinel discovery needs a master name")
	}
	if len(opts.Monitors) == 0 {
		return nil, errors.New("sentinel discovery needs at least one monitor")
	}
	d := &Discovery{
		name:     opts.MasterName,
		opts:     opts,
		timeout:  opts.Timeout,
		retry:    opts.RetryInterval,
		monitors: append([]string(nil), opts.Monitors...),
		closeCh:  make(chan struct{}),
	}
	if d.timeout <= 0 {
		d.timeout = 5 * time.Second
	}
	if d.retry <= 0 {
		d.retry = time.Second
	}
	return d, nil
}

// Name returns the name of the master set
func (d *Discovery) Name() string { return d.name }

// Master returns the current view, the zero view before the first resolution
func (d *Discovery) Master() MasterView {
	if v := d.view.Load(); v != nil {
		return *v
	}
	return MasterView{}
}

// Monitors returns the monitor addresses in query order
func (d *Discovery) Monitors() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.monitors...)
}

// Watching reports whether the failover subscription is active
func (d *Discovery) Watching() bool { return d.subscribed.Load() }

// OnFailover registers a listener for primary moves
func (d *Discovery) OnFailover(l FailoverListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

// --------------------------------------------------------------------------
// Resolution
// --------------------------------------------------------------------------

// Resolve asks the monitors in order for the primary. The first monitor that
// answers is moved to the front of the list. A view with a higher epoch than
// the current one is applied like a notification. If no monitor answers,
// the error wraps common.ErrDiscovery and every single failure.
func (d *Discovery) Resolve(ctx context.Context) (MasterView, error) {
	var errs []error
	for _, addr := range d.Monitors() {
		view, err := d.queryMaster(ctx, addr)
		if err != nil {
			Logger.Debugf("monitor %s did not resolve %s: %v", addr, d.name, err)
			errs = append(errs, fmt.Errorf("%s: %w", addr, err))
			continue
		}
		d.promote(addr)

		cur := d.Master()
		if cur.Addr == "" || view.Epoch > cur.Epoch {
			d.ApplyNotification(Notification{Name: d.name, Old: cur.Addr, New: view.Addr, Epoch: view.Epoch})
		}
		return d.Master(), nil
	}
	return MasterView{}, fmt.Errorf("%w: master %q: %w", common.ErrDiscovery, d.name, errors.Join(errs...))
}

// Replicas asks the monitors in order for the replicas of the master set.
// Replicas flagged s_down, o_down or disconnected are left out.
func (d *Discovery) Replicas(ctx context.Context) ([]ReplicaInfo, error) {
	var errs []error
	for _, addr := range d.Monitors() {
		r, err := d.query(ctx, addr, "SENTINEL", "REPLICAS", d.name)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", addr, err))
			continue
		}
		var replicas []ReplicaInfo
		for _, entry := range r.Elems {
			fields := parseFields(entry)
			info := ReplicaInfo{
				Addr:  net.JoinHostPort(fields["ip"], fields["port"]),
				Flags: strings.Split(fields["flags"], ","),
			}
			if !usable(info.Flags) || (fields["master-link-status"] != "" && fields["master-link-status"] != "ok") {
				continue
			}
			replicas = append(replicas, info)
		}
		return replicas, nil
	}
	return nil, fmt.Errorf("%w: replicas of %q: %w", common.ErrDiscovery, d.name, errors.Join(errs...))
}

func usable(flags []string) bool {
	for _, f := range flags {
		switch f {
		case "s_down", "o_down", "disconnected":
			return false
		}
	}
	return true
}

// promote moves addr to the front of the monitor list
func (d *Discovery) promote(addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, m := range d.monitors {
		if m == addr {
			copy(d.monitors[1:i+1], d.monitors[:i])
			d.monitors[0] = addr
			return
		}
	}
}

// queryMaster reads address and config epoch of the master set from addr
func (d *Discovery) queryMaster(ctx context.Context, addr string) (MasterView, error) {
	r, err := d.query(ctx, addr, "SENTINEL", "MASTER", d.name)
	if err != nil {
		return MasterView{}, err
	}
	fields := parseFields(r)
	if fields["ip"] == "" || fields["port"] == "" {
		return MasterView{}, fmt.Errorf("SENTINEL MASTER reply without address")
	}
	view := MasterView{Name: d.name, Addr: net.JoinHostPort(fields["ip"], fields["port"])}
	if e, ok := fields["config-epoch"]; ok {
		if view.Epoch, err = strconv.ParseUint(e, 10, 64); err != nil {
			return MasterView{}, fmt.Errorf("invalid config-epoch %q", e)
		}
	}
	return view, nil
}

// query runs one command on a short lived monitor connection
func (d *Discovery) query(ctx context.Context, addr string, args ...string) (resp.Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	c := conn.New(d.connOptions(addr))
	defer c.Close()
	if err := c.Connect(ctx); err != nil {
		return resp.Reply{}, err
	}
	v, err := c.Dispatch(ctx, conn.NewStringCommand(args[0], args[1:]...)).Wait(ctx)
	if err != nil {
		return resp.Reply{}, err
	}
	r := v.(resp.Reply)
	if err := r.Err(); err != nil {
		return resp.Reply{}, err
	}
	if r.IsNull() {
		return resp.Reply{}, fmt.Errorf("monitor does not know master %q", d.name)
	}
	return r, nil
}

func (d *Discovery) connOptions(addr string) conn.Options {
	opts := d.opts.Conn
	opts.Addr = addr
	opts.AutoReconnect = false
	opts.ReadOnly = false
	opts.DB = 0
	opts.PushHandler = nil
	if opts.DialTimeout <= 0 || opts.DialTimeout > d.timeout {
		opts.DialTimeout = d.timeout
	}
	return opts
}

// parseFields turns a flat field/value array (or a RESP3 map) into a map
func parseFields(r resp.Reply) map[string]string {
	fields := make(map[string]string, len(r.Elems)/2)
	for i := 0; i+1 < len(r.Elems); i += 2 {
		fields[r.Elems[i].Text()] = r.Elems[i+1].Text()
	}
	return fields
}

// --------------------------------------------------------------------------
// Failover
// --------------------------------------------------------------------------

// ParseSwitchMaster parses a +switch-master payload:
//
//	<name> <old-ip> <old-port> <new-ip> <new-port>
//
// The payload carries no epoch, it is read back from the monitor.
func ParseSwitchMaster(payload string) (Notification, error) {
	f := strings.Fields(payload)
	if len(f) != 5 {
		return Notification{}, fmt.Errorf("malformed %s message %q", SwitchMasterChannel, payload)
	}
	return Notification{
		Name: f[0],
		Old:  net.JoinHostPort(f[1], f[2]),
		New:  net.JoinHostPort(f[3], f[4]),
	}, nil
}

// ApplyNotification swaps the view if n names this master set and carries a
// strictly higher epoch than the current view. Listeners are called after the
// swap when the primary address changed. It reports whether the view changed.
func (d *Discovery) ApplyNotification(n Notification) bool {
	if n.Name != d.name {
		return false
	}

	d.mu.Lock()
	cur := d.view.Load()
	if cur != nil && n.Epoch <= cur.Epoch {
		d.mu.Unlock()
		Logger.Debugf("ignored stale failover of %s to %s (epoch %d, current %d)", d.name, n.New, n.Epoch, cur.Epoch)
		return false
	}
	next := &MasterView{Name: d.name, Addr: n.New, Epoch: n.Epoch}
	d.view.Store(next)
	listeners := append([]FailoverListener(nil), d.listeners...)
	d.mu.Unlock()

	if cur == nil {
		Logger.Infof("resolved master %s at %s (epoch %d)", d.name, next.Addr, next.Epoch)
		return true
	}
	if cur.Addr == next.Addr {
		return true
	}

	metrics.RecordFailover()
	Logger.Infof("master %s moved from %s to %s (epoch %d)", d.name, cur.Addr, next.Addr, next.Epoch)
	for _, l := range listeners {
		l(*cur, *next)
	}
	return true
}

// --------------------------------------------------------------------------
// Watch
// --------------------------------------------------------------------------

// Watch subscribes to SwitchMasterChannel on the first reachable monitor and
// applies its notifications until ctx is done or the discovery is closed.
// When the subscription breaks, the master is resolved again (to catch up on
// failovers announced in between) and the next monitor is tried.
func (d *Discovery) Watch(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return common.ErrClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()
	defer d.wg.Done()

	for {
		err := d.watchOnce(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.closeCh:
			return nil
		default:
		}
		Logger.Warningf("watch of %s interrupted: %v", d.name, err)

		if _, err := d.Resolve(ctx); err != nil {
			Logger.Warningf("failed to resolve %s: %v", d.name, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.closeCh:
			return nil
		case <-time.After(d.retry):
		}
	}
}

// watchOnce holds one subscription until it breaks
func (d *Discovery) watchOnce(ctx context.Context) error {
	var errs []error
	for _, addr := range d.Monitors() {
		c, lost, err := d.subscribe(ctx, addr)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", addr, err))
			continue
		}
		d.subscribed.Store(true)
		Logger.Infof("watching %s of %s on %s", SwitchMasterChannel, d.name, addr)

		select {
		case <-lost:
		case <-ctx.Done():
		case <-d.closeCh:
		}
		d.subscribed.Store(false)
		_ = c.Close()
		return fmt.Errorf("subscription on %s ended", addr)
	}
	return fmt.Errorf("%w: no monitor accepted the subscription: %w", common.ErrDiscovery, errors.Join(errs...))
}

// subscribe opens the subscribed connection. lost is closed when the
// connection leaves the connected state.
func (d *Discovery) subscribe(ctx context.Context, addr string) (*conn.Connection, <-chan struct{}, error) {
	c := conn.New(d.connOptions(addr))

	lost := make(chan struct{})
	var once sync.Once
	c.OnStateChange(func(from, to conn.State) {
		if from == conn.Connected {
			once.Do(func() { close(lost) })
		}
	})
	c.OnPush(func(msg resp.Reply) { d.handleMessage(addr, msg) })

	sctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := c.Connect(sctx); err != nil {
		_ = c.Close()
		return nil, nil, err
	}
	if _, err := c.Dispatch(sctx, conn.NewStringCommand("SUBSCRIBE", SwitchMasterChannel)).Wait(sctx); err != nil {
		_ = c.Close()
		return nil, nil, err
	}
	return c, lost, nil
}

// handleMessage applies a +switch-master message received from the monitor at addr
func (d *Discovery) handleMessage(addr string, msg resp.Reply) {
	if len(msg.Elems) < 3 || msg.Elems[0].Text() != "message" || msg.Elems[1].Text() != SwitchMasterChannel {
		return
	}
	n, err := ParseSwitchMaster(msg.Elems[2].Text())
	if err != nil {
		Logger.Warningf("%v", err)
		return
	}
	if n.Name != d.name {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	view, err := d.queryMaster(ctx, addr)
	if err != nil {
		Logger.Warningf("failed to read the config epoch of %s from %s: %v", d.name, addr, err)
		return
	}
	if view.Addr != n.New {
		// a later failover already happened, the monitor's state wins
		Logger.Debugf("failover of %s to %s superseded by %s", d.name, n.New, view.Addr)
		n.New = view.Addr
	}
	n.Epoch = view.Epoch
	d.ApplyNotification(n)
}

// Close stops a running Watch
func (d *Discovery) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.closeCh)
	d.mu.Unlock()
	d.wg.Wait()
	return nil
}
