package cluster

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dRESP/rpc/cluster/hash"
	"github.com/ValentinKolb/dRESP/rpc/common"
	"github.com/ValentinKolb/dRESP/rpc/conn"
	"github.com/ValentinKolb/dRESP/rpc/metrics"
	"github.com/ValentinKolb/dRESP/rpc/readfrom"
	"github.com/ValentinKolb/dRESP/rpc/resp"
)

// ConnProvider hands out the connection of a node address. The client owns
// the connections, the router never closes them.
type ConnProvider interface {
	Conn(ctx context.Context, addr string) (*conn.Connection, error)
	// Latency returns the observed latency of the node, 0 if unknown
	Latency(addr string) time.Duration
}

// RouterOptions configures a Router
type RouterOptions struct {
	MaxRedirects int
	CrossSlot    common.CrossSlotPolicy
	ReadFrom     readfrom.Policy
}

// Router places commands on the node serving their slot and follows
// redirections transparently
type Router struct {
	store        *Store
	conns        ConnProvider
	maxRedirects int
	crossSlot    common.CrossSlotPolicy
	policy       atomic.Pointer[policyHolder]
}

// policyHolder gives atomic.Pointer a single concrete type for all policies
type policyHolder struct {
	readfrom.Policy
}

// NewRouter creates a router on top of a topology store
func NewRouter(store *Store, conns ConnProvider, opts RouterOptions) *Router {
	r := &Router{
		store:        store,
		conns:        conns,
		maxRedirects: opts.MaxRedirects,
		crossSlot:    opts.CrossSlot,
	}
	if r.maxRedirects <= 0 {
		r.maxRedirects = 5
	}
	if opts.ReadFrom == nil {
		opts.ReadFrom = readfrom.Primary
	}
	r.SetReadFrom(opts.ReadFrom)
	return r
}

// SetReadFrom swaps the read-from policy, commands dispatched afterwards use it
func (r *Router) SetReadFrom(p readfrom.Policy) {
	r.policy.Store(&policyHolder{p})
}

// ReadFrom returns the active read-from policy
func (r *Router) ReadFrom() readfrom.Policy {
	return r.policy.Load().Policy
}

// Dispatch routes cmd and returns its completion handle. Routing errors are
// reported through the handle before anything is written.
func (r *Router) Dispatch(ctx context.Context, cmd *conn.Command) *conn.Future {
	f := cmd.Future()
	snap := r.store.Snapshot()
	if snap == nil {
		f.Fail(&common.RoutingError{Kind: common.RoutingNoPartition, Slot: -1, Msg: "no topology installed"})
		return f
	}

	slot := -1
	if len(cmd.Keys) > 0 {
		s, ok := hash.SameSlot(cmd.Keys)
		if !ok {
			if r.crossSlot == common.CrossSlotSplit && splittable(cmd.Name) {
				r.split(ctx, cmd)
				return f
			}
			f.Fail(&common.RoutingError{
				Kind: common.RoutingCrossSlot,
				Slot: hash.Slot(cmd.Keys[0]),
				Msg:  fmt.Sprintf("keys of %s hash to different slots", cmd.Name),
			})
			return f
		}
		slot = s
	}

	addr, err := r.target(snap, slot, cmd.ReadOnly)
	if err != nil {
		f.Fail(err)
		return f
	}
	cmd.OnRedirect = r.follow(ctx)
	r.send(ctx, addr, func() (string, error) {
		// the node may have left with the snapshot installed meanwhile
		return r.target(r.store.Snapshot(), slot, cmd.ReadOnly)
	}, cmd)
	return f
}

// target picks the node address for a slot (-1 for keyless commands)
func (r *Router) target(snap *Snapshot, slot int, readOnly bool) (string, error) {
	if slot < 0 {
		primaries := snap.Primaries()
		return primaries[rand.Intn(len(primaries))].Addr, nil
	}
	p := snap.Partition(slot)
	if p == nil {
		return "", &common.RoutingError{Kind: common.RoutingNoPartition, Slot: slot}
	}

	policy := r.ReadFrom()
	if !readOnly || policy == readfrom.Primary {
		return p.Primary.Addr, nil
	}

	candidates := make([]readfrom.Candidate, 0, 1+len(p.Replicas))
	for _, n := range append([]*Node{p.Primary}, p.Replicas...) {
		candidates = append(candidates, readfrom.Candidate{
			Addr:    n.Addr,
			NodeID:  n.ID,
			Primary: n.Role == RolePrimary,
			Healthy: n.Healthy,
			Latency: r.conns.Latency(n.Addr),
		})
	}
	selected := policy.Select(candidates)
	if len(selected) == 0 {
		return "", fmt.Errorf("%w: slot %d with policy %s", common.ErrNoViableReadTarget, slot, policy)
	}
	if policy.OrderSensitive() {
		return selected[0].Addr, nil
	}
	return selected[rand.Intn(len(selected))].Addr, nil
}

// send writes the commands back to back on the connection of addr. A
// connection retired by a topology change (closed or quiescing) is replaced
// once, reroute (if set) picks the address again for the second attempt.
func (r *Router) send(ctx context.Context, addr string, reroute func() (string, error), cmds ...*conn.Command) {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 && reroute != nil {
			if addr, err = reroute(); err != nil {
				break
			}
		}
		var c *conn.Connection
		if c, err = r.conns.Conn(ctx, addr); err == nil {
			if err = c.Enqueue(ctx, cmds...); err == nil {
				return
			}
		}
		if !retired(err) {
			break
		}
		Logger.Debugf("connection to %s retired (%v), placing %s again", addr, err, cmds[len(cmds)-1].Name)
	}
	for _, cmd := range cmds {
		cmd.Future().Fail(err)
	}
}

// retired reports whether err comes from a connection that was shut down
// while a command was on its way to it
func retired(err error) bool {
	return errors.Is(err, common.ErrClosed) || errors.Is(err, common.ErrQuiescing)
}

// follow returns the redirection handler of commands dispatched with ctx.
// It runs on the reader of the replying node, the new dispatch must not
// block it.
func (r *Router) follow(ctx context.Context) conn.RedirectHandler {
	return func(cmd *conn.Command, redir resp.Redirection, from string) {
		cmd.Redirects++
		if cmd.Redirects > r.maxRedirects {
			cmd.Future().Fail(&common.RoutingError{
				Kind: common.RoutingRedirectsExhausted,
				Slot: redir.Slot,
				Msg:  fmt.Sprintf("%s still redirected after %d hops (last %s to %s)", cmd.Name, r.maxRedirects, redir.Kind, redir.Addr),
			})
			return
		}

		addr := resolveAddr(redir.Addr, from)
		metrics.RecordRedirect(redir.Kind.String())
		Logger.Debugf("%s for slot %d: %s -> %s", redir.Kind, redir.Slot, from, addr)

		switch redir.Kind {
		case resp.RedirectMoved:
			// the snapshot is stale, the command goes on right away
			r.store.RefreshAsync()
			go r.send(ctx, addr, nil, cmd)
		case resp.RedirectAsk:
			// one-shot migration redirect, the topology stays as it is
			go r.send(ctx, addr, nil, conn.NewStringCommand("ASKING"), cmd)
		}
	}
}
