package client

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dRESP/rpc/cluster"
	"github.com/ValentinKolb/dRESP/rpc/common"
	"github.com/ValentinKolb/dRESP/rpc/conn"
	"github.com/ValentinKolb/dRESP/rpc/readfrom"
	"github.com/ValentinKolb/dRESP/rpc/resp"
)

// Cluster routes commands over one connection per cluster node. The
// endpoints of the configuration are only used as seeds for the first
// topology, all later refreshes ask the known primaries first.
type Cluster struct {
	config   common.ClientConfig
	registry *Registry
	store    *cluster.Store
	router   *cluster.Router
	seeds    map[string]bool

	cancel context.CancelFunc
	closed atomic.Bool
}

// NewCluster fetches the topology from the seeds and starts the refresh loop
func NewCluster(ctx context.Context, config common.ClientConfig) (*Cluster, error) {
	policy, err := readfrom.Parse(config.ReadFrom)
	if err != nil {
		return nil, err
	}

	c := &Cluster{
		config:   config,
		registry: NewRegistry(),
		seeds:    map[string]bool{},
	}
	for _, seed := range config.Transport.Endpoints {
		c.seeds[seed] = true
	}

	source := &cluster.NodeSource{Seeds: config.Transport.Endpoints, Conns: c}
	c.store = cluster.NewStore(source, config.RefreshInterval())
	source.Store = c.store
	if err := c.store.Refresh(ctx); err != nil {
		c.registry.CloseAll()
		return nil, fmt.Errorf("failed to fetch the initial topology: %w", err)
	}
	c.store.OnChange(c.prune)

	c.router = cluster.NewRouter(c.store, c, cluster.RouterOptions{
		MaxRedirects: config.Cluster.MaxRedirects,
		CrossSlot:    config.Cluster.CrossSlot,
		ReadFrom:     policy,
	})

	bg, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.store.Start(bg)

	Logger.Infof("cluster client ready: %s", c.store.Snapshot())
	return c, nil
}

// Topology returns the current topology snapshot
func (c *Cluster) Topology() *cluster.Snapshot { return c.store.Snapshot() }

// Refresh fetches and installs the topology right away
func (c *Cluster) Refresh(ctx context.Context) error { return c.store.Refresh(ctx) }

// SetReadFrom swaps the read-from policy
func (c *Cluster) SetReadFrom(p readfrom.Policy) { c.router.SetReadFrom(p) }

// Registry returns the node connections of the client
func (c *Cluster) Registry() *Registry { return c.registry }

// Conn implements cluster.ConnProvider. Connections are created on first use
// and announce READONLY, so replicas serve reads whenever the read-from
// policy sends them one (primaries ignore the flag).
func (c *Cluster) Conn(ctx context.Context, addr string) (*conn.Connection, error) {
	if c.closed.Load() {
		return nil, common.ErrClosed
	}

	nc, ok := c.registry.Get(addr)
	if !ok {
		opts, err := connOptions(addr, &c.config)
		if err != nil {
			return nil, err
		}
		opts.ReadOnly = true
		nc = c.registry.LoadOrCreate(addr, func() *conn.Connection { return conn.New(opts) })
	}

	// a no-op for connections that are connected or still connecting, commands
	// dispatched meanwhile wait in the queue
	if err := nc.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return nc, nil
}

// Latency implements cluster.ConnProvider
func (c *Cluster) Latency(addr string) time.Duration {
	if nc, ok := c.registry.Get(addr); ok {
		return nc.Latency()
	}
	return 0
}

// prune drains and closes the connections of nodes that left the topology
func (c *Cluster) prune(old, new *cluster.Snapshot) {
	c.registry.Range(func(addr string, nc *conn.Connection) bool {
		if new.NodeByAddr(addr) != nil || c.seeds[addr] {
			return true
		}
		if _, ok := c.registry.Remove(addr); ok {
			Logger.Infof("node %s left the topology, closing its connection", addr)
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout()+time.Second)
				defer cancel()
				_ = nc.Quiesce(ctx)
				_ = nc.Close()
			}()
		}
		return true
	})
}

// --------------------------------------------------------------------------
// Interface Methods (docu see IClient)
// --------------------------------------------------------------------------

func (c *Cluster) Dispatch(ctx context.Context, cmd *conn.Command) (*conn.Future, error) {
	if c.closed.Load() {
		return nil, common.ErrClosed
	}
	return c.router.Dispatch(ctx, cmd), nil
}

func (c *Cluster) Do(ctx context.Context, name string, args ...string) (resp.Reply, error) {
	return invokeCommand(ctx, c, name, args...)
}

func (c *Cluster) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	c.store.Close()
	c.registry.CloseAll()
	return nil
}
