package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dRESP/rpc/common"
	"github.com/ValentinKolb/dRESP/rpc/conn"
	"github.com/ValentinKolb/dRESP/rpc/readfrom"
	"github.com/ValentinKolb/dRESP/rpc/resp"
	"github.com/ValentinKolb/dRESP/rpc/sentinel"
)

// MasterReplica talks to a sentinel-monitored primary and its replicas. The
// primary connection follows failovers: it is moved to the new primary as
// soon as the sentinel view changes. Reads are placed among the primary and
// the replicas by the read-from policy.
type MasterReplica struct {
	config    common.ClientConfig
	discovery *sentinel.Discovery
	registry  *Registry
	primary   *conn.Connection

	policy atomic.Pointer[policyHolder]

	mu       sync.RWMutex // guards replicas
	replicas []sentinel.ReplicaInfo

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

type policyHolder struct {
	readfrom.Policy
}

// NewMasterReplica resolves the primary through the sentinel endpoints of
// the configuration, connects to it and starts watching for failovers
func NewMasterReplica(ctx context.Context, config common.ClientConfig) (*MasterReplica, error) {
	policy, err := readfrom.Parse(config.ReadFrom)
	if err != nil {
		return nil, err
	}

	monitorOpts := conn.OptionsFromConfig("", &config, nil)
	monitorOpts.Username = config.Sentinel.Username
	monitorOpts.Password = config.Sentinel.Password
	monitorOpts.Protocol = 2
	monitorOpts.ClientName = ""
	monitorOpts.QueueSize = 0

	d, err := sentinel.New(sentinel.Options{
		MasterName: config.Sentinel.MasterName,
		Monitors:   config.Transport.Endpoints,
		Conn:       monitorOpts,
		Timeout:    config.DialTimeout(),
	})
	if err != nil {
		return nil, err
	}
	view, err := d.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	m := &MasterReplica{
		config:    config,
		discovery: d,
		registry:  NewRegistry(),
	}
	m.policy.Store(&policyHolder{policy})

	opts, err := connOptions(view.Addr, &config)
	if err != nil {
		return nil, err
	}
	m.primary = conn.New(opts)
	if err := m.primary.Connect(ctx); err != nil {
		_ = m.primary.Close()
		return nil, fmt.Errorf("failed to connect to master %s at %s: %w", view.Name, view.Addr, err)
	}
	m.registry.Put(view.Addr, m.primary)

	if policy != readfrom.Primary {
		if err := m.refreshReplicas(ctx); err != nil {
			Logger.Warningf("failed to discover the replicas of %s: %v", view.Name, err)
		}
	}

	d.OnFailover(m.failover)

	bg, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		_ = d.Watch(bg)
	}()
	go m.replicaLoop(bg)

	Logger.Infof("master/replica client ready: %s at %s (epoch %d)", view.Name, view.Addr, view.Epoch)
	return m, nil
}

// Master returns the current sentinel view
func (m *MasterReplica) Master() sentinel.MasterView { return m.discovery.Master() }

// Discovery returns the sentinel discovery of the client
func (m *MasterReplica) Discovery() *sentinel.Discovery { return m.discovery }

// Registry returns the connections of the client
func (m *MasterReplica) Registry() *Registry { return m.registry }

// SetReadFrom swaps the read-from policy
func (m *MasterReplica) SetReadFrom(p readfrom.Policy) { m.policy.Store(&policyHolder{p}) }

// Replicas returns the last discovered replicas
func (m *MasterReplica) Replicas() []sentinel.ReplicaInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]sentinel.ReplicaInfo(nil), m.replicas...)
}

// failover moves the primary connection and every other connection to the
// new primary's address
func (m *MasterReplica) failover(old, new sentinel.MasterView) {
	if existing, ok := m.registry.Remove(new.Addr); ok && existing != m.primary {
		// the promoted replica had its own read connection
		_ = existing.Close()
	}
	m.registry.Remove(old.Addr)
	m.registry.Put(new.Addr, m.primary)
	m.primary.ReconnectTo(new.Addr)

	// the old primary is a replica now
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.config.DialTimeout())
		defer cancel()
		if err := m.refreshReplicas(ctx); err != nil {
			Logger.Warningf("failed to refresh the replicas of %s: %v", new.Name, err)
		}
	}()
}

// refreshReplicas asks the monitors for the replica list and closes the
// connections of replicas that are gone
func (m *MasterReplica) refreshReplicas(ctx context.Context) error {
	replicas, err := m.discovery.Replicas(ctx)
	if err != nil {
		return err
	}
	known := map[string]bool{m.discovery.Master().Addr: true}
	for _, r := range replicas {
		known[r.Addr] = true
	}

	m.mu.Lock()
	m.replicas = replicas
	m.mu.Unlock()

	m.registry.Range(func(addr string, c *conn.Connection) bool {
		if !known[addr] && c != m.primary {
			m.registry.Remove(addr)
			_ = c.Close()
		}
		return true
	})
	return nil
}

// replicaLoop refreshes the replica list in the refresh interval
func (m *MasterReplica) replicaLoop(ctx context.Context) {
	defer m.wg.Done()
	interval := m.config.RefreshInterval()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rctx, cancel := context.WithTimeout(ctx, m.config.DialTimeout())
			if err := m.refreshReplicas(rctx); err != nil {
				Logger.Warningf("failed to refresh the replicas of %s: %v", m.discovery.Name(), err)
			}
			cancel()
		}
	}
}

// target returns the connection a command goes to
func (m *MasterReplica) target(ctx context.Context, cmd *conn.Command) (*conn.Connection, error) {
	policy := m.policy.Load().Policy
	if !cmd.ReadOnly || policy == readfrom.Primary {
		return m.primary, nil
	}

	master := m.discovery.Master().Addr
	candidates := []readfrom.Candidate{{
		Addr:    master,
		Primary: true,
		Healthy: m.primary.State() != conn.Disconnected && m.primary.State() != conn.Closed,
		Latency: m.primary.Latency(),
	}}
	for _, r := range m.Replicas() {
		if r.Addr == master {
			continue
		}
		cand := readfrom.Candidate{Addr: r.Addr, Healthy: true}
		if c, ok := m.registry.Get(r.Addr); ok {
			cand.Latency = c.Latency()
			cand.Healthy = c.State() != conn.Closed
		}
		candidates = append(candidates, cand)
	}

	selected := policy.Select(candidates)
	if len(selected) == 0 {
		return nil, fmt.Errorf("%w: %s with policy %s", common.ErrNoViableReadTarget, m.discovery.Name(), policy)
	}
	addr := pick(policy, selected)
	if addr == master {
		return m.primary, nil
	}
	return m.replicaConn(ctx, addr)
}

// replicaConn returns the read connection of a replica, created on first use
func (m *MasterReplica) replicaConn(ctx context.Context, addr string) (*conn.Connection, error) {
	c, ok := m.registry.Get(addr)
	if !ok {
		opts, err := connOptions(addr, &m.config)
		if err != nil {
			return nil, err
		}
		c = m.registry.LoadOrCreate(addr, func() *conn.Connection { return conn.New(opts) })
	}
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to replica %s: %w", addr, err)
	}
	return c, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see IClient)
// --------------------------------------------------------------------------

func (m *MasterReplica) Dispatch(ctx context.Context, cmd *conn.Command) (*conn.Future, error) {
	if m.closed.Load() {
		return nil, common.ErrClosed
	}
	c, err := m.target(ctx, cmd)
	if err != nil {
		return failed(cmd, err), nil
	}
	return c.Dispatch(ctx, cmd), nil
}

func (m *MasterReplica) Do(ctx context.Context, name string, args ...string) (resp.Reply, error) {
	return invokeCommand(ctx, m, name, args...)
}

func (m *MasterReplica) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.cancel()
	_ = m.discovery.Close()
	m.wg.Wait()
	m.registry.CloseAll()
	_ = m.primary.Close()
	return nil
}
