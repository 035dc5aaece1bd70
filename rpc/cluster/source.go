package cluster

import (
	"context"
	"errors"
	"fmt"

	"github.com/ValentinKolb/dRESP/rpc/conn"
	"github.com/ValentinKolb/dRESP/rpc/resp"
)

// NodeSource fetches views with CLUSTER NODES over the regular node
// connections. It asks the known primaries of the current snapshot first and
// the seed addresses after them, until MaxViews nodes answered.
type NodeSource struct {
	Seeds    []string
	Conns    ConnProvider
	Store    *Store
	MaxViews int
}

// Views implements ViewSource
func (s *NodeSource) Views(ctx context.Context) ([]View, error) {
	maxViews := s.MaxViews
	if maxViews <= 0 {
		maxViews = 3
	}

	var views []View
	var errs []error
	for _, addr := range s.candidates() {
		if len(views) >= maxViews {
			break
		}
		view, err := s.query(ctx, addr)
		if err != nil {
			Logger.Debugf("failed to fetch topology from %s: %v", addr, err)
			errs = append(errs, fmt.Errorf("%s: %w", addr, err))
			continue
		}
		views = append(views, view)
	}
	if len(views) == 0 {
		return nil, fmt.Errorf("no node answered CLUSTER NODES: %w", errors.Join(errs...))
	}
	return views, nil
}

// candidates returns the known primaries followed by the seeds, without duplicates
func (s *NodeSource) candidates() []string {
	seen := map[string]bool{}
	var addrs []string
	add := func(addr string) {
		if addr != "" && !seen[addr] {
			seen[addr] = true
			addrs = append(addrs, addr)
		}
	}
	if s.Store != nil {
		if snap := s.Store.Snapshot(); snap != nil {
			for _, n := range snap.Primaries() {
				if n.Healthy {
					add(n.Addr)
				}
			}
		}
	}
	for _, seed := range s.Seeds {
		add(seed)
	}
	return addrs
}

func (s *NodeSource) query(ctx context.Context, addr string) (View, error) {
	c, err := s.Conns.Conn(ctx, addr)
	if err != nil {
		return View{}, err
	}
	cmd := conn.NewStringCommand("CLUSTER", "NODES").WithOutput(resp.StringOutput)
	v, err := c.Dispatch(ctx, cmd).Wait(ctx)
	if err != nil {
		return View{}, err
	}
	return ParseClusterNodes(addr, v.(string))
}
