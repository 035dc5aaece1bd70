package client

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ValentinKolb/dRESP/rpc/common"
	"github.com/ValentinKolb/dRESP/rpc/conn"
	"github.com/ValentinKolb/dRESP/rpc/resp"
)

// Standalone multiplexes all commands over one connection to a single node
type Standalone struct {
	config common.ClientConfig
	conn   *conn.Connection
	closed atomic.Bool
}

// NewStandalone connects to the first endpoint of the configuration
func NewStandalone(ctx context.Context, config common.ClientConfig) (*Standalone, error) {
	if len(config.Transport.Endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints configured")
	}
	opts, err := connOptions(config.Transport.Endpoints[0], &config)
	if err != nil {
		return nil, err
	}

	c := conn.New(opts)
	if err := c.Connect(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", opts.Addr, err)
	}
	return &Standalone{config: config, conn: c}, nil
}

// Conn returns the connection of the client
func (s *Standalone) Conn() *conn.Connection { return s.conn }

// --------------------------------------------------------------------------
// Interface Methods (docu see IClient)
// --------------------------------------------------------------------------

func (s *Standalone) Dispatch(ctx context.Context, cmd *conn.Command) (*conn.Future, error) {
	if s.closed.Load() {
		return nil, common.ErrClosed
	}
	return s.conn.Dispatch(ctx, cmd), nil
}

func (s *Standalone) Do(ctx context.Context, name string, args ...string) (resp.Reply, error) {
	return invokeCommand(ctx, s, name, args...)
}

func (s *Standalone) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}
