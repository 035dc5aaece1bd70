package client

import (
	"context"

	"github.com/ValentinKolb/dRESP/rpc/conn"
	"github.com/ValentinKolb/dRESP/rpc/resp"
)

// IClient is the dispatch boundary of the driver. All implementations are
// safe for concurrent use.
type IClient interface {
	// Dispatch routes cmd to its connection and returns its completion
	// handle. The error is only set if the client cannot accept commands at
	// all, everything else is reported through the future.
	Dispatch(ctx context.Context, cmd *conn.Command) (*conn.Future, error)

	// Do dispatches a command and waits for its reply. Error replies of the
	// server are returned as *common.ServerError together with the reply.
	Do(ctx context.Context, name string, args ...string) (resp.Reply, error)

	// Close closes all connections of the client. Pending commands fail with
	// common.ErrCanceled.
	Close() error
}
