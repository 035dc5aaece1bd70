package client

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/ValentinKolb/dRESP/rpc/common"
	"github.com/ValentinKolb/dRESP/rpc/conn"
	"github.com/ValentinKolb/dRESP/rpc/readfrom"
	"github.com/ValentinKolb/dRESP/rpc/resp"
	"github.com/ValentinKolb/dRESP/rpc/transport"
	_ "github.com/ValentinKolb/dRESP/rpc/transport/tcp"
	_ "github.com/ValentinKolb/dRESP/rpc/transport/unix"
)

var (
	Logger = logger.GetLogger("client")
)

// invokeCommand is the helper all clients use for Do: it dispatches the
// command, waits for the reply and turns error replies into
// *common.ServerError
func invokeCommand(ctx context.Context, c IClient, name string, args ...string) (resp.Reply, error) {
	f, err := c.Dispatch(ctx, conn.NewStringCommand(name, args...))
	if err != nil {
		return resp.Reply{}, err
	}

	v, err := f.Wait(ctx)
	if err != nil {
		return resp.Reply{}, err
	}

	r, ok := v.(resp.Reply)
	if !ok {
		return resp.Reply{}, fmt.Errorf("unexpected output type %T of %s", v, name)
	}
	if err := r.Err(); err != nil {
		return r, err
	}
	return r, nil
}

// connOptions derives the options of a connection to endpoint from the configuration
func connOptions(endpoint string, config *common.ClientConfig) (conn.Options, error) {
	connector, addr, err := transport.ForEndpoint(endpoint)
	if err != nil {
		return conn.Options{}, err
	}
	return conn.OptionsFromConfig(addr, config, connector), nil
}

// pick chooses the read target among the selected candidates
func pick(policy readfrom.Policy, selected []readfrom.Candidate) string {
	if policy.OrderSensitive() {
		return selected[0].Addr
	}
	return selected[rand.Intn(len(selected))].Addr
}

// failed returns a future that already failed with err
func failed(cmd *conn.Command, err error) *conn.Future {
	f := cmd.Future()
	f.Fail(err)
	return f
}
