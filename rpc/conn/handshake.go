package conn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/ValentinKolb/dRESP/rpc/common"
	"github.com/ValentinKolb/dRESP/rpc/resp"
)

// dial opens a transport to addr and runs the handshake on it. The returned
// protocol version is the negotiated one (3 may fall back to 2).
func (c *Connection) dial(ctx context.Context, addr string) (net.Conn, int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	nc, err := c.opts.Connector.Connect(ctx, addr)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if err := c.opts.Connector.UpgradeConnection(nc, c.opts.Transport); err != nil {
		Logger.Warningf("[%s] failed to apply socket options: %v", c.id, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}
	proto, err := c.handshake(nc)
	if err != nil {
		_ = nc.Close()
		return nil, 0, fmt.Errorf("handshake with %s failed: %w", addr, err)
	}
	_ = nc.SetDeadline(time.Time{})
	return nc, proto, nil
}

// handshake negotiates the protocol version, authenticates, selects the
// database, names the client and enables replica reads before the pipeline
// of the connection becomes active
func (c *Connection) handshake(nc net.Conn) (int, error) {
	h := &handshaker{nc: nc, dec: resp.NewDecoder(), buf: make([]byte, 4096)}
	proto := 2
	authenticated := false
	named := false

	if c.opts.Protocol == 3 {
		args := []string{"HELLO", "3"}
		if c.opts.Password != "" {
			user := c.opts.Username
			if user == "" {
				user = "default"
			}
			args = append(args, "AUTH", user, c.opts.Password)
		}
		if c.opts.ClientName != "" {
			args = append(args, "SETNAME", c.clientName())
		}
		r, err := h.roundTrip(args...)
		switch {
		case err != nil:
			return 0, err
		case r.IsError() && common.IsAuthError(r.Err()):
			return 0, r.Err()
		case r.IsError():
			// servers before 6.0 do not know HELLO, continue with RESP2
			Logger.Infof("[%s] HELLO 3 rejected (%s), falling back to RESP2", c.id, r.Str)
		default:
			proto = 3
			authenticated = c.opts.Password != ""
			named = c.opts.ClientName != ""
		}
	}

	if c.opts.Password != "" && !authenticated {
		args := []string{"AUTH", c.opts.Password}
		if c.opts.Username != "" {
			args = []string{"AUTH", c.opts.Username, c.opts.Password}
		}
		if err := h.expectOK(args...); err != nil {
			return 0, err
		}
	}

	if c.opts.DB != 0 {
		if err := h.expectOK("SELECT", strconv.Itoa(c.opts.DB)); err != nil {
			return 0, err
		}
	}

	if c.opts.ClientName != "" && !named {
		if err := h.expectOK("CLIENT", "SETNAME", c.clientName()); err != nil {
			// naming is cosmetic, a server without CLIENT SETNAME is still usable
			Logger.Debugf("[%s] CLIENT SETNAME failed: %v", c.id, err)
		}
	}

	if c.opts.ReadOnly {
		if err := h.expectOK("READONLY"); err != nil {
			return 0, err
		}
	}

	return proto, nil
}

// clientName is the configured name suffixed with the connection id
func (c *Connection) clientName() string {
	return c.opts.ClientName + "-" + c.id
}

// handshaker runs synchronous request/reply exchanges on a raw transport,
// before the reader of the connection is started
type handshaker struct {
	nc  net.Conn
	dec *resp.Decoder
	buf []byte
}

func (h *handshaker) roundTrip(args ...string) (resp.Reply, error) {
	if _, err := h.nc.Write(resp.AppendStrings(nil, args...)); err != nil {
		return resp.Reply{}, err
	}
	for {
		r, err := h.dec.Next()
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, resp.ErrIncomplete) {
			return resp.Reply{}, err
		}
		n, err := h.nc.Read(h.buf)
		if n > 0 {
			h.dec.Feed(h.buf[:n])
			continue
		}
		if err != nil {
			return resp.Reply{}, err
		}
	}
}

func (h *handshaker) expectOK(args ...string) error {
	r, err := h.roundTrip(args...)
	if err != nil {
		return err
	}
	if r.IsError() {
		return r.Err()
	}
	return nil
}
