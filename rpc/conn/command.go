package conn

import (
	"strings"
	"time"

	"github.com/ValentinKolb/dRESP/rpc/resp"
)

// RedirectHandler receives the MOVED / ASK reply of a redirection-sensitive
// command instead of the command's future. from is the address of the node
// that replied. It runs on the reader goroutine of that node and must not block.
type RedirectHandler func(cmd *Command, r resp.Redirection, from string)

// Command is a request descriptor: name, arguments, declared keys and the
// output decoder. Name, Args and Keys must not be changed after dispatch.
type Command struct {
	Name     string
	Args     [][]byte
	Keys     [][]byte
	ReadOnly bool
	Output   resp.Output

	// OnRedirect makes the command redirection-sensitive (set by the cluster router)
	OnRedirect RedirectHandler
	// Redirects counts the redirections already followed (maintained by the router)
	Redirects int

	future   *Future
	gen      uint64    // generation of the transport the command was last queued on
	confirms int       // subscription confirmations still expected
	started  time.Time // first dispatch
}

// NewCommand creates a command with its keys and read-only flag derived from
// the command table and the raw reply as output
func NewCommand(name string, args ...[]byte) *Command {
	return &Command{
		Name:     strings.ToUpper(name),
		Args:     args,
		Keys:     KeysOf(name, args),
		ReadOnly: IsReadOnly(name),
		Output:   resp.ReplyOutput,
		future:   NewFuture(),
	}
}

// NewStringCommand is NewCommand for string arguments
func NewStringCommand(name string, args ...string) *Command {
	return NewCommand(name, resp.Args(args...)...)
}

// WithOutput sets the output decoder
func (c *Command) WithOutput(out resp.Output) *Command {
	c.Output = out
	return c
}

// WithKeys overrides the declared keys
func (c *Command) WithKeys(keys ...[]byte) *Command {
	c.Keys = keys
	return c
}

// Future returns the completion handle of the command
func (c *Command) Future() *Future {
	if c.future == nil {
		c.future = NewFuture()
	}
	return c.future
}

// Generation returns the transport generation the command was last queued on
func (c *Command) Generation() uint64 {
	return c.gen
}

// Append encodes the command onto buf
func (c *Command) Append(buf []byte) []byte {
	return resp.AppendCommand(buf, c.Name, c.Args...)
}

// expectedConfirms is the number of replies a subscription command produces
func (c *Command) expectedConfirms() int {
	if !IsSubscription(c.Name) {
		return 0
	}
	return max(1, len(c.Args))
}

// complete turns the reply into the command result. Replies for commands whose
// future is already resolved (canceled, timed out) are dropped.
func (c *Command) complete(r resp.Reply) (bool, error) {
	f := c.Future()
	if f.IsDone() {
		return false, nil
	}
	out := c.Output
	if out == nil {
		out = resp.ReplyOutput
	}
	v, err := out(r)
	return f.Resolve(v, err), err
}
