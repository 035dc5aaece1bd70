package client

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/ValentinKolb/dRESP/rpc/conn"
)

// Registry holds the connections of a client root by node address. Lookups
// are lock free, so the router can resolve a connection on every dispatch.
type Registry struct {
	conns *xsync.MapOf[string, *conn.Connection]
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{conns: xsync.NewMapOf[string, *conn.Connection]()}
}

// Get returns the connection of addr
func (r *Registry) Get(addr string) (*conn.Connection, bool) {
	return r.conns.Load(addr)
}

// Put stores c as the connection of addr and returns the replaced one
func (r *Registry) Put(addr string, c *conn.Connection) (*conn.Connection, bool) {
	return r.conns.LoadAndStore(addr, c)
}

// LoadOrCreate returns the connection of addr, creating it with create if
// there is none. create must not block, it runs under the registry's bucket lock.
func (r *Registry) LoadOrCreate(addr string, create func() *conn.Connection) *conn.Connection {
	c, _ := r.conns.LoadOrCompute(addr, create)
	return c
}

// Remove drops the connection of addr without closing it
func (r *Registry) Remove(addr string) (*conn.Connection, bool) {
	return r.conns.LoadAndDelete(addr)
}

// Len returns the number of registered connections
func (r *Registry) Len() int {
	return r.conns.Size()
}

// Range calls fn for every connection until fn returns false
func (r *Registry) Range(fn func(addr string, c *conn.Connection) bool) {
	r.conns.Range(fn)
}

// CloseAll closes and removes all connections
func (r *Registry) CloseAll() {
	r.conns.Range(func(addr string, c *conn.Connection) bool {
		r.conns.Delete(addr)
		_ = c.Close()
		return true
	})
}
