package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ValentinKolb/dRESP/rpc/common"
)

// Future is the completion handle of a command. Exactly one of value, error or
// cancellation is set exactly once, the first resolution wins and every later
// attempt is a no-op. Any number of goroutines may wait on it.
type Future struct {
	mu        sync.Mutex
	done      chan struct{}
	resolved  bool
	value     interface{}
	err       error
	callbacks []func()
}

// NewFuture creates an unresolved future
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve sets the result. It returns false if the future was already resolved.
func (f *Future) Resolve(value interface{}, err error) bool {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return false
	}
	f.resolved = true
	f.value, f.err = value, err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
	return true
}

// Fail resolves the future with an error
func (f *Future) Fail(err error) bool {
	return f.Resolve(nil, err)
}

// Cancel resolves the future with common.ErrCanceled (wrapping cause, if any).
// A command that was already written cannot be unsent, its reply is still
// consumed in order and dropped.
func (f *Future) Cancel(cause error) bool {
	if cause == nil || errors.Is(cause, common.ErrCanceled) {
		return f.Fail(common.ErrCanceled)
	}
	return f.Fail(fmt.Errorf("%w: %w", common.ErrCanceled, cause))
}

// Done returns a channel that is closed once the future is resolved
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future is resolved
func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the result without waiting. Before resolution it returns
// (nil, nil), check IsDone or wait on Done first.
func (f *Future) Result() (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// Wait blocks until the future is resolved or ctx is done. An expired ctx
// cancels the future, so all waiters observe the same outcome.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		f.Cancel(context.Cause(ctx))
	}
	return f.Result()
}

// OnComplete registers fn to run after resolution (immediately if already resolved)
func (f *Future) OnComplete(fn func()) {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		fn()
		return
	}
	f.callbacks = append(f.callbacks, fn)
	f.mu.Unlock()
}
