package conn

import (
	"context"
	"sync"
)

// Queue is the ordered in-flight queue of one connection. Replies are matched
// against its head, so completion order equals push order.
//
// Backpressure: with a max depth every queued command holds one slot. Acquire
// waits for free slots, a command releases its slot when it leaves the queue
// (Pop, Drain or RemoveDone).
type Queue struct {
	mu    sync.Mutex
	items []*Command
	head  int
	slots chan struct{} // nil = unbounded
	empty chan struct{} // closed while the queue is empty
}

// NewQueue creates a queue, maxDepth <= 0 means unbounded
func NewQueue(maxDepth int) *Queue {
	q := &Queue{empty: make(chan struct{})}
	close(q.empty)
	if maxDepth > 0 {
		q.slots = make(chan struct{}, maxDepth)
	}
	return q
}

// Acquire reserves n slots, blocking while the queue is full
func (q *Queue) Acquire(ctx context.Context, n int) error {
	if q.slots == nil {
		return nil
	}
	for i := 0; i < n; i++ {
		select {
		case q.slots <- struct{}{}:
		case <-ctx.Done():
			q.Release(i)
			return context.Cause(ctx)
		}
	}
	return nil
}

// Release frees n slots that were acquired but never pushed
func (q *Queue) Release(n int) {
	if q.slots == nil {
		return
	}
	for i := 0; i < n; i++ {
		<-q.slots
	}
}

// Enqueue acquires a slot and appends the command
func (q *Queue) Enqueue(ctx context.Context, cmd *Command) error {
	if err := q.Acquire(ctx, 1); err != nil {
		return err
	}
	q.Push(cmd)
	return nil
}

// Push appends a command whose slot was already acquired
func (q *Queue) Push(cmd *Command) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lenLocked() == 0 {
		q.empty = make(chan struct{})
	}
	q.items = append(q.items, cmd)
}

// Peek returns the head without removing it
func (q *Queue) Peek() *Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lenLocked() == 0 {
		return nil
	}
	return q.items[q.head]
}

// Pop removes and returns the head (nil if empty)
func (q *Queue) Pop() *Command {
	q.mu.Lock()
	if q.lenLocked() == 0 {
		q.mu.Unlock()
		return nil
	}
	cmd := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	q.compactLocked()
	q.mu.Unlock()

	q.Release(1)
	return cmd
}

// Drain removes and returns all pending commands in order
func (q *Queue) Drain() []*Command {
	q.mu.Lock()
	cmds := make([]*Command, q.lenLocked())
	copy(cmds, q.items[q.head:])
	clear(q.items)
	q.items = q.items[:0]
	q.head = 0
	q.compactLocked()
	q.mu.Unlock()

	q.Release(len(cmds))
	return cmds
}

// RemoveDone drops commands whose future is already resolved. It must only be
// used while none of the queued commands is on the wire (before a replay).
func (q *Queue) RemoveDone() int {
	q.mu.Lock()
	kept := q.items[:0]
	removed := 0
	for _, cmd := range q.items[q.head:] {
		if cmd.Future().IsDone() {
			removed++
			continue
		}
		kept = append(kept, cmd)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	q.head = 0
	q.compactLocked()
	q.mu.Unlock()

	q.Release(removed)
	return removed
}

// Snapshot returns the pending commands in order without removing them
func (q *Queue) Snapshot() []*Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	cmds := make([]*Command, q.lenLocked())
	copy(cmds, q.items[q.head:])
	return cmds
}

// Len returns the number of pending commands
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// WaitEmpty blocks until the queue is empty or ctx is done
func (q *Queue) WaitEmpty(ctx context.Context) error {
	for {
		q.mu.Lock()
		empty := q.empty
		q.mu.Unlock()
		select {
		case <-empty:
			if q.Len() == 0 {
				return nil
			}
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

func (q *Queue) lenLocked() int {
	return len(q.items) - q.head
}

// compactLocked reuses the backing array once the consumed prefix dominates
// and signals emptiness
func (q *Queue) compactLocked() {
	if q.lenLocked() == 0 {
		q.items = q.items[:0]
		q.head = 0
		select {
		case <-q.empty:
		default:
			close(q.empty)
		}
		return
	}
	if q.head > 64 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		for i := n; i < len(q.items); i++ {
			q.items[i] = nil
		}
		q.items = q.items[:n]
		q.head = 0
	}
}

// failAll resolves every command with err, commands already resolved are skipped
func failAll(cmds []*Command, err error) int {
	n := 0
	for _, cmd := range cmds {
		if cmd.Future().Fail(err) {
			n++
		}
	}
	return n
}
