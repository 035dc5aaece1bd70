package conn

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dRESP/rpc/resp"
)

// PushHandler receives out-of-band messages of the server (RESP3 push frames,
// RESP2 pub/sub messages). It runs on the delivery goroutine of the connection,
// never on the reader, so a slow handler delays other pushes but no reply.
type PushHandler func(msg resp.Reply)

// pushNode is a single element of the push queue
type pushNode struct {
	msg  resp.Reply
	next atomic.Pointer[pushNode]
}

// pushQueue is a lock-free multi-producer single-consumer queue that hands
// push messages from the reader(s) of a connection to the push handler.
// During a reconnect the reader of the old and the new transport may both
// push, so producers must be safe for concurrent use. Messages of a single
// reader are delivered in order.
type pushQueue struct {
	head    atomic.Pointer[pushNode]
	tail    atomic.Pointer[pushNode]
	closed  atomic.Bool
	handler PushHandler
	done    sync.WaitGroup

	// condition variable for waiting
	mu   sync.Mutex
	cond *sync.Cond
}

// newPushQueue starts the delivery goroutine for handler
func newPushQueue(handler PushHandler) *pushQueue {
	sentinel := &pushNode{}
	q := &pushQueue{handler: handler}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	q.done.Add(1)
	go q.deliver()
	return q
}

// push appends a message, it returns false once the queue is closed
func (q *pushQueue) push(msg resp.Reply) bool {
	if q.closed.Load() {
		return false
	}
	n := &pushNode{msg: msg}

	var backoff uint8
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				// may fail if another producer already moved the tail, that is fine
				q.tail.CompareAndSwap(tail, n)
				q.mu.Lock()
				q.cond.Signal()
				q.mu.Unlock()
				return true
			}
		} else {
			// help a producer that appended but did not move the tail yet
			q.tail.CompareAndSwap(tail, next)
		}

		// spin on low contention, yield on high contention
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// deliver hands all queued messages to the handler until the queue is closed and empty
func (q *pushQueue) deliver() {
	defer q.done.Done()

	for {
		delivered := false
		for {
			head := q.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}
			delivered = true
			msg := next.msg
			q.head.Store(next)
			next.msg = resp.Reply{} // help gc

			q.safeHandle(msg)
		}

		if !delivered {
			q.mu.Lock()
			if q.head.Load().next.Load() == nil {
				if q.closed.Load() {
					q.mu.Unlock()
					return
				}
				q.cond.Wait()
			}
			q.mu.Unlock()
		}
	}
}

// safeHandle shields the connection from a panicking handler
func (q *pushQueue) safeHandle(msg resp.Reply) {
	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("push handler panicked: %v", r)
		}
	}()
	if q.handler != nil {
		q.handler(msg)
	}
}

// close stops accepting messages and waits until the queued ones are delivered
func (q *pushQueue) close() {
	q.closed.Store(true)
	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
	q.done.Wait()
}
