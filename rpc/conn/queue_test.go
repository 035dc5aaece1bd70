package conn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ValentinKolb/dRESP/rpc/common"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(0)
	ctx := context.Background()

	var cmds []*Command
	for i := 0; i < 200; i++ {
		cmd := NewStringCommand("PING")
		cmds = append(cmds, cmd)
		if err := q.Enqueue(ctx, cmd); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	if q.Len() != 200 {
		t.Fatalf("Len() = %d, want 200", q.Len())
	}
	if q.Peek() != cmds[0] {
		t.Errorf("Peek must return the oldest command")
	}

	for i := 0; i < 200; i++ {
		if got := q.Pop(); got != cmds[i] {
			t.Fatalf("Pop %d returned the wrong command", i)
		}
	}
	if q.Pop() != nil || q.Len() != 0 {
		t.Errorf("queue should be empty")
	}
}

func TestQueueBackpressure(t *testing.T) {
	q := NewQueue(2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := q.Enqueue(ctx, NewStringCommand("PING")); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	// full: a bounded wait fails
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := q.Enqueue(short, NewStringCommand("PING")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline while full, got %v", err)
	}

	// a pop frees a slot for a blocked enqueue
	done := make(chan error, 1)
	go func() {
		done <- q.Enqueue(ctx, NewStringCommand("PING"))
	}()
	select {
	case err := <-done:
		t.Fatalf("enqueue must block while full, returned %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	q.Pop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Timeout waiting for blocked enqueue")
	}
	if q.Len() != 2 {
		t.Errorf("Len() = %d, want 2", q.Len())
	}
}

func TestQueueDrainAndRemoveDone(t *testing.T) {
	q := NewQueue(4)
	ctx := context.Background()

	a, b, c := NewStringCommand("GET", "a"), NewStringCommand("GET", "b"), NewStringCommand("GET", "c")
	for _, cmd := range []*Command{a, b, c} {
		if err := q.Enqueue(ctx, cmd); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	b.Future().Cancel(nil)
	if n := q.RemoveDone(); n != 1 {
		t.Fatalf("RemoveDone() = %d, want 1", n)
	}
	snap := q.Snapshot()
	if len(snap) != 2 || snap[0] != a || snap[1] != c {
		t.Fatalf("unexpected snapshot after RemoveDone")
	}

	drained := q.Drain()
	if len(drained) != 2 || drained[0] != a || drained[1] != c {
		t.Fatalf("Drain must return the pending commands in order")
	}
	if n := failAll(drained, common.ErrConnectionLost); n != 2 {
		t.Errorf("failAll() = %d, want 2", n)
	}
	if _, err := a.Future().Result(); !errors.Is(err, common.ErrConnectionLost) {
		t.Errorf("expected ErrConnectionLost, got %v", err)
	}

	// all slots are free again
	for i := 0; i < 4; i++ {
		short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		err := q.Enqueue(short, NewStringCommand("PING"))
		cancel()
		if err != nil {
			t.Fatalf("slot %d not released: %v", i, err)
		}
	}
}

func TestQueueWaitEmpty(t *testing.T) {
	q := NewQueue(0)
	ctx := context.Background()

	if err := q.WaitEmpty(ctx); err != nil {
		t.Fatalf("empty queue must not block: %v", err)
	}

	_ = q.Enqueue(ctx, NewStringCommand("PING"))
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Pop()
	}()

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := q.WaitEmpty(waitCtx); err != nil {
		t.Fatalf("WaitEmpty failed: %v", err)
	}

	_ = q.Enqueue(ctx, NewStringCommand("PING"))
	short, cancel2 := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel2()
	if err := q.WaitEmpty(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline, got %v", err)
	}
}
