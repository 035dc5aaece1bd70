package conn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dRESP/rpc/common"
)

func TestFutureResolvesOnce(t *testing.T) {
	f := NewFuture()
	if f.IsDone() {
		t.Fatalf("new future must not be done")
	}

	if !f.Resolve("first", nil) {
		t.Fatalf("first Resolve must succeed")
	}
	if f.Resolve("second", nil) {
		t.Errorf("second Resolve must be a no-op")
	}
	if f.Fail(errors.New("late")) {
		t.Errorf("Fail after Resolve must be a no-op")
	}

	v, err := f.Result()
	if v != "first" || err != nil {
		t.Errorf("Result() = %v, %v, want first, nil", v, err)
	}
}

func TestFutureCancel(t *testing.T) {
	tests := map[string]struct {
		cause error
		is    []error
	}{
		"nil cause":       {nil, []error{common.ErrCanceled}},
		"deadline":        {context.DeadlineExceeded, []error{common.ErrCanceled, context.DeadlineExceeded}},
		"already wrapped": {common.ErrCanceled, []error{common.ErrCanceled}},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			f := NewFuture()
			if !f.Cancel(tt.cause) {
				t.Fatalf("Cancel must resolve an open future")
			}
			_, err := f.Result()
			for _, target := range tt.is {
				if !errors.Is(err, target) {
					t.Errorf("expected %v to wrap %v", err, target)
				}
			}
		})
	}
}

func TestFutureWait(t *testing.T) {
	t.Run("resolved by another goroutine", func(t *testing.T) {
		f := NewFuture()
		go func() {
			time.Sleep(10 * time.Millisecond)
			f.Resolve(42, nil)
		}()
		v, err := f.Wait(context.Background())
		if err != nil || v != 42 {
			t.Errorf("Wait() = %v, %v", v, err)
		}
	})

	t.Run("ctx expires", func(t *testing.T) {
		f := NewFuture()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := f.Wait(ctx)
		if !errors.Is(err, common.ErrCanceled) || !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected cancellation with deadline cause, got %v", err)
		}
		// every waiter observes the same outcome
		if _, err2 := f.Result(); err2 != err {
			t.Errorf("Result() = %v, want %v", err2, err)
		}
	})
}

func TestFutureOnComplete(t *testing.T) {
	f := NewFuture()

	var mu sync.Mutex
	calls := 0
	inc := func() {
		mu.Lock()
		calls++
		mu.Unlock()
	}

	f.OnComplete(inc)
	f.OnComplete(inc)
	f.Resolve(nil, nil)
	f.Resolve(nil, nil)
	// registered after resolution, runs immediately
	f.OnComplete(inc)

	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Errorf("expected 3 callback runs, got %d", calls)
	}
}
