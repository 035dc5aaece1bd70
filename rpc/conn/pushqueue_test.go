package conn

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dRESP/rpc/resp"
)

// TestPushQueueOrder verifies that messages of one producer arrive in order
func TestPushQueueOrder(t *testing.T) {
	var mu sync.Mutex
	var got []int64

	q := newPushQueue(func(msg resp.Reply) {
		mu.Lock()
		got = append(got, msg.Int)
		mu.Unlock()
	})

	for i := 0; i < 1000; i++ {
		if !q.push(resp.Int(int64(i))) {
			t.Fatalf("Failed to push item %d", i)
		}
	}
	// close waits for the delivery of everything pushed before
	q.close()

	if len(got) != 1000 {
		t.Fatalf("Expected 1000 messages, got %d", len(got))
	}
	for i, v := range got {
		if v != int64(i) {
			t.Fatalf("Expected %d at position %d, got %d", i, i, v)
		}
	}
	if q.push(resp.Int(0)) {
		t.Errorf("push after close must fail")
	}
}

// TestPushQueueConcurrentProducers verifies nothing is lost or duplicated with
// several producers
func TestPushQueueConcurrentProducers(t *testing.T) {
	const numProducers = 8
	const itemsPerProducer = 500

	var mu sync.Mutex
	received := make(map[int64]bool)
	q := newPushQueue(func(msg resp.Reply) {
		mu.Lock()
		defer mu.Unlock()
		if received[msg.Int] {
			t.Errorf("Duplicate item received: %d", msg.Int)
		}
		received[msg.Int] = true
	})

	var wg sync.WaitGroup
	wg.Add(numProducers)
	for p := 0; p < numProducers; p++ {
		go func(producerID int) {
			defer wg.Done()
			base := producerID * itemsPerProducer
			for i := 0; i < itemsPerProducer; i++ {
				q.push(resp.Int(int64(base + i)))
				if i%100 == 0 {
					runtime.Gosched()
				}
			}
		}(p)
	}
	wg.Wait()
	q.close()

	if len(received) != numProducers*itemsPerProducer {
		t.Errorf("Expected %d items, got %d", numProducers*itemsPerProducer, len(received))
	}
}

// TestPushQueueHandlerPanic verifies a panicking handler does not stop delivery
func TestPushQueueHandlerPanic(t *testing.T) {
	delivered := make(chan int64, 2)
	q := newPushQueue(func(msg resp.Reply) {
		if msg.Int == 0 {
			panic("boom")
		}
		delivered <- msg.Int
	})
	defer q.close()

	q.push(resp.Int(0))
	q.push(resp.Int(1))

	select {
	case v := <-delivered:
		if v != 1 {
			t.Errorf("Expected 1, got %d", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("Timeout waiting for delivery after panic")
	}
}
