package concurrency_test

import (
	"sync"
	"testing"

	"github.com/momentics/tpcnet/internal/concurrency"
)

func TestMPSCOrderSingleProducer(t *testing.T) {
	q := concurrency.NewMPSC[int]()
	for i := 0; i < 1000; i++ {
		q.Push(i)
	}
	for i := 0; i < 1000; i++ {
		v, ok := q.Pop()
		if !ok || v != i {
			t.Fatalf("pop %d = (%d, %v)", i, v, ok)
		}
	}
	if !q.Empty() {
		t.Error("queue not empty after draining")
	}
}

func TestMPSCConcurrentProducers(t *testing.T) {
	const producers = 8
	const perProducer = 10000

	q := concurrency.NewMPSC[int]()
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(p*perProducer + i)
			}
		}(p)
	}

	seen := make(map[int]bool, producers*perProducer)
	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		v, ok := q.Pop()
		if !ok {
			select {
			case <-done:
				if q.Empty() {
					goto verify
				}
			default:
			}
			continue
		}
		if seen[v] {
			t.Fatalf("value %d popped twice", v)
		}
		seen[v] = true
		p := v / perProducer
		if v%perProducer <= last[p] {
			t.Fatalf("producer %d reordered: %d after %d", p, v%perProducer, last[p])
		}
		last[p] = v % perProducer
	}

verify:
	if len(seen) != producers*perProducer {
		t.Fatalf("popped %d values, want %d", len(seen), producers*perProducer)
	}
}
