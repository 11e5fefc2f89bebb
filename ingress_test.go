package phaseloop

import (
	"sync"
	"testing"
)

func TestIngressPopBatchPartial(t *testing.T) {
	var q ingressQueue

	for i := 0; i < 10; i++ {
		q.Push(func() {})
	}

	buf := make([]func(), 16)
	if n := q.PopBatch(buf, 4); n != 4 {
		t.Fatalf("PopBatch = %d, want 4", n)
	}
	if q.Len() != 6 {
		t.Fatalf("Len = %d, want 6", q.Len())
	}
	if n := q.PopBatch(buf, 100); n != 6 {
		t.Fatalf("PopBatch = %d, want 6", n)
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d, want 0", q.Len())
	}
	if n := q.PopBatch(buf, 100); n != 0 {
		t.Errorf("PopBatch on empty = %d, want 0", n)
	}
}

func TestIngressPreservesOrder(t *testing.T) {
	var q ingressQueue

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		q.Push(func() { got = append(got, i) })
	}

	// Uneven batch sizes exercise the head-index compaction.
	buf := make([]func(), 7)
	for {
		n := q.PopBatch(buf, len(buf))
		if n == 0 {
			break
		}
		for i := 0; i < n; i++ {
			buf[i]()
		}
	}

	for i, v := range got {
		if v != i {
			t.Fatalf("order violated at %d: got %d", i, v)
		}
	}
}

func TestIngressConcurrentPush(t *testing.T) {
	var q ingressQueue

	const goroutines = 8
	const perGoroutine = 500

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				q.Push(func() {})
			}
		}()
	}
	wg.Wait()

	if n := q.Len(); n != goroutines*perGoroutine {
		t.Errorf("Len = %d, want %d", n, goroutines*perGoroutine)
	}
}
