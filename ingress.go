package phaseloop

import "sync"

const defaultSubmitBudget = 1024

// ingressQueue is the mutex-guarded FIFO used for externally submitted tasks.
//
// Consumption is batched: the loop pops up to the submit budget per turn, and
// the head index avoids re-slicing on every pop. The backing slice is
// compacted once the head passes half the length, keeping amortized cost
// linear.
type ingressQueue struct {
	mu   sync.Mutex
	q    []func()
	head int
}

// Push appends fn to the tail of the queue.
func (q *ingressQueue) Push(fn func()) {
	q.mu.Lock()
	q.q = append(q.q, fn)
	q.mu.Unlock()
}

// PopBatch moves up to max tasks into dst, returning the count.
func (q *ingressQueue) PopBatch(dst []func(), max int) int {
	q.mu.Lock()
	n := len(q.q) - q.head
	if n > max {
		n = max
	}
	if n > len(dst) {
		n = len(dst)
	}
	copy(dst[:n], q.q[q.head:q.head+n])
	for i := q.head; i < q.head+n; i++ {
		q.q[i] = nil
	}
	q.head += n
	if q.head >= len(q.q) {
		q.q = q.q[:0]
		q.head = 0
	} else if q.head > len(q.q)/2 {
		remaining := copy(q.q, q.q[q.head:])
		for i := remaining; i < len(q.q); i++ {
			q.q[i] = nil
		}
		q.q = q.q[:remaining]
		q.head = 0
	}
	q.mu.Unlock()
	return n
}

// Len returns the number of queued tasks.
func (q *ingressQueue) Len() int {
	q.mu.Lock()
	n := len(q.q) - q.head
	q.mu.Unlock()
	return n
}
