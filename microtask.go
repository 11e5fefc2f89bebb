package phaseloop

import "sync"

const defaultMicrotaskBudget = 1024

// microQueue is a growable FIFO ring buffer for microtasks.
//
// Pushes may come from any goroutine; pops happen only on the loop goroutine.
// A plain mutex is sufficient here: the critical sections are a handful of
// instructions, and microtask pressure is bounded by the per-checkpoint
// budget.
type microQueue struct {
	mu   sync.Mutex
	buf  []func()
	head int
	tail int
	size int
}

const microQueueMinCap = 64

// Push appends fn to the queue, growing the ring as needed. Never fails.
func (q *microQueue) Push(fn func()) {
	q.mu.Lock()
	if q.size == len(q.buf) {
		q.grow()
	}
	q.buf[q.tail] = fn
	q.tail = (q.tail + 1) % len(q.buf)
	q.size++
	q.mu.Unlock()
}

// Pop removes and returns the oldest microtask, or nil when empty.
func (q *microQueue) Pop() func() {
	q.mu.Lock()
	if q.size == 0 {
		q.mu.Unlock()
		return nil
	}
	fn := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	q.mu.Unlock()
	return fn
}

// Len returns the number of queued microtasks.
func (q *microQueue) Len() int {
	q.mu.Lock()
	n := q.size
	q.mu.Unlock()
	return n
}

// Empty reports whether the queue holds no microtasks.
func (q *microQueue) Empty() bool { return q.Len() == 0 }

// grow doubles the ring capacity, unwrapping the contents. Caller holds mu.
func (q *microQueue) grow() {
	capacity := len(q.buf) * 2
	if capacity < microQueueMinCap {
		capacity = microQueueMinCap
	}
	buf := make([]func(), capacity)
	if q.size > 0 {
		n := copy(buf, q.buf[q.head:])
		copy(buf[n:], q.buf[:q.head])
	}
	q.buf = buf
	q.head = 0
	q.tail = q.size
}
