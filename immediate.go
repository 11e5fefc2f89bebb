package phaseloop

import (
	"sync"
	"sync/atomic"
)

// Immediate handle states.
const (
	immediateScheduled uint32 = iota
	immediateRan
	immediateStopped
)

// Immediate is the handle for a callback scheduled with [Loop.SetImmediate].
type Immediate struct {
	fn    func()
	state atomic.Uint32
}

// Stop cancels the immediate, reporting whether it was still scheduled.
func (im *Immediate) Stop() bool {
	if im == nil {
		return false
	}
	return im.state.CompareAndSwap(immediateScheduled, immediateStopped)
}

// fifoQueue is a mutex-guarded FIFO drained as a snapshot: entries present
// when a drain begins run this turn, entries added during the drain run on a
// later turn.
type fifoQueue[T any] struct {
	mu sync.Mutex
	q  []T
}

func (q *fifoQueue[T]) Push(v T) {
	q.mu.Lock()
	q.q = append(q.q, v)
	q.mu.Unlock()
}

// Snapshot swaps the queue contents into dst, returning the extended slice.
func (q *fifoQueue[T]) Snapshot(dst []T) []T {
	q.mu.Lock()
	dst = append(dst, q.q...)
	clear(q.q)
	q.q = q.q[:0]
	q.mu.Unlock()
	return dst
}

func (q *fifoQueue[T]) Len() int {
	q.mu.Lock()
	n := len(q.q)
	q.mu.Unlock()
	return n
}

// SetImmediate schedules fn to run in the immediates phase of the next turn.
// Immediates scheduled from within an immediate callback run on a later turn,
// never the current one.
func (l *Loop) SetImmediate(fn func()) (*Immediate, error) {
	if fn == nil {
		return nil, ErrNilCallback
	}
	if l.state.Terminal() {
		return nil, ErrLoopTerminated
	}
	im := &Immediate{fn: fn}
	l.immediates.Push(im)
	l.wake()
	return im, nil
}

// OnClose enqueues fn on the close-callback queue, run in the final phase of
// the next turn. Close callbacks follow the same snapshot rule as immediates.
func (l *Loop) OnClose(fn func()) error {
	if fn == nil {
		return ErrNilCallback
	}
	if l.state.Terminal() {
		return ErrLoopTerminated
	}
	l.closers.Push(fn)
	l.wake()
	return nil
}

// runImmediates drains the snapshot of the immediate queue.
func (l *Loop) runImmediates() {
	l.immediateScratch = l.immediates.Snapshot(l.immediateScratch[:0])
	for _, im := range l.immediateScratch {
		if !im.state.CompareAndSwap(immediateScheduled, immediateRan) {
			continue // stopped before it fired
		}
		l.safeExecute(im.fn)
		if l.strictMicrotasks {
			l.drainMicrotasks()
		}
	}
	clear(l.immediateScratch)
}

// runClosers drains the snapshot of the close-callback queue.
func (l *Loop) runClosers() {
	l.closerScratch = l.closers.Snapshot(l.closerScratch[:0])
	for _, fn := range l.closerScratch {
		l.safeExecute(fn)
		if l.strictMicrotasks {
			l.drainMicrotasks()
		}
	}
	clear(l.closerScratch)
}
