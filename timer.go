// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package phaseloop

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// Timer handle states.
const (
	timerScheduled uint32 = iota
	timerFired
	timerStopped
)

// Timer is the handle for a scheduled callback, returned by [Loop.AfterFunc]
// and [Loop.EveryFunc].
type Timer struct {
	fn     func()
	loop   *Loop
	when   time.Time
	period time.Duration // 0 for one-shot
	seq    uint64
	state  atomic.Uint32
}

// Stop cancels the timer, reporting whether it was still scheduled. The
// callback of a stopped timer never runs again; a callback that is already
// executing is unaffected (for repeating timers, Stop only suppresses future
// runs).
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	if !t.state.CompareAndSwap(timerScheduled, timerStopped) {
		return false
	}
	t.loop.pendingTimers.Add(-1)
	// The heap entry is discarded lazily; wake the loop so poll timeouts and
	// the termination check re-evaluate without the dead deadline.
	t.loop.wake()
	return true
}

// stopped reports whether the handle was cancelled.
func (t *Timer) stopped() bool { return t.state.Load() == timerStopped }

// timerHeap is a min-heap ordered by deadline, with ties broken by
// registration sequence.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) { *h = append(*h, x.(*Timer)) }

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// timerSet groups the loop's timer storage: the heap (loop goroutine only),
// the intake queue (any goroutine), and a reusable drain buffer.
type timerSet struct {
	heap    liveTimerHeap
	intake  timerIntake
	scratch []*Timer
}

// liveTimerHeap wraps timerHeap with lazy discard of stopped entries: Stop
// marks the handle, and dead heads are dropped the next time the heap is
// inspected.
type liveTimerHeap struct {
	h timerHeap
}

func (x *liveTimerHeap) len() int { return len(x.h) }

func (x *liveTimerHeap) push(t *Timer) { heap.Push(&x.h, t) }

func (x *liveTimerHeap) pop() *Timer { return heap.Pop(&x.h).(*Timer) }

// peekLive returns the earliest scheduled timer, discarding stopped heads.
func (x *liveTimerHeap) peekLive() *Timer {
	for len(x.h) > 0 {
		t := x.h[0]
		if t.stopped() {
			heap.Pop(&x.h)
			continue
		}
		return t
	}
	return nil
}

// peekDue returns the earliest scheduled timer due as of now, if any.
func (x *liveTimerHeap) peekDue(now time.Time) *Timer {
	t := x.peekLive()
	if t == nil || t.when.After(now) {
		return nil
	}
	return t
}

// timerIntake hands timers created off the loop goroutine over to the heap,
// which is owned exclusively by the loop goroutine.
type timerIntake struct {
	mu sync.Mutex
	q  []*Timer
}

func (q *timerIntake) Push(t *Timer) {
	q.mu.Lock()
	q.q = append(q.q, t)
	q.mu.Unlock()
}

func (q *timerIntake) Len() int {
	q.mu.Lock()
	n := len(q.q)
	q.mu.Unlock()
	return n
}

// Drain moves all queued timers into dst, returning the extended slice.
func (q *timerIntake) Drain(dst []*Timer) []*Timer {
	q.mu.Lock()
	dst = append(dst, q.q...)
	clear(q.q)
	q.q = q.q[:0]
	q.mu.Unlock()
	return dst
}

// AfterFunc schedules fn to run once after delay d, in the timers phase.
// Delays < 0 are treated as 0; a zero delay still defers fn to the next
// timers phase rather than running it synchronously.
func (l *Loop) AfterFunc(d time.Duration, fn func()) (*Timer, error) {
	return l.scheduleTimer(d, 0, fn)
}

// EveryFunc schedules fn to run in the timers phase every period d, first
// firing after d. The timer reschedules itself after each run until stopped;
// the next deadline is computed from the turn's clock reading, so a slow
// callback delays subsequent runs rather than bunching them. Periods < 1ms
// are clamped to 1ms.
func (l *Loop) EveryFunc(d time.Duration, fn func()) (*Timer, error) {
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return l.scheduleTimer(d, d, fn)
}

func (l *Loop) scheduleTimer(d, period time.Duration, fn func()) (*Timer, error) {
	if fn == nil {
		return nil, ErrNilCallback
	}
	if l.state.Terminal() {
		return nil, ErrLoopTerminated
	}
	if d < 0 {
		d = 0
	}

	t := &Timer{
		fn:     fn,
		loop:   l,
		when:   l.Now().Add(d),
		period: period,
		seq:    l.timerSeq.Add(1),
	}

	l.pendingTimers.Add(1)
	l.timers.intake.Push(t)
	l.wake()
	return t, nil
}

// admitTimers moves handed-over timers into the heap. Loop goroutine only.
func (l *Loop) admitTimers() {
	l.timers.scratch = l.timers.intake.Drain(l.timers.scratch[:0])
	for _, t := range l.timers.scratch {
		if t.stopped() {
			continue
		}
		l.timers.heap.push(t)
	}
	clear(l.timers.scratch)
}

// runTimers executes every timer due as of the turn's cached clock reading.
// Earliest deadline first; ties run in registration order.
func (l *Loop) runTimers() {
	now := l.Now()
	for {
		t := l.timers.heap.peekDue(now)
		if t == nil {
			return
		}
		l.timers.heap.pop()

		if t.period == 0 {
			if !t.state.CompareAndSwap(timerScheduled, timerFired) {
				continue // stopped after peek
			}
			l.pendingTimers.Add(-1)
			l.safeExecute(t.fn)
		} else {
			if t.state.Load() != timerScheduled {
				continue
			}
			l.safeExecute(t.fn)
			if t.state.Load() == timerScheduled {
				t.when = l.Now().Add(t.period)
				t.seq = l.timerSeq.Add(1)
				l.timers.heap.push(t)
			}
		}

		if l.strictMicrotasks {
			l.drainMicrotasks()
		}
	}
}

// nextTimerDelay returns the delay until the earliest live deadline, if any.
// Stopped heap entries encountered at the top are discarded as a side effect.
func (l *Loop) nextTimerDelay(now time.Time) (time.Duration, bool) {
	t := l.timers.heap.peekLive()
	if t == nil {
		return 0, false
	}
	d := t.when.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}
