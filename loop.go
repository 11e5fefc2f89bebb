package phaseloop

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// maxPollInterval caps how long a single poll may block, so state changes
// that race a missed wake-up are still observed within a bounded interval.
const maxPollInterval = 10 * time.Second

// readyEvent is a readiness observation queued for the ready phase.
type readyEvent struct {
	w      *fdWatcher
	events IOEvents
}

// fdWatcher is the loop-side handle for a registered descriptor. The active
// flag is cleared by UnregisterFD so readiness already queued for dispatch is
// suppressed before its callback fires.
type fdWatcher struct {
	cb     IOCallback
	fd     int
	active atomic.Bool
}

// Loop is a single-threaded cooperative phase scheduler. See the package
// documentation for the phase model.
//
// Create with [New], drive with [Loop.Run]. The zero value is not usable.
type Loop struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	log        *logiface.Logger[logiface.Event]
	logLimiter *catrate.Limiter
	onOverload func(error)

	state loopState

	// Timers
	timers        timerSet
	timerSeq      atomic.Uint64
	pendingTimers atomic.Int64

	// Queues
	external   ingressQueue
	micro      microQueue
	immediates fifoQueue[*Immediate]
	closers    fifoQueue[func()]

	// Loop-goroutine scratch buffers
	immediateScratch []*Immediate
	closerScratch    []func()
	batchBuf         [256]func()

	// I/O readiness collected by the poller, dispatched in the ready phase.
	// Loop goroutine only.
	readyIO    []readyEvent
	readySpare []readyEvent

	poller       poller
	watchersMu   sync.Mutex
	watchers     map[int]*fdWatcher
	watcherCount atomic.Int64

	// Wake-up mechanism
	wakeRead    int
	wakeWrite   int
	wakeBuf     [8]byte
	wakePending atomic.Uint32

	// Per-turn cached clock: anchor is set once by New and never written
	// again, the elapsed offset is advanced at the top of each turn.
	// Monotonic, immune to wall-clock jumps.
	tickAnchor  time.Time
	tickElapsed atomic.Int64

	// Fatal poller error, surfaced by Run. Loop goroutine only.
	pollErr error

	loopGoroutineID atomic.Uint64
	turnCount       uint64
	id              uint64

	loopDone chan struct{}
	stopOnce sync.Once

	// In-flight submit counter for shutdown synchronization
	inflight atomic.Int64

	submitBudget     int
	microtaskBudget  int
	strictMicrotasks bool
	runUntilEmpty    bool
}

var loopIDCounter atomic.Uint64

// New creates a phase scheduler, initializing the platform poller and the
// wake descriptor.
func New(opts ...Option) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	wakeRead, wakeWrite, err := createWakeFD()
	if err != nil {
		return nil, err
	}

	l := &Loop{
		id:         loopIDCounter.Add(1),
		tickAnchor: time.Now(),
		log:        cfg.logger,
		logLimiter: cfg.logLimiter,
		onOverload: cfg.onOverload,
		watchers:   make(map[int]*fdWatcher),
		wakeRead:   wakeRead,
		wakeWrite:  wakeWrite,
		loopDone:   make(chan struct{}),

		submitBudget:     cfg.submitBudget,
		microtaskBudget:  cfg.microtaskBudget,
		strictMicrotasks: cfg.strictMicrotasks,
		runUntilEmpty:    cfg.runUntilEmpty,
	}

	if err := l.poller.Init(); err != nil {
		_ = closeFD(wakeRead)
		if wakeWrite != wakeRead {
			_ = closeFD(wakeWrite)
		}
		return nil, err
	}

	// The wake descriptor is drained inline during the poll; it never counts
	// as an outstanding watcher for termination purposes.
	if err := l.poller.Register(wakeRead, EventRead, func(IOEvents) {
		l.drainWakeFD()
	}); err != nil {
		_ = l.poller.Close()
		_ = closeFD(wakeRead)
		if wakeWrite != wakeRead {
			_ = closeFD(wakeWrite)
		}
		return nil, err
	}

	return l, nil
}

// Run drives the loop and blocks until it terminates: normally once no work
// and no pending timers or watchers remain (unless configured with
// [WithRunUntilEmpty]), or via [Loop.Shutdown], [Loop.Close], or ctx
// cancellation (in which case ctx.Err() is returned). A fatal poller failure
// terminates the loop and is returned, wrapping the underlying error.
func (l *Loop) Run(ctx context.Context) error {
	if l.isLoopThread() {
		return ErrReentrantRun
	}

	if !l.state.TryTransition(StateNew, StateRunning) {
		if l.state.Terminal() {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}

	defer close(l.loopDone)

	l.tickElapsed.Store(int64(time.Since(l.tickAnchor)))

	return l.run(ctx)
}

// run is the loop goroutine body.
func (l *Loop) run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.loopGoroutineID.Store(getGoroutineID())
	defer l.loopGoroutineID.Store(0)

	// Wake the loop when the context is cancelled, so a blocked poll notices.
	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.state.RequestStop()
			_ = l.submitWakeup()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	l.log.Debug().Uint64("loop", l.id).Log("phaseloop: started")

	for {
		select {
		case <-ctx.Done():
			l.state.RequestStop()
			l.finalize()
			return ctx.Err()
		default:
		}

		if state := l.state.Load(); state == StateStopping || state == StateStopped {
			l.finalize()
			return l.pollErr
		}

		l.turn()

		if l.runUntilEmpty && l.idle() {
			if l.state.TryTransition(StateRunning, StateStopping) {
				l.finalize()
				return nil
			}
		}
	}
}

// turn is a single cycle through the phases.
func (l *Loop) turn() {
	l.turnCount++
	l.tickElapsed.Store(int64(time.Since(l.tickAnchor)))

	l.admitTimers()
	l.runTimers()
	l.runReady()
	l.runImmediates()
	l.runClosers()

	l.drainMicrotasks()

	l.poll()

	l.drainMicrotasks()
}

// runReady is phase 2: readiness callbacks collected by the previous poll,
// then externally submitted tasks, budgeted per turn.
func (l *Loop) runReady() {
	if len(l.readyIO) > 0 {
		batch := l.readyIO
		l.readyIO = l.readySpare[:0]
		for _, ev := range batch {
			if !ev.w.active.Load() {
				continue // unregistered after the readiness was observed
			}
			l.safeDispatch(ev.w.cb, ev.events)
			if l.strictMicrotasks {
				l.drainMicrotasks()
			}
		}
		clear(batch)
		l.readySpare = batch[:0]
	}

	// Quota is snapshotted before executing anything: tasks submitted by a
	// running task are visited on a later turn, never this one.
	quota := l.external.Len()
	if quota > l.submitBudget {
		quota = l.submitBudget
	}
	consumed := quota
	for quota > 0 {
		n := l.external.PopBatch(l.batchBuf[:], quota)
		if n == 0 {
			break
		}
		for i := 0; i < n; i++ {
			l.safeExecute(l.batchBuf[i])
			l.batchBuf[i] = nil
			if l.strictMicrotasks {
				l.drainMicrotasks()
			}
		}
		quota -= n
	}

	if consumed == l.submitBudget {
		if remaining := l.external.Len(); remaining > 0 {
			l.logOverload(remaining)
			if l.onOverload != nil {
				l.onOverload(ErrLoopOverloaded)
			}
		}
	}
}

// drainMicrotasks runs queued microtasks up to the per-checkpoint budget.
// The remainder carries over to the next checkpoint.
func (l *Loop) drainMicrotasks() {
	for i := 0; i < l.microtaskBudget; i++ {
		fn := l.micro.Pop()
		if fn == nil {
			return
		}
		l.safeExecute(fn)
	}
}

// hasReadyWork reports whether any queue holds work runnable this turn.
// Un-admitted timer intake counts: it can shorten the poll timeout, so the
// loop must come back around and admit it before sleeping.
func (l *Loop) hasReadyWork() bool {
	return len(l.readyIO) > 0 ||
		l.external.Len() > 0 ||
		!l.micro.Empty() ||
		l.immediates.Len() > 0 ||
		l.closers.Len() > 0 ||
		l.timers.intake.Len() > 0
}

// idle reports whether nothing queued, pending, or in flight remains.
func (l *Loop) idle() bool {
	return !l.hasReadyWork() &&
		l.pendingTimers.Load() == 0 &&
		l.watcherCount.Load() == 0 &&
		l.inflight.Load() == 0
}

// poll is the top-level wait-for-event point: the only place the loop may
// suspend, and only while every ready queue is empty.
func (l *Loop) poll() {
	if l.state.Load() != StateRunning {
		return
	}
	if !l.state.TryTransition(StateRunning, StateSleeping) {
		return
	}

	// Re-check after publishing Sleeping: a Submit that loaded the prior
	// state will have pushed without waking.
	if l.hasReadyWork() {
		l.state.TryTransition(StateSleeping, StateRunning)
		return
	}

	timeout := l.pollTimeout()

	_, err := l.poller.Wait(timeout)
	if err != nil {
		l.logPollError(err)
		l.pollErr = fmt.Errorf("phaseloop: poll failed: %w", err)
		l.state.TryTransition(StateSleeping, StateStopping)
		return
	}

	l.state.TryTransition(StateSleeping, StateRunning)
}

// pollTimeout computes the poll duration in milliseconds: zero when work is
// already runnable (or the loop would otherwise terminate), the delay to the
// earliest live deadline when timers are pending, else the poll cap.
func (l *Loop) pollTimeout() int {
	if l.hasReadyWork() {
		return 0
	}

	now := l.Now()
	d, ok := l.nextTimerDelay(now)
	if !ok {
		if l.watcherCount.Load() == 0 && l.runUntilEmpty {
			// Nothing outstanding: don't block, let the idle check decide.
			return 0
		}
		return int(maxPollInterval.Milliseconds())
	}

	if d <= 0 {
		return 0
	}
	if d > maxPollInterval {
		d = maxPollInterval
	}
	// Ceiling rounding, so a sub-millisecond remainder doesn't busy-loop.
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

// Submit schedules fn on the ready phase of the loop. Safe to call from any
// goroutine; wakes a sleeping loop.
//
// Submissions are accepted while the loop is stopping (they are executed by
// the final drain) and rejected once it has fully stopped.
func (l *Loop) Submit(fn func()) error {
	if fn == nil {
		return ErrNilCallback
	}

	l.inflight.Add(1)
	defer l.inflight.Add(-1)

	if l.state.Terminal() {
		return ErrLoopTerminated
	}

	l.external.Push(fn)
	l.wake()
	return nil
}

// QueueMicrotask schedules fn on the high-priority micro-queue. Microtasks
// drain before the loop yields back to the top of the cycle, and (in strict
// mode) after every macro-callback.
func (l *Loop) QueueMicrotask(fn func()) error {
	if fn == nil {
		return ErrNilCallback
	}

	l.inflight.Add(1)
	defer l.inflight.Add(-1)

	if l.state.Terminal() {
		return ErrLoopTerminated
	}

	l.micro.Push(fn)
	l.wake()
	return nil
}

// RegisterFD watches a file descriptor for readiness; cb runs in the ready
// phase with the observed events. The descriptor counts as outstanding work
// for termination purposes until unregistered.
func (l *Loop) RegisterFD(fd int, events IOEvents, cb IOCallback) error {
	if cb == nil {
		return ErrNilCallback
	}
	if l.state.Terminal() {
		return ErrLoopTerminated
	}

	w := &fdWatcher{cb: cb, fd: fd}
	w.active.Store(true)

	l.watchersMu.Lock()
	if _, ok := l.watchers[fd]; ok {
		l.watchersMu.Unlock()
		return ErrFDAlreadyRegistered
	}
	l.watchers[fd] = w
	l.watchersMu.Unlock()

	// The poller invokes this wrapper on the loop goroutine, during the
	// poll; dispatch is deferred to the ready phase of the next turn.
	err := l.poller.Register(fd, events, func(events IOEvents) {
		l.readyIO = append(l.readyIO, readyEvent{w: w, events: events})
	})
	if err != nil {
		l.watchersMu.Lock()
		delete(l.watchers, fd)
		l.watchersMu.Unlock()
		return err
	}

	l.watcherCount.Add(1)
	l.wake()
	return nil
}

// ModifyFD updates the readiness events watched for fd.
func (l *Loop) ModifyFD(fd int, events IOEvents) error {
	l.watchersMu.Lock()
	_, ok := l.watchers[fd]
	l.watchersMu.Unlock()
	if !ok {
		return ErrFDNotRegistered
	}
	return l.poller.Modify(fd, events)
}

// UnregisterFD stops watching fd. Readiness already observed but not yet
// dispatched is suppressed; a callback mid-execution is unaffected.
func (l *Loop) UnregisterFD(fd int) error {
	l.watchersMu.Lock()
	w, ok := l.watchers[fd]
	if ok {
		delete(l.watchers, fd)
	}
	l.watchersMu.Unlock()
	if !ok {
		return ErrFDNotRegistered
	}

	w.active.Store(false)
	err := l.poller.Unregister(fd)
	l.watcherCount.Add(-1)
	l.wake()
	return err
}

// Shutdown gracefully terminates the loop: wakes it, runs the final drain
// (queued tasks, immediates, close callbacks, microtasks; timers that have
// not fired are dropped), and releases the descriptors. Blocks until the
// drain completes or ctx expires. Idempotent; callable from any goroutine
// except the loop's own.
func (l *Loop) Shutdown(ctx context.Context) error {
	var err error
	ran := false
	l.stopOnce.Do(func() {
		ran = true
		err = l.shutdownImpl(ctx)
	})
	if !ran {
		return ErrLoopTerminated
	}
	return err
}

func (l *Loop) shutdownImpl(ctx context.Context) error {
	prev := l.state.RequestStop()
	switch prev {
	case StateStopped:
		return ErrLoopTerminated
	case StateStopping:
		// Another path is already tearing down; fall through to wait.
	case StateNew:
		l.state.Store(StateStopped)
		l.closeFDs()
		return nil
	case StateSleeping:
		_ = l.submitWakeup()
	}

	if l.isLoopThread() {
		// Called from a callback: the run loop completes the drain after
		// this callback returns. Waiting here would deadlock.
		return nil
	}

	select {
	case <-l.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close requests termination without waiting for the drain to complete.
// Safe to call from loop callbacks.
func (l *Loop) Close() error {
	prev := l.state.RequestStop()
	switch prev {
	case StateStopped:
		return ErrLoopTerminated
	case StateNew:
		l.state.Store(StateStopped)
		l.closeFDs()
	case StateSleeping:
		_ = l.submitWakeup()
	}
	return nil
}

// finalize runs the terminal drain. Loop goroutine only.
//
// The state is stored Stopped first so new ingress is rejected; anything
// pushed by a Submit that passed its state check before the store is caught
// by the drain below, which requires several consecutive empty observations
// with no in-flight submitters before it concludes.
func (l *Loop) finalize() {
	l.state.Store(StateStopped)

	const requiredEmptyChecks = 3
	emptyChecks := 0
	for emptyChecks < requiredEmptyChecks {
		spins := 0
		for l.inflight.Load() > 0 {
			spins++
			if spins > 1000 {
				time.Sleep(100 * time.Microsecond)
			} else {
				runtime.Gosched()
			}
		}

		drained := false

		for {
			n := l.external.PopBatch(l.batchBuf[:], len(l.batchBuf))
			if n == 0 {
				break
			}
			for i := 0; i < n; i++ {
				l.safeExecute(l.batchBuf[i])
				l.batchBuf[i] = nil
			}
			drained = true
		}

		if len(l.readyIO) > 0 {
			batch := l.readyIO
			l.readyIO = l.readySpare[:0]
			for _, ev := range batch {
				if ev.w.active.Load() {
					l.safeDispatch(ev.w.cb, ev.events)
				}
			}
			clear(batch)
			l.readySpare = batch[:0]
			drained = true
		}

		if l.immediates.Len() > 0 || l.closers.Len() > 0 {
			l.runImmediates()
			l.runClosers()
			drained = true
		}

		for {
			fn := l.micro.Pop()
			if fn == nil {
				break
			}
			l.safeExecute(fn)
			drained = true
		}

		if drained || l.inflight.Load() > 0 {
			emptyChecks = 0
		} else {
			emptyChecks++
			runtime.Gosched()
		}
	}

	l.closeFDs()
	l.log.Debug().Uint64("loop", l.id).Uint64("turns", l.turnCount).Log("phaseloop: stopped")
}

// wake nudges a sleeping loop. Wake-up writes are deduplicated, and write
// failures during shutdown (EBADF, EPIPE after the descriptors close) are
// swallowed: the work is already queued, and the final drain will find it.
func (l *Loop) wake() {
	if l.state.Load() != StateSleeping {
		return
	}
	if l.wakePending.CompareAndSwap(0, 1) {
		if err := l.submitWakeup(); err != nil {
			l.wakePending.Store(0)
		}
	}
}

// submitWakeup writes to the wake descriptor.
func (l *Loop) submitWakeup() error {
	if l.state.Terminal() {
		return ErrLoopTerminated
	}
	// Any nonzero 8-byte value works for eventfd; a pipe only needs a byte.
	var buf [8]byte
	buf[0] = 1
	_, err := writeFD(l.wakeWrite, buf[:])
	return err
}

// drainWakeFD empties the wake descriptor. Runs inline during the poll.
func (l *Loop) drainWakeFD() {
	for {
		if _, err := readFD(l.wakeRead, l.wakeBuf[:]); err != nil {
			break
		}
	}
	l.wakePending.Store(0)
}

// closeFDs releases the poller and wake descriptors.
func (l *Loop) closeFDs() {
	_ = l.poller.Close()
	_ = closeFD(l.wakeRead)
	if l.wakeWrite != l.wakeRead {
		_ = closeFD(l.wakeWrite)
	}
}

// State returns the current lifecycle state.
func (l *Loop) State() LoopState {
	return l.state.Load()
}

// Now returns the turn's cached clock reading. The value advances once per
// turn, uses the monotonic clock, and is the reference against which timer
// deadlines are evaluated. Before Run it falls back to time.Now.
func (l *Loop) Now() time.Time {
	if l.state.Load() == StateNew {
		return time.Now()
	}
	return l.tickAnchor.Add(time.Duration(l.tickElapsed.Load()))
}

// safeExecute runs a callback with panic recovery; a panicking callback is
// logged and the loop keeps running.
func (l *Loop) safeExecute(fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.logPanic(r)
		}
	}()
	fn()
}

// safeDispatch runs an I/O callback with panic recovery.
func (l *Loop) safeDispatch(cb IOCallback, events IOEvents) {
	defer func() {
		if r := recover(); r != nil {
			l.logPanic(r)
		}
	}()
	cb(events)
}

// isLoopThread reports whether the caller is on the loop goroutine.
func (l *Loop) isLoopThread() bool {
	id := l.loopGoroutineID.Load()
	return id != 0 && getGoroutineID() == id
}

// getGoroutineID returns the current goroutine's ID.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
