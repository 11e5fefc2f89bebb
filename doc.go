// Package phaseloop implements a single-threaded cooperative phase scheduler,
// modeled after the phased structure of a Node.js-style event loop.
//
// # Architecture
//
// A [Loop] cycles through an ordered set of phases, once per turn:
//
//  1. Timers: callbacks whose deadline has elapsed, earliest first, with ties
//     broken by registration order.
//  2. Ready callbacks: I/O readiness callbacks collected by the platform
//     poller, followed by externally submitted tasks ([Loop.Submit]).
//  3. Immediates: the immediate queue ([Loop.SetImmediate]), drained as a
//     snapshot so an immediate scheduled by an immediate runs on the next
//     turn.
//  4. Close callbacks: the close queue ([Loop.OnClose]), same snapshot rule.
//
// A high-priority microtask queue ([Loop.QueueMicrotask]) is checked before
// the loop yields back to the top of the cycle, and (by default) after every
// macro-callback, so a callback's microtasks run before the next callback of
// the same phase.
//
// # Suspension and Termination
//
// The loop blocks only at the top-level poll point, when every ready queue is
// empty and at least one timer or file descriptor watcher is outstanding. The
// poll timeout is bounded by the earliest timer deadline.
//
// By default Run returns nil once no queued work, no pending timers, and no
// registered watchers remain. Use [WithRunUntilEmpty] to disable this and
// keep the loop alive until [Loop.Shutdown] or [Loop.Close].
//
// # Cancellation
//
// Stopping a [Timer] or [Immediate], or calling [Loop.UnregisterFD], removes
// the handle from consideration before its callback fires. A callback that is
// already executing is unaffected.
//
// # Platform Support
//
// I/O readiness is observed with platform-native mechanisms:
//   - Linux: epoll (wake-ups via eventfd)
//   - macOS: kqueue (wake-ups via self-pipe)
//
// # Thread Safety
//
// [Loop.Submit], [Loop.QueueMicrotask], timer and immediate scheduling, and
// watcher registration are safe to call from any goroutine. Callbacks always
// execute on the loop goroutine and run to completion without preemption.
//
// # Usage
//
//	loop, err := phaseloop.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	loop.Submit(func() {
//	    loop.AfterFunc(100*time.Millisecond, func() {
//	        fmt.Println("hello after 100ms")
//	    })
//	})
//
//	// Run returns once all scheduled work has completed.
//	if err := loop.Run(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
package phaseloop
