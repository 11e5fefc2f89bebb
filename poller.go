// Package phaseloop: I/O readiness plumbing.
//
// Readiness is observed with platform-native mechanisms (epoll on Linux,
// kqueue on Darwin; see poller_linux.go and poller_darwin.go). The loop
// registers a dispatch wrapper per watched descriptor, so events observed
// while blocked in the poller are queued and run in the ready phase at the
// top of the next turn rather than inline mid-poll.
//
// Always call UnregisterFD before closing a file descriptor. FD numbers are
// recycled by the kernel; a watcher left behind on a closed descriptor can
// receive another descriptor's events.
package phaseloop

// IOEvents is a bit set describing readiness conditions on a descriptor.
type IOEvents uint32

const (
	// EventRead indicates the descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the descriptor.
	EventError
	// EventHangup indicates the peer closed its end.
	EventHangup
)

// IOCallback receives the readiness events observed for a registered
// descriptor. It runs on the loop goroutine, in the ready phase.
type IOCallback func(IOEvents)

// maxFD bounds accepted descriptor numbers, as a sanity check against
// garbage input rather than a real capacity limit (the watcher table is a
// map, not an array).
const maxFD = 100000000
