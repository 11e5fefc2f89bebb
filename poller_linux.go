//go:build linux

package phaseloop

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// pollerEventBuf is the per-wait kernel event buffer size.
const pollerEventBuf = 128

// pollWatch stores per-FD dispatch state.
type pollWatch struct {
	callback IOCallback
	events   IOEvents
}

// poller observes descriptor readiness using epoll.
//
// The watcher table is a map guarded by an RWMutex; registration paths take
// the write lock, dispatch copies the callback under the read lock and then
// runs it unlocked. The epoll_wait call itself holds no lock.
type poller struct {
	eventBuf [pollerEventBuf]unix.EpollEvent
	watches  map[int]pollWatch
	mu       sync.RWMutex
	epfd     int
	closed   atomic.Bool
}

// Init creates the epoll instance.
func (p *poller) Init() error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = epfd
	p.watches = make(map[int]pollWatch)
	return nil
}

// Close closes the epoll instance. Idempotent.
func (p *poller) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return unix.Close(p.epfd)
}

// Register adds a descriptor to the interest set.
func (p *poller) Register(fd int, events IOEvents, cb IOCallback) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if fd < 0 || fd >= maxFD {
		return ErrFDOutOfRange
	}

	p.mu.Lock()
	if _, ok := p.watches[fd]; ok {
		p.mu.Unlock()
		return ErrFDAlreadyRegistered
	}
	p.watches[fd] = pollWatch{callback: cb, events: events}
	p.mu.Unlock()

	ev := unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		p.mu.Lock()
		delete(p.watches, fd)
		p.mu.Unlock()
		return err
	}
	return nil
}

// Modify updates the interest set for a registered descriptor.
func (p *poller) Modify(fd int, events IOEvents) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}

	p.mu.Lock()
	w, ok := p.watches[fd]
	if !ok {
		p.mu.Unlock()
		return ErrFDNotRegistered
	}
	w.events = events
	p.watches[fd] = w
	p.mu.Unlock()

	ev := unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Unregister removes a descriptor from the interest set.
func (p *poller) Unregister(fd int) error {
	if fd < 0 {
		return ErrFDOutOfRange
	}

	p.mu.Lock()
	if _, ok := p.watches[fd]; !ok {
		p.mu.Unlock()
		return ErrFDNotRegistered
	}
	delete(p.watches, fd)
	p.mu.Unlock()

	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks for up to timeoutMs (-1 blocks indefinitely, 0 polls) and
// dispatches observed readiness to the registered callbacks. Returns the
// number of events dispatched. EINTR is swallowed.
func (p *poller) Wait(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}

	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		p.mu.RLock()
		w, ok := p.watches[fd]
		p.mu.RUnlock()
		if ok && w.callback != nil {
			w.callback(epollToEvents(p.eventBuf[i].Events))
		}
	}
	return n, nil
}

func eventsToEpoll(events IOEvents) uint32 {
	var e uint32
	if events&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	// EPOLLERR and EPOLLHUP are always reported; no need to request them.
	return e
}

func epollToEvents(e uint32) IOEvents {
	var events IOEvents
	if e&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if e&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if e&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if e&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
