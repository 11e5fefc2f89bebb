//go:build darwin

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

// poller observes descriptor readiness using kqueue.
//
// Read and write interest map to separate EVFILT_READ / EVFILT_WRITE kevent
// registrations. The watcher table is a map guarded by an RWMutex; dispatch
// copies the callback under the read lock and runs it unlocked.
type poller struct {
	eventBuf [pollerEventBuf]unix.Kevent_t
	watches  map[int]pollWatch
	mu       sync.RWMutex
	kq       int
	closed   atomic.Bool
}

// Init creates the kqueue instance.
func (p *poller) Init() error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	unix.CloseOnExec(kq)
	p.kq = kq
	p.watches = make(map[int]pollWatch)
	return nil
}

// Close closes the kqueue instance. Idempotent.
func (p *poller) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return unix.Close(p.kq)
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

	if err := p.applyFilters(fd, 0, events); err != nil {
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
	old := w.events
	w.events = events
	p.watches[fd] = w
	p.mu.Unlock()

	return p.applyFilters(fd, old, events)
}

// Unregister removes a descriptor from the interest set.
func (p *poller) Unregister(fd int) error {
	if fd < 0 {
		return ErrFDOutOfRange
	}

	p.mu.Lock()
	w, ok := p.watches[fd]
	if !ok {
		p.mu.Unlock()
		return ErrFDNotRegistered
	}
	delete(p.watches, fd)
	p.mu.Unlock()

	return p.applyFilters(fd, w.events, 0)
}

// applyFilters reconciles the kevent registrations for fd from the old
// interest set to the new one.
func (p *poller) applyFilters(fd int, old, events IOEvents) error {
	var changes []unix.Kevent_t
	change := func(filter int16, flags uint16) {
		changes = append(changes, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: filter,
			Flags:  flags,
		})
	}

	if events&EventRead != 0 && old&EventRead == 0 {
		change(unix.EVFILT_READ, unix.EV_ADD|unix.EV_ENABLE)
	} else if events&EventRead == 0 && old&EventRead != 0 {
		change(unix.EVFILT_READ, unix.EV_DELETE)
	}
	if events&EventWrite != 0 && old&EventWrite == 0 {
		change(unix.EVFILT_WRITE, unix.EV_ADD|unix.EV_ENABLE)
	} else if events&EventWrite == 0 && old&EventWrite != 0 {
		change(unix.EVFILT_WRITE, unix.EV_DELETE)
	}
	if len(changes) == 0 {
		return nil
	}

	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

// Wait blocks for up to timeoutMs (-1 blocks indefinitely, 0 polls) and
// dispatches observed readiness to the registered callbacks. Returns the
// number of events dispatched. EINTR is swallowed.
func (p *poller) Wait(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}

	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		ts = &t
	}

	n, err := unix.Kevent(p.kq, nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	for i := 0; i < n; i++ {
		ev := &p.eventBuf[i]
		fd := int(ev.Ident)

		p.mu.RLock()
		w, ok := p.watches[fd]
		p.mu.RUnlock()
		if !ok || w.callback == nil {
			continue
		}

		var events IOEvents
		switch ev.Filter {
		case unix.EVFILT_READ:
			events |= EventRead
		case unix.EVFILT_WRITE:
			events |= EventWrite
		}
		if ev.Flags&unix.EV_EOF != 0 {
			events |= EventHangup
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			events |= EventError
		}
		w.callback(events)
	}
	return n, nil
}
