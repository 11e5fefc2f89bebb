package phaseloop

import "errors"

// Standard errors.
var (
	// ErrLoopAlreadyRunning is returned when Run is called on a loop that is
	// already running.
	ErrLoopAlreadyRunning = errors.New("phaseloop: loop is already running")

	// ErrLoopTerminated is returned when operations are attempted on a
	// terminated loop.
	ErrLoopTerminated = errors.New("phaseloop: loop has been terminated")

	// ErrLoopOverloaded is passed to the OnOverload callback when the
	// external queue exceeds the per-turn budget.
	ErrLoopOverloaded = errors.New("phaseloop: loop is overloaded")

	// ErrReentrantRun is returned when Run is called from a loop callback.
	ErrReentrantRun = errors.New("phaseloop: cannot call Run from within the loop")

	// ErrNilCallback is returned when a nil callback is scheduled.
	ErrNilCallback = errors.New("phaseloop: nil callback")
)

// I/O registration errors.
var (
	// ErrFDOutOfRange is returned for negative or absurdly large file
	// descriptors.
	ErrFDOutOfRange = errors.New("phaseloop: fd out of range")

	// ErrFDAlreadyRegistered is returned when registering a file descriptor
	// that already has a watcher.
	ErrFDAlreadyRegistered = errors.New("phaseloop: fd already registered")

	// ErrFDNotRegistered is returned when modifying or unregistering a file
	// descriptor that has no watcher.
	ErrFDNotRegistered = errors.New("phaseloop: fd not registered")

	// ErrPollerClosed is returned when the platform poller has been closed.
	ErrPollerClosed = errors.New("phaseloop: poller closed")
)
