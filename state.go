package phaseloop

import "sync/atomic"

// LoopState represents the lifecycle state of a [Loop].
//
// State machine:
//
//	StateNew → StateRunning          [Run]
//	StateRunning ⇄ StateSleeping     [poll, via CAS]
//	StateRunning → StateStopping     [Shutdown / Close / ctx / ran-until-empty]
//	StateSleeping → StateStopping    [Shutdown / Close / ctx]
//	StateNew → StateStopped          [Shutdown / Close before Run]
//	StateStopping → StateStopped     [drain complete]
//
// Transition rules: temporary states (Running, Sleeping) move only via CAS;
// Stopped is stored unconditionally once the drain is complete and is
// terminal.
type LoopState uint32

const (
	// StateNew indicates the loop has been created but not started.
	StateNew LoopState = iota
	// StateRunning indicates the loop is actively processing a turn.
	StateRunning
	// StateSleeping indicates the loop is blocked in the poller.
	StateSleeping
	// StateStopping indicates termination has been requested but the final
	// drain has not completed.
	StateStopping
	// StateStopped indicates the loop has fully terminated.
	StateStopped
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// loopState is the atomic state cell shared between the loop goroutine and
// submitters.
type loopState struct {
	v atomic.Uint32
}

func (s *loopState) Load() LoopState { return LoopState(s.v.Load()) }

func (s *loopState) Store(state LoopState) { s.v.Store(uint32(state)) }

// TryTransition attempts to atomically move from one state to another.
func (s *loopState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

// RequestStop moves any non-terminal state to StateStopping, returning the
// state that was observed when the transition (or terminal short-circuit)
// happened.
func (s *loopState) RequestStop() LoopState {
	for {
		current := s.Load()
		if current == StateStopping || current == StateStopped {
			return current
		}
		if s.TryTransition(current, StateStopping) {
			return current
		}
	}
}

// Terminal reports whether the loop has fully stopped.
func (s *loopState) Terminal() bool { return s.Load() == StateStopped }
