package phaseloop

import "testing"

func TestStateStrings(t *testing.T) {
	cases := map[LoopState]string{
		StateNew:      "New",
		StateRunning:  "Running",
		StateSleeping: "Sleeping",
		StateStopping: "Stopping",
		StateStopped:  "Stopped",
		LoopState(99): "Unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}

func TestStateTransitions(t *testing.T) {
	var s loopState

	if s.Load() != StateNew {
		t.Fatalf("initial state = %v, want New", s.Load())
	}

	if !s.TryTransition(StateNew, StateRunning) {
		t.Fatal("New -> Running failed")
	}
	if s.TryTransition(StateNew, StateRunning) {
		t.Fatal("stale CAS succeeded")
	}
	if !s.TryTransition(StateRunning, StateSleeping) {
		t.Fatal("Running -> Sleeping failed")
	}
	if !s.TryTransition(StateSleeping, StateRunning) {
		t.Fatal("Sleeping -> Running failed")
	}
}

func TestRequestStop(t *testing.T) {
	var s loopState
	s.Store(StateRunning)

	if prev := s.RequestStop(); prev != StateRunning {
		t.Fatalf("RequestStop observed %v, want Running", prev)
	}
	if s.Load() != StateStopping {
		t.Fatalf("state = %v, want Stopping", s.Load())
	}

	// Idempotent: a second request observes the in-progress stop.
	if prev := s.RequestStop(); prev != StateStopping {
		t.Errorf("second RequestStop observed %v, want Stopping", prev)
	}

	s.Store(StateStopped)
	if prev := s.RequestStop(); prev != StateStopped {
		t.Errorf("RequestStop on stopped loop observed %v, want Stopped", prev)
	}
	if !s.Terminal() {
		t.Error("Terminal() = false for stopped state")
	}
}
