//go:build linux || darwin

package phaseloop

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReadReadiness(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	fd := int(r.Fd())
	got := make(chan IOEvents, 1)
	require.NoError(t, l.RegisterFD(fd, EventRead, func(events IOEvents) {
		buf := make([]byte, 16)
		_, _ = r.Read(buf)
		got <- events
		_ = l.UnregisterFD(fd)
	}))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = w.Write([]byte("x"))
	}()

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	select {
	case events := <-got:
		assert.NotZero(t, events&EventRead, "expected EventRead, got %b", events)
	case <-time.After(5 * time.Second):
		t.Fatal("readiness callback never fired")
	}

	select {
	case err := <-done:
		assert.NoError(t, err, "loop should terminate once the watcher is gone")
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not terminate after UnregisterFD")
	}
}

func TestWatcherKeepsLoopAlive(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	fd := int(r.Fd())
	require.NoError(t, l.RegisterFD(fd, EventRead, func(IOEvents) {}))

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	// The watcher counts as outstanding work: the loop must stay up.
	select {
	case err := <-done:
		t.Fatalf("loop terminated with a live watcher: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, l.UnregisterFD(fd))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not terminate after the watcher was removed")
	}
}

func TestUnregisterSuppressesQueuedReadiness(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	fd := int(r.Fd())
	var fired bool
	require.NoError(t, l.RegisterFD(fd, EventRead, func(IOEvents) { fired = true }))

	// Make the descriptor readable, then unregister before running the
	// loop: any readiness the poller observes must be suppressed.
	_, err = w.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, l.UnregisterFD(fd))

	require.NoError(t, l.Run(context.Background()))
	assert.False(t, fired, "callback fired after UnregisterFD")
}

func TestRegisterFDTwice(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	fd := int(r.Fd())
	require.NoError(t, l.RegisterFD(fd, EventRead, func(IOEvents) {}))
	assert.ErrorIs(t, l.RegisterFD(fd, EventRead, func(IOEvents) {}), ErrFDAlreadyRegistered)
	require.NoError(t, l.UnregisterFD(fd))
	assert.ErrorIs(t, l.UnregisterFD(fd), ErrFDNotRegistered)
	assert.ErrorIs(t, l.ModifyFD(fd, EventWrite), ErrFDNotRegistered)
}

func TestPollerRegisterInvalidFD(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	assert.ErrorIs(t, l.RegisterFD(-1, EventRead, func(IOEvents) {}), ErrFDOutOfRange)
}

func TestWatcherWriteReadiness(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	// An empty pipe is immediately writable.
	fd := int(w.Fd())
	got := make(chan IOEvents, 1)
	require.NoError(t, l.RegisterFD(fd, EventWrite, func(events IOEvents) {
		select {
		case got <- events:
		default:
		}
		_ = l.UnregisterFD(fd)
	}))

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	select {
	case events := <-got:
		assert.NotZero(t, events&EventWrite)
	case <-time.After(5 * time.Second):
		t.Fatal("write readiness never observed")
	}

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not terminate")
	}
}
