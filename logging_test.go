package phaseloop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testEvent is a minimal logiface.Event implementation capturing the
// structured logging output.
type testEvent struct {
	logiface.UnimplementedEvent
	level  logiface.Level
	fields map[string]any
}

func (e *testEvent) Level() logiface.Level { return e.level }

func (e *testEvent) AddField(key string, val any) {
	if e.fields == nil {
		e.fields = make(map[string]any)
	}
	e.fields[key] = val
}

type testEventFactory struct{}

func (testEventFactory) NewEvent(level logiface.Level) *testEvent {
	return &testEvent{level: level}
}

// testEventWriter records written events, synchronized because loop
// callbacks may log from another goroutine than the test's.
type testEventWriter struct {
	mu     sync.Mutex
	events []*testEvent
}

func (w *testEventWriter) Write(event *testEvent) error {
	w.mu.Lock()
	w.events = append(w.events, event)
	w.mu.Unlock()
	return nil
}

func (w *testEventWriter) snapshot() []*testEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*testEvent(nil), w.events...)
}

func newTestLogger() (*logiface.Logger[logiface.Event], *testEventWriter) {
	writer := &testEventWriter{}
	typed := logiface.New[*testEvent](
		logiface.WithEventFactory[*testEvent](testEventFactory{}),
		logiface.WithWriter[*testEvent](writer),
		logiface.WithLevel[*testEvent](logiface.LevelDebug),
	)
	return typed.Logger(), writer
}

func TestPanicLoggedStructured(t *testing.T) {
	logger, writer := newTestLogger()

	l, err := New(WithLogger(logger))
	require.NoError(t, err)

	boom := errors.New("boom")
	require.NoError(t, l.Submit(func() { panic(boom) }))
	require.NoError(t, l.Run(context.Background()))

	var found bool
	for _, ev := range writer.snapshot() {
		if ev.level == logiface.LevelError {
			if v, ok := ev.fields["panic"]; ok {
				assert.Equal(t, boom, v)
				found = true
			}
		}
	}
	assert.True(t, found, "expected an error-level event with a panic field")
}

func TestLifecycleLoggedAtDebug(t *testing.T) {
	logger, writer := newTestLogger()

	l, err := New(WithLogger(logger))
	require.NoError(t, err)
	require.NoError(t, l.Run(context.Background()))

	var debugEvents int
	for _, ev := range writer.snapshot() {
		if ev.level == logiface.LevelDebug {
			debugEvents++
		}
	}
	if debugEvents < 2 {
		t.Errorf("expected start+stop debug events, got %d", debugEvents)
	}
}

func TestOverloadLogged(t *testing.T) {
	logger, writer := newTestLogger()

	l, err := New(
		WithLogger(logger),
		WithSubmitBudget(2),
	)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Submit(func() {}))
	}
	require.NoError(t, l.Run(context.Background()))

	var warned bool
	for _, ev := range writer.snapshot() {
		if ev.level == logiface.LevelWarning {
			assert.Contains(t, ev.fields, "remaining")
			assert.Contains(t, ev.fields, "budget")
			warned = true
		}
	}
	assert.True(t, warned, "expected an overload warning")
}

func TestPollErrorRateLimited(t *testing.T) {
	logger, writer := newTestLogger()

	l, err := New(
		WithLogger(logger),
		WithLogRateLimiter(catrate.NewLimiter(map[time.Duration]int{
			time.Minute: 2,
		})),
	)
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 10; i++ {
		l.logPollError(errors.New("simulated"))
	}

	var errorEvents int
	for _, ev := range writer.snapshot() {
		if ev.level == logiface.LevelError {
			errorEvents++
		}
	}
	assert.Equal(t, 2, errorEvents, "poll errors must be rate limited")
}

func TestLogRateLimiterDisabled(t *testing.T) {
	logger, writer := newTestLogger()

	l, err := New(
		WithLogger(logger),
		WithLogRateLimiter(nil),
	)
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 5; i++ {
		l.logPollError(errors.New("simulated"))
	}

	assert.Len(t, writer.snapshot(), 5, "nil limiter must not drop events")
}

func TestNilLoggerIsSafe(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	// No logger configured: these must not panic.
	l.logOverload(1)
	require.NoError(t, l.Submit(func() {}))
	require.NoError(t, l.Run(context.Background()))
}
