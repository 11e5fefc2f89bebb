package phaseloop

import (
	"log"
	"time"

	"github.com/joeycumines/go-catrate"
)

// Rate-limit categories for repeated diagnostic events.
const (
	logCategoryPollError = "poll-error"
	logCategoryOverload  = "overload"
)

// defaultLogLimiter bounds repeated diagnostics so a hot failure path (e.g. a
// poller returning errors every turn) cannot flood the log writer.
func defaultLogLimiter() *catrate.Limiter {
	return catrate.NewLimiter(map[time.Duration]int{
		time.Second: 5,
		time.Minute: 60,
	})
}

// allowLog applies the categorized limiter, if any.
func (l *Loop) allowLog(category string) bool {
	if l.logLimiter == nil {
		return true
	}
	_, ok := l.logLimiter.Allow(category)
	return ok
}

// logPollError records a poller failure. The loop treats these as fatal and
// begins termination, but the drain can produce further attempts, hence the
// rate limit.
func (l *Loop) logPollError(err error) {
	if !l.allowLog(logCategoryPollError) {
		return
	}
	if l.log != nil {
		l.log.Err().
			Err(err).
			Uint64("loop", l.id).
			Log("phaseloop: poll failed, terminating")
		return
	}
	log.Printf("ERROR: phaseloop: poll failed: %v - terminating loop", err)
}

// logOverload records that the external queue outgrew the per-turn budget.
func (l *Loop) logOverload(remaining int) {
	if l.log == nil || !l.allowLog(logCategoryOverload) {
		return
	}
	l.log.Warning().
		Int("remaining", remaining).
		Int("budget", l.submitBudget).
		Uint64("loop", l.id).
		Log("phaseloop: submit budget exceeded")
}

// logPanic records a recovered callback panic. Panics are never rate
// limited: each one is a distinct bug report.
func (l *Loop) logPanic(r any) {
	if l.log != nil {
		l.log.Err().
			Any("panic", r).
			Uint64("loop", l.id).
			Log("phaseloop: callback panicked")
		return
	}
	log.Printf("ERROR: phaseloop: callback panicked: %v", r)
}
