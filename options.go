// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package phaseloop

import (
	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	logger           *logiface.Logger[logiface.Event]
	logLimiter       *catrate.Limiter
	onOverload       func(error)
	submitBudget     int
	microtaskBudget  int
	strictMicrotasks bool
	runUntilEmpty    bool
}

// Option configures a [Loop] instance.
type Option interface {
	applyLoop(*loopOptions) error
}

type optionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (o *optionImpl) applyLoop(opts *loopOptions) error {
	return o.applyLoopFunc(opts)
}

// WithLogger configures structured logging for the loop. The logger is
// nil-safe; without this option the loop logs nothing.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithLogRateLimiter overrides the categorized rate limiter applied to
// repeated diagnostic events (poll errors, overload warnings). A nil limiter
// disables rate limiting entirely.
func WithLogRateLimiter(limiter *catrate.Limiter) Option {
	return &optionImpl{func(opts *loopOptions) error {
		opts.logLimiter = limiter
		return nil
	}}
}

// WithStrictMicrotasks sets whether the microtask queue is drained after
// every macro-callback. When disabled, microtasks are only drained at the
// per-phase checkpoints, which is cheaper but weakens ordering.
// Enabled by default.
func WithStrictMicrotasks(enabled bool) Option {
	return &optionImpl{func(opts *loopOptions) error {
		opts.strictMicrotasks = enabled
		return nil
	}}
}

// WithMicrotaskBudget caps the number of microtasks drained per checkpoint,
// bounding starvation of the macro phases. The remainder carries over to the
// next checkpoint. Values < 1 reset the default (1024).
func WithMicrotaskBudget(n int) Option {
	return &optionImpl{func(opts *loopOptions) error {
		if n < 1 {
			n = defaultMicrotaskBudget
		}
		opts.microtaskBudget = n
		return nil
	}}
}

// WithSubmitBudget caps the number of externally submitted tasks executed per
// turn. When the budget is exceeded the OnOverload callback (if any) fires
// with [ErrLoopOverloaded] and the remainder carries over to the next turn.
// Values < 1 reset the default (1024).
func WithSubmitBudget(n int) Option {
	return &optionImpl{func(opts *loopOptions) error {
		if n < 1 {
			n = defaultSubmitBudget
		}
		opts.submitBudget = n
		return nil
	}}
}

// WithOnOverload registers a callback invoked (on the loop goroutine) when
// the external queue still holds tasks after a turn's submit budget is spent.
func WithOnOverload(fn func(error)) Option {
	return &optionImpl{func(opts *loopOptions) error {
		opts.onOverload = fn
		return nil
	}}
}

// WithRunUntilEmpty sets whether Run returns once no queued work, pending
// timers, or registered watchers remain. Enabled by default; disable it to
// keep the loop alive until [Loop.Shutdown] or [Loop.Close].
func WithRunUntilEmpty(enabled bool) Option {
	return &optionImpl{func(opts *loopOptions) error {
		opts.runUntilEmpty = enabled
		return nil
	}}
}

// resolveLoopOptions applies Option instances to loopOptions.
func resolveLoopOptions(opts []Option) (*loopOptions, error) {
	cfg := &loopOptions{
		submitBudget:     defaultSubmitBudget,
		microtaskBudget:  defaultMicrotaskBudget,
		strictMicrotasks: true,
		runUntilEmpty:    true,
		logLimiter:       defaultLogLimiter(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
