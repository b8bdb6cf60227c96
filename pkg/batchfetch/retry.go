// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package batchfetch

import (
	"context"
	"math/rand/v2"
	"time"
)

// backoff implements exponential backoff with optional jitter.
type backoff struct {
	next   time.Duration
	max    time.Duration
	mult   float64
	jitter time.Duration
}

// newBackoff starts at base and doubles up to max.
func newBackoff(base, max, jitter time.Duration) *backoff {
	if max < base {
		max = base
	}
	return &backoff{next: base, max: max, mult: 2, jitter: jitter}
}

// Next returns the next backoff duration.
func (b *backoff) Next() time.Duration {
	d := b.next
	if b.jitter > 0 {
		d += time.Duration(rand.Int64N(int64(b.jitter)))
	}
	b.next = time.Duration(float64(b.next) * b.mult)
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

// skip advances the schedule past n delays already spent.
func (b *backoff) skip(n int) {
	for range n {
		b.next = min(time.Duration(float64(b.next)*b.mult), b.max)
	}
}

// retryPolicy bounds a retry loop.
type retryPolicy struct {
	MaxAttempts int

	// Used counts attempts that already failed in earlier runs of the loop.
	// Numbering and backoff continue from there.
	Used int

	Base        time.Duration
	Max         time.Duration
	Jitter      time.Duration
}

// retryHooks customize a retry loop. Nil hooks are skipped.
type retryHooks struct {
	// Recoverable decides whether a failed attempt may be retried.
	Recoverable func(error) bool

	// OnRetry runs after a recoverable failure, before the wait.
	// A non-nil return aborts the loop with that error.
	OnRetry func(attempt int, delay time.Duration, err error) error

	// Wait blocks for d. A non-nil return aborts the loop with that error.
	Wait func(ctx context.Context, d time.Duration) error
}

// retryWithBackoff runs op until it succeeds, fails unrecoverably, or
// MaxAttempts attempts have failed, in which case a *RetryExhaustedError
// wrapping the last failure is returned.
func retryWithBackoff(ctx context.Context, p retryPolicy, h retryHooks, op func(context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	recoverable := h.Recoverable
	if recoverable == nil {
		recoverable = IsRecoverable
	}
	wait := h.Wait
	if wait == nil {
		wait = sleepCtx
	}
	b := newBackoff(p.Base, p.Max, p.Jitter)
	b.skip(p.Used)

	for attempt := p.Used + 1; ; attempt++ {
		err := op(ctx)
		if err == nil || !recoverable(err) {
			return err
		}
		if attempt >= p.MaxAttempts {
			return &RetryExhaustedError{Attempts: attempt, Err: err}
		}
		d := b.Next()
		if h.OnRetry != nil {
			if herr := h.OnRetry(attempt, d, err); herr != nil {
				return herr
			}
		}
		if werr := wait(ctx, d); werr != nil {
			return werr
		}
	}
}

// sleepCtx sleeps for the given duration or until context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}
