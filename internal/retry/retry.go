package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
)

type Action int

const (
	Stop     Action = iota // permanent error, abort immediately
	Retry                  // transient error, use jittered backoff
	Escalate               // provider-wide outage, switch to the long fixed interval
)

// Policy controls one retry episode. Backoff is jittered within
// [Backoff, Backoff+Jitter) to avoid synchronized thundering-herd retries
// across many accounts sharing a proxy or endpoint. An Escalate
// classification replaces the interval with the fixed EscalatedBackoff and
// the remaining budget with EscalatedAttempts; this happens at most once
// per episode.
type Policy struct {
	MaxAttempts       int
	Backoff           time.Duration
	Jitter            time.Duration
	EscalatedBackoff  time.Duration
	EscalatedAttempts int
	OnRetry           func(attempt int, err error, backoff time.Duration)
	OnEscalate        func(err error)
}

type Classify func(err error) Action

// DoVoid runs op until it succeeds, is classified Stop, the attempt budget
// is exhausted, or ctx is cancelled. The clock is injectable so
// timer-driven episodes are testable.
func DoVoid(ctx context.Context, clock clockwork.Clock, p Policy, classify Classify, op func() error) error {
	maxAttempts := p.MaxAttempts
	escalated := false

	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}

		action := classify(err)
		if action == Stop {
			return &PermanentError{Err: err}
		}

		if action == Escalate && !escalated {
			escalated = true
			maxAttempts = attempt + p.EscalatedAttempts
			if p.OnEscalate != nil {
				p.OnEscalate(err)
			}
		}

		if attempt >= maxAttempts {
			return fmt.Errorf("failed after %d attempts: %w", attempt, err)
		}

		backoff := p.Backoff
		if p.Jitter > 0 {
			backoff += time.Duration(rand.Int63n(int64(p.Jitter)))
		}
		if escalated {
			backoff = p.EscalatedBackoff
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err, backoff)
		}

		timer := clock.NewTimer(backoff)
		select {
		case <-timer.Chan():
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}
}

// PermanentError marks an error the classifier deemed unrecoverable.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }
