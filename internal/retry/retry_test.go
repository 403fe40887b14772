package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")
var errFatal = errors.New("fatal")
var errOutage = errors.New("outage")

func classify(err error) Action {
	switch {
	case errors.Is(err, errFatal):
		return Stop
	case errors.Is(err, errOutage):
		return Escalate
	default:
		return Retry
	}
}

func fastPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		Backoff:           time.Millisecond,
		Jitter:            time.Millisecond,
		EscalatedBackoff:  2 * time.Millisecond,
		EscalatedAttempts: 2,
	}
}

func TestDoVoid_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := DoVoid(context.Background(), clockwork.NewRealClock(), fastPolicy(), classify, func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoVoid_StopAbortsImmediately(t *testing.T) {
	calls := 0
	err := DoVoid(context.Background(), clockwork.NewRealClock(), fastPolicy(), classify, func() error {
		calls++
		return errFatal
	})

	assert.Equal(t, 1, calls)
	var perm *PermanentError
	require.ErrorAs(t, err, &perm)
	assert.ErrorIs(t, perm.Err, errFatal)
}

func TestDoVoid_ExhaustsBudget(t *testing.T) {
	calls := 0
	err := DoVoid(context.Background(), clockwork.NewRealClock(), fastPolicy(), classify, func() error {
		calls++
		return errTransient
	})

	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, errTransient)
	var perm *PermanentError
	assert.False(t, errors.As(err, &perm))
}

func TestDoVoid_EscalatesOncePerEpisode(t *testing.T) {
	escalations := 0
	p := fastPolicy()
	p.OnEscalate = func(error) { escalations++ }

	calls := 0
	err := DoVoid(context.Background(), clockwork.NewRealClock(), p, classify, func() error {
		calls++
		return errOutage
	})

	// First attempt escalates, then EscalatedAttempts more attempts run.
	assert.Equal(t, 3, calls)
	assert.Equal(t, 1, escalations)
	assert.ErrorIs(t, err, errOutage)
}

func TestDoVoid_EscalationExtendsBudget(t *testing.T) {
	p := fastPolicy()
	p.MaxAttempts = 2
	p.EscalatedAttempts = 4

	calls := 0
	_ = DoVoid(context.Background(), clockwork.NewRealClock(), p, classify, func() error {
		calls++
		return errOutage
	})

	assert.Equal(t, 5, calls)
}

func TestDoVoid_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	p := fastPolicy()
	p.Backoff = time.Hour
	p.Jitter = 0
	p.OnRetry = func(int, error, time.Duration) { cancel() }

	err := DoVoid(ctx, clockwork.NewRealClock(), p, classify, func() error {
		return errTransient
	})

	assert.ErrorIs(t, err, context.Canceled)
}
