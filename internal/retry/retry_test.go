package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/errs"
)

func TestRun_SuccessOnRetry(t *testing.T) {
	calls := 0
	err := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}.run(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRun_AllAttemptsExhausted(t *testing.T) {
	calls := 0
	err := Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}.run(context.Background(), func() error {
		calls++
		return errors.New("still failing")
	})
	assert.EqualError(t, err, "still failing")
	assert.Equal(t, 2, calls)
}

func TestRun_PermanentErrorStopsRetry(t *testing.T) {
	base := errors.New("terminal")
	calls := 0
	err := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}.run(context.Background(), func() error {
		calls++
		return Permanent(base)
	})
	assert.Same(t, base, err, "permanent wrapper is removed")
	assert.Equal(t, 1, calls)
}

func TestRun_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Policy{MaxAttempts: 3, BaseDelay: time.Hour}.run(ctx, func() error { return errors.New("x") })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_ZeroMaxAttempts(t *testing.T) {
	calls := 0
	_ = Policy{MaxAttempts: 0, BaseDelay: time.Millisecond}.run(context.Background(), func() error {
		calls++
		return errors.New("x")
	})
	assert.Equal(t, 1, calls)
}

func TestTyped_RetriesOnlyRetryableKinds(t *testing.T) {
	p := Policy{MaxAttempts: 4, BaseDelay: time.Millisecond}

	calls := 0
	err := Typed(context.Background(), p, func() error {
		calls++
		return errs.State("escrow_disputed", "escrow is disputed")
	})
	assert.ErrorIs(t, err, errs.ErrState)
	assert.Equal(t, 1, calls)

	calls = 0
	err = Typed(context.Background(), p, func() error {
		calls++
		return errs.Network(errors.New("rpc"), "ledger down")
	})
	assert.ErrorIs(t, err, errs.ErrNetwork)
	assert.True(t, errs.Retryable(err), "exhausted retryable errors stay retryable")
	assert.Equal(t, 4, calls)

	calls = 0
	err = Typed(context.Background(), p, func() error {
		calls++
		if calls == 1 {
			return errs.Conflict("version_changed", "raced")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestValue(t *testing.T) {
	calls := 0
	v, err := Value(context.Background(), Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}, func() (string, error) {
		calls++
		if calls == 1 {
			return "", errs.Conflict("version_changed", "raced")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestPolicy_WaitCappedAndJittered(t *testing.T) {
	p := Policy{MaxDelay: 100 * time.Millisecond}
	for i := 0; i < 50; i++ {
		w := p.wait(time.Second)
		assert.GreaterOrEqual(t, w, 75*time.Millisecond)
		assert.LessOrEqual(t, w, 125*time.Millisecond)
	}
	assert.Equal(t, time.Duration(0), p.wait(0))
}
