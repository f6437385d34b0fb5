package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
	}
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	var seen []int
	err := Do(context.Background(), fastPolicy(5), func() error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	}, func(attempt int, err error, next time.Duration) {
		seen = append(seen, attempt)
		assert.Positive(t, next)
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, seen)
}

func TestDo_StopsAfterMaxAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("still down")
	err := Do(context.Background(), fastPolicy(3), func() error {
		calls++
		return boom
	}, nil)

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestDo_FatalStopsImmediately(t *testing.T) {
	calls := 0
	denied := errors.New("password authentication failed")
	err := Do(context.Background(), fastPolicy(5), func() error {
		calls++
		return Fatal(denied)
	}, func(int, error, time.Duration) {
		t.Fatal("fatal errors are not retried")
	})

	assert.ErrorIs(t, err, denied)
	assert.True(t, IsFatal(err))
	assert.Equal(t, 1, calls)
}

func TestDo_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, fastPolicy(5), func() error { return errors.New("down") }, nil)
	assert.Error(t, err)
}

func TestPolicy_Override(t *testing.T) {
	p := StreamPolicy().Override(Policy{MaxAttempts: 7, MaxInterval: time.Minute})

	assert.Equal(t, 7, p.MaxAttempts)
	assert.Equal(t, time.Minute, p.MaxInterval)
	assert.Equal(t, StreamPolicy().InitialInterval, p.InitialInterval)
	assert.Equal(t, StreamPolicy().Multiplier, p.Multiplier)
	assert.Zero(t, p.MaxElapsedTime)
}

func TestPolicy_PollBackoffGrowsAndResets(t *testing.T) {
	b := fastPolicy(0).PollBackoff()

	// Default randomization keeps each delay within 50% of the current interval.
	for i := 0; i < 10; i++ {
		next := b.NextBackOff()
		assert.Positive(t, next)
		assert.LessOrEqual(t, next, 5*time.Millisecond*3/2)
	}
	b.Reset()
	assert.LessOrEqual(t, b.NextBackOff(), time.Millisecond*3/2)
}

func TestFatal_Nil(t *testing.T) {
	assert.NoError(t, Fatal(nil))
	assert.False(t, IsFatal(errors.New("x")))
}
