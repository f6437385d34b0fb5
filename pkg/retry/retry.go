package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds an exponential backoff. Zero fields mean "unset" for Override.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxElapsedTime  time.Duration
}

// StartupPolicy paces the Postgres and Redis pings made before the connector serves.
func StartupPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		MaxElapsedTime:  5 * time.Minute,
	}
}

// StreamPolicy paces consumer group creation and failed stream reads.
func StreamPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
	}
}

// Override returns p with every positive field of o applied.
func (p Policy) Override(o Policy) Policy {
	if o.MaxAttempts > 0 {
		p.MaxAttempts = o.MaxAttempts
	}
	if o.InitialInterval > 0 {
		p.InitialInterval = o.InitialInterval
	}
	if o.MaxInterval > 0 {
		p.MaxInterval = o.MaxInterval
	}
	if o.Multiplier > 0 {
		p.Multiplier = o.Multiplier
	}
	if o.MaxElapsedTime > 0 {
		p.MaxElapsedTime = o.MaxElapsedTime
	}
	return p
}

func (p Policy) exponential(maxElapsed time.Duration) *backoff.ExponentialBackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.Multiplier = p.Multiplier
	exp.MaxElapsedTime = maxElapsed
	exp.Reset()
	return exp
}

// PollBackoff returns an unbounded backoff for a polling loop. Call Reset after a success.
func (p Policy) PollBackoff() backoff.BackOff {
	return p.exponential(0)
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string {
	return e.err.Error()
}

func (e *fatalError) Unwrap() error {
	return e.err
}

// Fatal marks err as not worth retrying. Do returns it at once.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// Do calls fn until it succeeds, returns a Fatal error, ctx is done or the policy runs out.
// onRetry sees each failed attempt and the delay before the next one.
func Do(ctx context.Context, p Policy, fn func() error, onRetry func(attempt int, err error, next time.Duration)) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithContext(backoff.WithMaxRetries(p.exponential(p.MaxElapsedTime), uint64(attempts-1)), ctx)

	attempt := 0
	operation := func() error {
		attempt++
		err := fn()
		if err != nil && IsFatal(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		if onRetry != nil {
			onRetry(attempt, err, next)
		}
	}
	return backoff.RetryNotify(operation, b, notify)
}
