package retry

import (
	"context"
	"time"

	"github.com/googleapis/gax-go/v2"
	"github.com/sirupsen/logrus"
)

// Policy bounds a provider call: per-attempt timeout, attempt count and jittered exponential backoff.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CallTimeout    time.Duration

	// Retryable decides whether an error is worth another attempt. Nil retries nothing.
	Retryable func(error) bool
}

func DefaultPolicy(retryable func(error) bool) Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
		CallTimeout:    15 * time.Second,
		Retryable:      retryable,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, attempts run out or ctx is done.
// Each attempt gets its own timeout derived from ctx.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	bo := gax.Backoff{
		Initial:    p.InitialBackoff,
		Max:        p.MaxBackoff,
		Multiplier: 2,
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = call(ctx, p.CallTimeout, fn)
		if err == nil {
			return nil
		}
		if p.Retryable == nil || !p.Retryable(err) || attempt == attempts {
			return err
		}

		pause := bo.Pause()
		logrus.WithError(err).WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt,
			"backoff": pause,
		}).Debug("[Retry] Transient failure, backing off")

		if sleepErr := gax.Sleep(ctx, pause); sleepErr != nil {
			return err
		}
	}
	return err
}

// Value is Do for calls that return a result.
func Value[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func call(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(callCtx)
}
