// Package retry bounds store and network calls with a per-attempt timeout
// and retries transient failures exactly once.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/zjrosen/fleetreg/internal/log"
	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

// Policy configures attempts.
type Policy struct {
	// AttemptTimeout bounds each attempt. Zero leaves only the caller deadline.
	AttemptTimeout time.Duration
	// Backoff is the wait before the retry.
	Backoff time.Duration
}

// DefaultPolicy returns a 5s attempt timeout and a 50ms retry delay.
func DefaultPolicy() Policy {
	return Policy{AttemptTimeout: 5 * time.Second, Backoff: 50 * time.Millisecond}
}

// Do runs fn, retrying once when it fails with a transient error
// (domain.IsTransient). Other errors are returned immediately. When the
// caller's context expires the result wraps domain.ErrTimeout.
func Do[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Backoff
	b.RandomizationFactor = 0.2

	attempt := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		actx, cancel := attemptContext(ctx, p.AttemptTimeout)
		defer cancel()

		v, err := fn(actx)
		if err == nil {
			return v, nil
		}
		if !domain.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		log.Warn(log.CatDB, "transient failure", "op", op, "attempt", attempt, "error", err)
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(2))

	return res, normalize(ctx, op, err)
}

// Run is Do for calls without a result.
func Run(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func attemptContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func normalize(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	if errors.Is(err, domain.ErrTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrTimeout, err)
	}
	return err
}
