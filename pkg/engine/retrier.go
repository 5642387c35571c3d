package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"
)

// RetryOptions configures a Retrier. The zero value makes a single attempt.
type RetryOptions struct {
	// Retries is the number of additional attempts after the first one.
	Retries int

	// Delay is the fixed pause between attempts.
	Delay time.Duration
}

// Retrier runs an action up to Retries+1 times with a fixed delay.
// Errors that are not retryable (see IsRetryable) end the loop at once.
type Retrier struct {
	name string
	opts RetryOptions
}

// NewRetrier creates a retrier for the named action.
func NewRetrier(name string, opts RetryOptions) *Retrier {
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	return &Retrier{name: name, opts: opts}
}

// Attempts returns the total number of attempts the retrier makes.
func (r *Retrier) Attempts() uint {
	return uint(r.opts.Retries) + 1
}

// Run executes fn until it succeeds, returns a non-retryable error, ctx is done
// or attempts are exhausted. The final error wraps the last cause.
func (r *Retrier) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := RetryValue(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryValue is Run for actions returning a value.
func RetryValue[T any](ctx context.Context, r *Retrier, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := retry.DoWithData(
		func() (T, error) { return fn(ctx) },
		retry.Context(ctx),
		retry.Attempts(r.Attempts()),
		retry.Delay(r.opts.Delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(IsRetryable),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().
				Err(err).
				Str("action", r.name).
				Uint("attempt", n+1).
				Uint("attempts", r.Attempts()).
				Msg("Action failed, retrying")
		}),
	)
	if err != nil {
		return v, fmt.Errorf("%s failed after %d attempt(s): %w", r.name, r.Attempts(), err)
	}
	return v, nil
}
