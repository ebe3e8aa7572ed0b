package psp

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryRead retries an idempotent read while it fails with a TransportError,
// doubling the wait between tries. It must not wrap calls that move money.
// When ctx ends first the last transport error is returned, not ctx.Err.
func RetryRead[T any](ctx context.Context, tries int, wait time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if tries < 1 {
		tries = 1
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = wait
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0

	var last error
	v, err := backoff.RetryWithData(func() (T, error) {
		v, err := fn(ctx)
		if err != nil && !IsTransport(err) {
			return v, backoff.Permanent(err)
		}
		last = err
		return v, err
	}, backoff.WithContext(backoff.WithMaxRetries(eb, uint64(tries-1)), ctx))
	if err != nil && last != nil && ctx.Err() != nil {
		return v, last
	}
	return v, err
}
