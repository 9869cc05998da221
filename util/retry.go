package util

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
)

// Retry runs op until it succeeds, returns a backoff.Permanent error, ctx is
// done, or it has been retried retries times.  The delay between attempts
// grows exponentially from 25ms to at most 1s.
func Retry(ctx context.Context, retries int, op func() error) error {
	if retries < 0 {
		retries = 0
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx))
}
