package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"mini-dispatch/channel"
)

// MaxRetryDelay caps the wait between two attempts of Retry.
const MaxRetryDelay = 10 * time.Second

// IsTransient reports whether err is worth retrying: timeouts and transport failures.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, channel.ErrTimeout) || channel.IsCommunication(err)
}

// Retry re-runs calls that fail with a transient error, backing off exponentially from baseDelay
// up to MaxRetryDelay. It gives up early when ctx ends.
func Retry(maxRetries int, baseDelay time.Duration, log *zap.Logger) Middleware {
	return RetryWithBackoff(maxRetries, baseDelay, MaxRetryDelay, log)
}

// RetryWithBackoff is Retry with an explicit cap on the delay.
func RetryWithBackoff(maxRetries int, minDelay, maxDelay time.Duration, log *zap.Logger) Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) (any, error) {
			b := newBackoff(minDelay, maxDelay)
			res, err := next(ctx, call)
			for err != nil && IsTransient(err) && int(b.Attempt()) < maxRetries {
				attempt := int(b.Attempt()) + 1
				delay := b.Duration()
				log.Debug("retrying call",
					zap.String("method", call.Method),
					zap.Int("attempt", attempt),
					zap.Duration("delay", delay),
					zap.Error(err))
				timer := time.NewTimer(delay)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return res, err
				}
				res, err = next(ctx, call)
			}
			return res, err
		}
	}
}

func newBackoff(minDelay, maxDelay time.Duration) *backoff.Backoff {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &backoff.Backoff{Min: minDelay, Max: maxDelay, Factor: 2}
}
