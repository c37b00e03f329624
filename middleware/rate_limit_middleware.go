package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"mini-dispatch/message"
)

// ErrServerTooBusy is returned for calls rejected by RateLimit.
var ErrServerTooBusy = message.NewReceiverFault(message.ServerTooBusy, message.DispatcherNamespace,
	"rate limit exceeded")

// RateLimit admits calls through a token bucket of r tokens per second and the given burst.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) (any, error) {
			if !limiter.Allow() {
				return nil, ErrServerTooBusy
			}
			return next(ctx, call)
		}
	}
}
