package middleware

import (
	"context"
	"time"

	"mini-dispatch/message"
)

// ErrTimeout is returned when a call outlives its deadline. It travels as a receiver fault.
var ErrTimeout = message.NewReceiverFault("Timeout", message.DispatcherNamespace, "request timed out")

type outcome struct {
	res any
	err error
}

// Timeout bounds each call. The handler keeps running after the deadline but its result is
// discarded; handlers should watch ctx.
func Timeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			done := make(chan outcome, 1)
			go func() {
				res, err := next(ctx, call)
				done <- outcome{res, err}
			}()

			select {
			case o := <-done:
				return o.res, o.err
			case <-ctx.Done():
				return nil, ErrTimeout
			}
		}
	}
}
