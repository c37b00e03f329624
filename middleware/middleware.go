// Package middleware wraps service invocations in an onion of cross-cutting handlers.
package middleware

import (
	"context"

	"mini-dispatch/message"
)

// Call describes one service method invocation.
type Call struct {
	Service string
	Method  string
	Action  string
	Args    any
	// Request is the message the call was decoded from. Handlers must not read its body.
	Request *message.Message
}

// HandlerFunc runs a call and returns its result.
type HandlerFunc func(ctx context.Context, call *Call) (any, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one is the outermost:
// Chain(A, B, C)(h) runs A → B → C → h.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
