// Package middleware wraps the listener's business handler in an onion of
// cross-cutting concerns:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//
// Execution order is A.before → B.before → C.before → handler → C.after → B.after → A.after.
package middleware

import (
	"context"

	"cad-bridge/message"
)

type HandlerFunc func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one, the first one outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
