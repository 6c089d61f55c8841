package middleware

import (
	"context"
	"time"

	"cad-bridge/message"
)

// TimeOutMiddleware bounds the request context. The handler is expected to
// watch ctx and answer Timeout itself, so it can withdraw the command from the
// queue before giving up; nothing runs on a second goroutine here.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, req)
		}
	}
}
