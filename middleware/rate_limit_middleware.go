package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"cad-bridge/message"
)

// RateLimitMiddleware rejects calls beyond a token bucket of r per second with
// the given burst. Rejected calls never reach the queue.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if !limiter.Allow() {
				return message.Reply(req.ServiceMethod, message.Errorf(message.RateLimited, "rate limit exceeded"))
			}
			return next(ctx, req)
		}
	}
}
