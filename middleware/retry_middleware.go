package middleware

import (
	"context"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"cad-bridge/message"
)

// retryable lists the kinds that guarantee the command never ran, so sending it
// again cannot execute it twice.
var retryable = map[message.ErrorKind]bool{
	message.RateLimited: true,
}

// RetryMiddleware resends a call rejected with a retryable kind, backing off
// exponentially from baseDelay on clk. It is meant for the client side of a
// connection.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, clk clock.Clock, logger *zap.Logger) Middleware {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			resp := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if !retryable[resp.Kind] {
					return resp
				}
				delay := baseDelay * time.Duration(1<<i)
				logger.Debug("retrying call",
					zap.String("method", req.ServiceMethod),
					zap.Int("attempt", i+1),
					zap.String("kind", string(resp.Kind)),
					zap.Duration("delay", delay))
				select {
				case <-clk.After(delay):
				case <-ctx.Done():
					return resp
				}
				resp = next(ctx, req)
			}
			return resp
		}
	}
}
