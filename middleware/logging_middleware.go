package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"cad-bridge/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.ServiceMethod),
				zap.Duration("took", time.Since(start)),
			}
			if resp.Failed() {
				logger.Info("call failed", append(fields,
					zap.String("kind", string(resp.Kind)),
					zap.String("error", resp.Error))...)
				return resp
			}
			logger.Debug("call", fields...)
			return resp
		}
	}
}
