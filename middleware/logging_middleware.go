package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"rpcz/message"
)

// LoggingMiddleware logs every call with its duration. Failures are logged at warn level.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) ([]byte, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.FullMethod()),
				zap.Uint64("request_id", req.RequestID),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("call failed", append(fields, zap.Error(err))...)
				return resp, err
			}
			logger.Debug("call", append(fields, zap.Int("reply_bytes", len(resp)))...)
			return resp, nil
		}
	}
}
