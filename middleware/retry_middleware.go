package middleware

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"rpcz/message"
	"rpcz/reactor"
)

// Retryable reports whether a failed call may be issued again.
// Connection failures qualify; anything the server answered does not.
func Retryable(err error) bool {
	if errors.Is(err, reactor.ErrConnectionUnavailable) {
		return true
	}
	st, ok := reactor.StatusOf(err)
	return ok && st == message.StatusConnectionLost
}

// RetryMiddleware reissues calls that fail with a retryable error, up to maxRetries times,
// waiting baseDelay*2^i before attempt i+1. It is meant for the client chain.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) ([]byte, error) {
			resp, err := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if err == nil || !Retryable(err) {
					return resp, err
				}
				logger.Info("retrying call",
					zap.String("method", req.FullMethod()), zap.Int("attempt", i+1), zap.Error(err))

				timer := time.NewTimer(baseDelay * time.Duration(1<<i))
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return nil, ctx.Err()
				}
				resp, err = next(ctx, req)
			}
			return resp, err
		}
	}
}
