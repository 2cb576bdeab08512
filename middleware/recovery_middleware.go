package middleware

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"rpcz/message"
)

// RecoveryMiddleware turns a panic in next into an error, so the middlewares outside it
// still see the call finish.
func RecoveryMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) (resp []byte, err error) {
			defer func() {
				if p := recover(); p != nil {
					logger.Error("handler panic", zap.String("method", req.FullMethod()), zap.Any("panic", p), zap.Stack("stack"))
					resp, err = nil, errors.Errorf("handler panic: %v", p)
				}
			}()
			return next(ctx, req)
		}
	}
}
