package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"rpcz/message"
)

// CodeRateLimited is the application error code of a request refused by RateLimitMiddleware.
const CodeRateLimited = 429

// RateLimitMiddleware admits requests through a token bucket of r tokens per second.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) ([]byte, error) {
			if !limiter.Allow() {
				return nil, &message.ApplicationError{Code: CodeRateLimited, Message: "rate limit exceeded"}
			}
			return next(ctx, req)
		}
	}
}
