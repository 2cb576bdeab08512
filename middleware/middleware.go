// Package middleware wraps unary handlers. The same chain type serves both sides:
// the server wraps its method handlers, the client wraps its outbound calls.
package middleware

import (
	"context"

	"rpcz/message"
)

// HandlerFunc handles one request and returns the reply payload or an error.
// Errors are mapped to a reply status by the caller of the chain.
type HandlerFunc func(ctx context.Context, req *message.Envelope) ([]byte, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one added is the outermost:
// Chain(A, B, C)(h) == A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
