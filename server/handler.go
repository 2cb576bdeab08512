package server

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"rpcz/codec"
	"rpcz/message"
	"rpcz/middleware"
	"rpcz/reactor"
)

// ErrBadPayload marks a request payload the handler could not decode. It is answered with MALFORMED.
var ErrBadPayload = errors.New("request payload could not be decoded")

// ReplySink answers one request. The first Send or Fail wins; later calls are ignored.
// It may be used from any goroutine, also after Serve has returned.
type ReplySink interface {
	Send(payload []byte)
	Fail(err error)
}

// Handler serves one method asynchronously.
type Handler interface {
	Serve(ctx context.Context, req *message.Envelope, sink ReplySink)
}

type HandlerFunc func(ctx context.Context, req *message.Envelope, sink ReplySink)

func (f HandlerFunc) Serve(ctx context.Context, req *message.Envelope, sink ReplySink) {
	f(ctx, req, sink)
}

// Errorf builds an application error with the given code.
func Errorf(code int32, format string, args ...any) error {
	return &message.ApplicationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// StatusOf maps a handler error to the reply status and payload.
func StatusOf(err error) (message.Status, []byte) {
	var appErr *message.ApplicationError
	switch {
	case err == nil:
		return message.StatusOK, nil
	case errors.As(err, &appErr):
		return message.StatusApplicationError, appErr.Diagnostic()
	case errors.Is(err, ErrBadPayload):
		return message.StatusMalformed, nil
	case errors.Is(err, context.DeadlineExceeded):
		return message.StatusDeadlineExceeded, nil
	case errors.Is(err, context.Canceled):
		return message.StatusCancelled, nil
	default:
		return message.StatusApplicationError, (&message.ApplicationError{Message: err.Error()}).Diagnostic()
	}
}

type sink struct {
	reply reactor.ReplyFunc
}

func (s sink) Send(payload []byte) {
	s.reply(message.StatusOK, payload)
}

func (s sink) Fail(err error) {
	st, payload := StatusOf(err)
	s.reply(st, payload)
}

// unaryHandler adapts a middleware.HandlerFunc to Handler.
func unaryHandler(fn middleware.HandlerFunc) Handler {
	return HandlerFunc(func(ctx context.Context, req *message.Envelope, s ReplySink) {
		resp, err := fn(ctx, req)
		if err != nil {
			s.Fail(err)
			return
		}
		s.Send(resp)
	})
}

// Unary turns a typed function into a unary handler. Payloads are decoded into a new Req
// and the result encoded with cd.
//
//	server.Unary(&codec.ProtoCodec{}, func(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
//		return wrapperspb.String(in.GetValue()), nil
//	})
func Unary[Req, Resp any](cd codec.Codec, fn func(ctx context.Context, req *Req) (*Resp, error)) middleware.HandlerFunc {
	return func(ctx context.Context, env *message.Envelope) ([]byte, error) {
		in := new(Req)
		if err := cd.Decode(env.Payload, in); err != nil {
			return nil, errors.Wrapf(ErrBadPayload, "%s: %v", env.FullMethod(), err)
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return cd.Encode(out)
	}
}
