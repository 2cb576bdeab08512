package reactor

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"rpcz/message"
	"rpcz/transport"
)

// ReplyFunc sends the reply of one request. Only its first invocation has any effect.
// It may be called from any goroutine.
type ReplyFunc func(status message.Status, payload []byte)

// Invoker runs one request and answers it through reply. Invoke must call reply
// exactly once, possibly after Invoke has returned.
type Invoker interface {
	Invoke(ctx context.Context, req *message.Envelope, reply ReplyFunc)
}

type InvokerFunc func(ctx context.Context, req *message.Envelope, reply ReplyFunc)

func (f InvokerFunc) Invoke(ctx context.Context, req *message.Envelope, reply ReplyFunc) {
	f(ctx, req, reply)
}

// Dispatcher resolves (service, method) on a server connection.
// Lookup runs on the loop goroutine and must not block.
type Dispatcher interface {
	Lookup(service, method string) (Invoker, bool)
}

// serve runs on the loop goroutine for every well-formed request of a server connection.
func (r *Reactor) serve(c *Connection, req *message.Envelope) {
	inv, ok := c.dispatcher.Lookup(req.Service, req.Method)
	if !ok {
		r.log.Debug("no such method",
			zap.Uint64("conn", c.id), zap.String("method", req.FullMethod()))
		r.sendReply(c, req.Reply(message.StatusNoSuchMethod, nil))
		return
	}

	reply := r.replier(c.key(), req)
	job := func() {
		defer func() {
			if p := recover(); p != nil {
				r.log.Error("handler panicked",
					zap.String("method", req.FullMethod()), zap.Any("panic", p))
				diag := &message.ApplicationError{Message: fmt.Sprintf("handler panic: %v", p)}
				reply(message.StatusApplicationError, diag.Diagnostic())
			}
		}()
		inv.Invoke(r.ctx, req, reply)
	}

	if r.cfg.InlineHandlers {
		job()
		return
	}
	r.workers.submit(job)
}

// replier builds the once-only reply path of req. The reply is routed back through
// the loop and dropped if the socket that carried the request is gone.
func (r *Reactor) replier(key transport.Key, req *message.Envelope) ReplyFunc {
	var once sync.Once
	return func(status message.Status, payload []byte) {
		once.Do(func() {
			rep := req.Reply(status, payload)
			if !r.post(func() { r.deliverReply(key, rep) }) {
				r.log.Debug("reply dropped, reactor closed", zap.Uint64("request_id", req.RequestID))
			}
		})
	}
}

func (r *Reactor) deliverReply(key transport.Key, rep *message.Envelope) {
	c, ok := r.conns[key.Conn]
	if !ok || c.gen != key.Gen || c.sock == nil {
		r.log.Debug("reply dropped, connection gone",
			zap.Uint64("conn", key.Conn), zap.Uint64("request_id", rep.RequestID))
		return
	}
	r.sendReply(c, rep)
}
