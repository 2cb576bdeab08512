package reactor

import (
	"context"
	"sync/atomic"
	"time"

	"rpcz/message"
)

// CallContext is the caller's handle on one outstanding call.
//
// It is resolved exactly once: by the reply, the deadline, a connection loss, or Cancel,
// whichever comes first. Every later resolution attempt is a no-op.
type CallContext struct {
	r        *Reactor
	conn     *Connection
	id       uint64
	service  string
	method   string
	deadline time.Time
	issued   time.Time
	callback func(Result)

	completed atomic.Bool
	done      chan struct{}
	result    Result // written once before done is closed
}

// CallOption configures a single call.
type CallOption func(*CallContext)

// WithCallback runs fn with the result once the call resolves. Callbacks run on the loop
// goroutine unless the reactor was built WithCallbacksOnWorkers; they must not block there.
func WithCallback(fn func(Result)) CallOption {
	return func(c *CallContext) { c.callback = fn }
}

func newCallContext(r *Reactor, conn *Connection, id uint64, service, method string, deadline time.Time) *CallContext {
	return &CallContext{
		r:        r,
		conn:     conn,
		id:       id,
		service:  service,
		method:   method,
		deadline: deadline,
		issued:   time.Now(),
		done:     make(chan struct{}),
	}
}

// complete sets the terminal result. Only the first caller wins.
func (c *CallContext) complete(res Result) bool {
	if !c.completed.CompareAndSwap(false, true) {
		return false
	}
	c.result = res
	close(c.done)
	return true
}

func (c *CallContext) RequestID() uint64 { return c.id }

func (c *CallContext) Connection() *Connection { return c.conn }

// Deadline returns the absolute deadline, or false if the call has none.
func (c *CallContext) Deadline() (time.Time, bool) {
	return c.deadline, !c.deadline.IsZero()
}

// Done is closed once the call is resolved.
func (c *CallContext) Done() <-chan struct{} { return c.done }

// Result returns the outcome without blocking. ok is false while the call is pending.
func (c *CallContext) Result() (res Result, ok bool) {
	select {
	case <-c.done:
		return c.result, true
	default:
		return Result{}, false
	}
}

// Await blocks until the call is resolved. With a deadline set it returns no later than
// one reactor tick after the deadline; without one it can block forever.
func (c *CallContext) Await() Result {
	<-c.done
	return c.result
}

// AwaitContext is Await bounded by ctx. Giving up on ctx does not cancel the call.
func (c *CallContext) AwaitContext(ctx context.Context) (Result, error) {
	select {
	case <-c.done:
		return c.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel resolves a pending call with CANCELLED. A reply arriving afterwards is dropped.
// It reports whether this call to Cancel resolved the call.
func (c *CallContext) Cancel() bool {
	if !c.complete(Result{Status: message.StatusCancelled}) {
		return false
	}
	if !c.r.post(func() { c.r.forget(c) }) {
		// Loop is gone; nobody else will run the callback
		c.r.runCallback(c, c.callback)
	}
	return true
}
