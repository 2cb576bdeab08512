package server

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"rpcz/message"
	"rpcz/middleware"
	"rpcz/reactor"
)

var (
	ErrDuplicateMethod = errors.New("method already registered")
	ErrTableSealed     = errors.New("dispatch table is sealed")
	ErrInvalidName     = errors.New("service and method names must be non-empty")
)

type entry struct {
	handler Handler
	unary   middleware.HandlerFunc // set for unary handlers, wrapped by middlewares on seal
}

// Table maps (service, method) to handlers. Registration is open until the table is
// sealed by Seal, Bind or Serve; after that it is read-only. Lookups never seal it.
type Table struct {
	mu          sync.RWMutex
	sealed      bool
	methods     map[string]map[string]*entry
	middlewares []middleware.Middleware
}

func NewTable() *Table {
	return &Table{methods: make(map[string]map[string]*entry)}
}

// Use appends middlewares applied to every unary handler.
func (t *Table) Use(mws ...middleware.Middleware) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return ErrTableSealed
	}
	t.middlewares = append(t.middlewares, mws...)
	return nil
}

// Register adds an asynchronous handler. A duplicate leaves the table unchanged.
func (t *Table) Register(service, method string, h Handler) error {
	if h == nil {
		return errors.New("nil handler")
	}
	return t.add(service, method, &entry{handler: h})
}

// RegisterUnary adds a handler that answers by returning.
func (t *Table) RegisterUnary(service, method string, fn middleware.HandlerFunc) error {
	if fn == nil {
		return errors.New("nil handler")
	}
	return t.add(service, method, &entry{unary: fn})
}

func (t *Table) add(service, method string, e *entry) error {
	if service == "" || method == "" {
		return ErrInvalidName
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return errors.Wrapf(ErrTableSealed, "register %s.%s", service, method)
	}
	methods, ok := t.methods[service]
	if !ok {
		methods = make(map[string]*entry)
		t.methods[service] = methods
	}
	if _, ok := methods[method]; ok {
		return errors.Wrapf(ErrDuplicateMethod, "%s.%s", service, method)
	}
	methods[method] = e
	return nil
}

// Seal closes registration and builds the middleware chains.
func (t *Table) Seal() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return
	}
	t.sealed = true
	chain := middleware.Chain(t.middlewares...)
	for _, methods := range t.methods {
		for _, e := range methods {
			if e.unary != nil {
				e.handler = unaryHandler(chain(e.unary))
			}
		}
	}
}

func (t *Table) Sealed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sealed
}

func (t *Table) handler(service, method string) (Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.methods[service][method]
	if !ok {
		return nil, false
	}
	if !t.sealed && e.unary != nil {
		// not yet composed; chain with the middlewares registered so far
		return unaryHandler(middleware.Chain(t.middlewares...)(e.unary)), true
	}
	return e.handler, true
}

// Lookup implements reactor.Dispatcher.
func (t *Table) Lookup(service, method string) (reactor.Invoker, bool) {
	h, ok := t.handler(service, method)
	if !ok {
		return nil, false
	}
	return reactor.InvokerFunc(func(ctx context.Context, req *message.Envelope, reply reactor.ReplyFunc) {
		h.Serve(ctx, req, sink{reply: reply})
	}), true
}

// Dispatch serves req synchronously and returns the reply envelope. Unknown methods get
// NO_SUCH_METHOD. It blocks until the handler answers or ctx is done. Dispatch leaves
// the table open for registration if it is not sealed yet.
func (t *Table) Dispatch(ctx context.Context, req *message.Envelope) *message.Envelope {
	inv, ok := t.Lookup(req.Service, req.Method)
	if !ok {
		return req.Reply(message.StatusNoSuchMethod, nil)
	}

	replies := make(chan *message.Envelope, 1)
	var once sync.Once
	reply := func(st message.Status, payload []byte) {
		once.Do(func() { replies <- req.Reply(st, payload) })
	}
	go func() {
		defer func() {
			if p := recover(); p != nil {
				reply(StatusOf(errors.Errorf("handler panic: %v", p)))
			}
		}()
		inv.Invoke(ctx, req, reply)
	}()

	select {
	case rep := <-replies:
		return rep
	case <-ctx.Done():
		st, _ := StatusOf(ctx.Err())
		return req.Reply(st, nil)
	}
}

// Methods lists the registered "Service.Method" names, sorted.
func (t *Table) Methods() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for svc, methods := range t.methods {
		for m := range methods {
			out = append(out, svc+"."+m)
		}
	}
	sort.Strings(out)
	return out
}

// Services lists the registered service names, sorted.
func (t *Table) Services() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.methods))
	for svc := range t.methods {
		out = append(out, svc)
	}
	sort.Strings(out)
	return out
}
