// Package server hosts services on a reactor.
//
// A Table maps (service, method) to handlers. A Server binds the table on one or more
// endpoints, advertises its services in a registry and drains in-flight requests on
// shutdown:
//
//	reactor loop ── request ──► Table.Lookup ──► worker: middleware chain → handler
//	             ◄── reply ──── ReplySink (any goroutine, once)
package server

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"rpcz/codec"
	"rpcz/message"
	"rpcz/middleware"
	"rpcz/reactor"
	"rpcz/registry"
)

// DefaultRegistrationTTL is the lease of an advertised endpoint.
const DefaultRegistrationTTL = 10 * time.Second

type Server struct {
	r     *reactor.Reactor
	table *Table
	log   *zap.Logger
	reg   registry.Registry
	ttl   time.Duration

	inflight tracker

	mu         sync.Mutex
	conns      []*reactor.Connection
	advertised []string // endpoints published in reg
	shutdown   bool
}

type Option func(*Server)

func WithRegistry(reg registry.Registry, ttl time.Duration) Option {
	return func(s *Server) {
		s.reg = reg
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

// NewServer creates a server with an empty table on r.
func NewServer(r *reactor.Reactor, opts ...Option) *Server {
	s := &Server{
		r:     r,
		table: NewTable(),
		log:   zap.NewNop(),
		ttl:   DefaultRegistrationTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("server")
	return s
}

func (s *Server) Table() *Table { return s.table }

// Use registers a middleware. Middlewares are applied in the order they are added.
func (s *Server) Use(mw middleware.Middleware) error {
	return s.table.Use(mw)
}

func (s *Server) Handle(service, method string, h Handler) error {
	return s.table.Register(service, method, h)
}

func (s *Server) HandleUnary(service, method string, fn middleware.HandlerFunc) error {
	return s.table.RegisterUnary(service, method, fn)
}

// Register registers the servable methods of rcvr, e.g. &Arith{}, under its type name.
func (s *Server) Register(rcvr any, cd codec.Codec) error {
	return s.table.RegisterService(rcvr, cd)
}

// Serve binds endpoint and, with a registry configured, advertises every service under
// advertise (endpoint itself when empty). It seals the table and returns once bound.
func (s *Server) Serve(ctx context.Context, endpoint, advertise string) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return errors.New("server is shut down")
	}
	s.mu.Unlock()

	conn, err := s.r.Bind(endpoint, tracked{table: s.table, inflight: &s.inflight})
	if err != nil {
		return errors.Wrapf(err, "bind %s", endpoint)
	}
	s.table.Seal()

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
	s.log.Info("serving", zap.String("endpoint", endpoint), zap.Strings("methods", s.table.Methods()))

	if s.reg == nil {
		return nil
	}
	if advertise == "" {
		advertise = endpoint
	}
	for _, svc := range s.table.Services() {
		inst := registry.ServiceInstance{Endpoint: advertise}
		if err := s.reg.Register(ctx, svc, inst, s.ttl); err != nil {
			return errors.Wrapf(err, "advertise %s", svc)
		}
	}
	s.mu.Lock()
	s.advertised = append(s.advertised, advertise)
	s.mu.Unlock()
	return nil
}

// Shutdown stops the server gracefully:
//  1. withdraw the advertised endpoints so clients stop picking this server
//  2. wait for in-flight requests, bounded by ctx
//  3. close the bound connections
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	advertised, conns := s.advertised, s.conns
	s.advertised, s.conns = nil, nil
	s.mu.Unlock()

	var firstErr error
	if s.reg != nil {
		for _, endpoint := range advertised {
			for _, svc := range s.table.Services() {
				if err := s.reg.Deregister(ctx, svc, endpoint); err != nil && firstErr == nil {
					firstErr = errors.Wrapf(err, "withdraw %s", svc)
				}
			}
		}
	}

	if err := s.inflight.wait(ctx); err != nil {
		s.log.Warn("shutdown with requests still running", zap.Int("inflight", s.inflight.count()))
		if firstErr == nil {
			firstErr = errors.Wrap(err, "timeout waiting for ongoing requests to finish")
		}
	}

	for _, c := range conns {
		if err := c.Close(); err != nil && !errors.Is(err, reactor.ErrReactorClosed) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// tracked counts requests from dispatch until their reply.
type tracked struct {
	table    *Table
	inflight *tracker
}

func (t tracked) Seal() { t.table.Seal() }

func (t tracked) Lookup(service, method string) (reactor.Invoker, bool) {
	inv, ok := t.table.Lookup(service, method)
	if !ok {
		return nil, false
	}
	return reactor.InvokerFunc(func(ctx context.Context, req *message.Envelope, reply reactor.ReplyFunc) {
		t.inflight.add()
		var once sync.Once
		counted := func(st message.Status, payload []byte) {
			once.Do(t.inflight.done)
			reply(st, payload)
		}
		defer func() {
			if p := recover(); p != nil {
				counted(StatusOf(errors.Errorf("handler panic: %v", p)))
			}
		}()
		inv.Invoke(ctx, req, counted)
	}), true
}

type tracker struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func (t *tracker) add() {
	t.mu.Lock()
	if t.n == 0 {
		t.idle = make(chan struct{})
	}
	t.n++
	t.mu.Unlock()
}

func (t *tracker) done() {
	t.mu.Lock()
	t.n--
	if t.n == 0 {
		close(t.idle)
	}
	t.mu.Unlock()
}

func (t *tracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

func (t *tracker) wait(ctx context.Context) error {
	t.mu.Lock()
	if t.n == 0 {
		t.mu.Unlock()
		return nil
	}
	idle := t.idle
	t.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
