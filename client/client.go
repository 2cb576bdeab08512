// Package client issues typed calls through a reactor.
//
// A call resolves its target either from a fixed endpoint or from a registry plus a
// balancer, reuses one reactor connection per endpoint, and goes through the client's
// middleware chain before reaching the wire:
//
//	Call(ctx, "Svc.Method", args, reply)
//	  → codec.Encode(args)
//	  → middleware chain (logging, retry, ...)
//	  → pick endpoint → connection → reactor.Call → await(ctx)
//	  → codec.Decode(reply)
package client

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"rpcz/codec"
	"rpcz/loadbalance"
	"rpcz/message"
	"rpcz/middleware"
	"rpcz/reactor"
	"rpcz/registry"
)

var ErrNoTarget = errors.New("client needs an endpoint or a registry")

type Client struct {
	r        *reactor.Reactor
	reg      registry.Registry
	bal      loadbalance.Balancer
	endpoint string
	codec    codec.Codec
	log      *zap.Logger

	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	mu     sync.Mutex
	conns  map[string]*reactor.Connection // by endpoint
	closed bool
}

type Option func(*Client)

// WithEndpoint sends every call to one endpoint.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) { c.endpoint = endpoint }
}

// WithRegistry discovers endpoints per service and picks one with bal per call.
func WithRegistry(reg registry.Registry, bal loadbalance.Balancer) Option {
	return func(c *Client) {
		c.reg = reg
		c.bal = bal
	}
}

func WithCodec(cd codec.Codec) Option {
	return func(c *Client) { c.codec = cd }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithMiddleware wraps every call. The first middleware given is the outermost.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Client) { c.middlewares = append(c.middlewares, mws...) }
}

func NewClient(r *reactor.Reactor, opts ...Option) (*Client, error) {
	c := &Client{
		r:     r,
		codec: &codec.ProtoCodec{},
		log:   zap.NewNop(),
		conns: make(map[string]*reactor.Connection),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.endpoint == "" && c.reg == nil {
		return nil, ErrNoTarget
	}
	if c.reg != nil && c.bal == nil {
		c.bal = &loadbalance.RoundRobinBalancer{}
	}
	c.log = c.log.Named("client")
	c.handler = middleware.Chain(c.middlewares...)(c.invoke)
	return c, nil
}

type routingKey struct{}

// WithRoutingKey sets the key balancers with affinity use for calls made with ctx.
func WithRoutingKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, routingKey{}, key)
}

func routingKeyOf(ctx context.Context, req *message.Envelope) string {
	if key, ok := ctx.Value(routingKey{}).(string); ok {
		return key
	}
	return req.FullMethod()
}

// SplitMethod splits "Service.Method" at its last dot.
func SplitMethod(serviceMethod string) (service, method string, err error) {
	i := strings.LastIndex(serviceMethod, ".")
	if i <= 0 || i == len(serviceMethod)-1 {
		return "", "", errors.Errorf("invalid service method %q, want Service.Method", serviceMethod)
	}
	return serviceMethod[:i], serviceMethod[i+1:], nil
}

// Call invokes serviceMethod with args and decodes the result into reply.
// The deadline of ctx becomes the deadline of the call.
func (c *Client) Call(ctx context.Context, serviceMethod string, args, reply any) error {
	service, method, err := SplitMethod(serviceMethod)
	if err != nil {
		return err
	}
	payload, err := c.codec.Encode(args)
	if err != nil {
		return errors.Wrapf(err, "encode %s args", serviceMethod)
	}
	resp, err := c.Invoke(ctx, service, method, payload)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	return errors.Wrapf(c.codec.Decode(resp, reply), "decode %s reply", serviceMethod)
}

// Invoke sends an already encoded payload through the middleware chain.
func (c *Client) Invoke(ctx context.Context, service, method string, payload []byte) ([]byte, error) {
	return c.handler(ctx, &message.Envelope{Service: service, Method: method, Payload: payload})
}

// Go issues a call without waiting and without middlewares. A zero deadline falls back
// to the reactor's default timeout.
func (c *Client) Go(ctx context.Context, service, method string, payload []byte, deadline time.Time, opts ...reactor.CallOption) (*reactor.CallContext, error) {
	req := &message.Envelope{Service: service, Method: method, Payload: payload}
	conn, err := c.connFor(ctx, req)
	if err != nil {
		return nil, err
	}
	cc, err := c.r.Call(conn, service, method, payload, deadline, opts...)
	if err != nil {
		c.forget(conn, err)
		return nil, err
	}
	return cc, nil
}

// invoke is the innermost handler of the chain.
func (c *Client) invoke(ctx context.Context, req *message.Envelope) ([]byte, error) {
	deadline, _ := ctx.Deadline()
	cc, err := c.Go(ctx, req.Service, req.Method, req.Payload, deadline)
	if err != nil {
		return nil, err
	}

	res, err := cc.AwaitContext(ctx)
	if err != nil {
		if cc.Cancel() {
			return nil, err
		}
		// Resolved while we were giving up; report what actually happened
		res = cc.Await()
	}
	return res.Payload, res.Err()
}

// connFor returns the cached connection to the call's endpoint, dialing it if needed.
func (c *Client) connFor(ctx context.Context, req *message.Envelope) (*reactor.Connection, error) {
	endpoint, err := c.pick(ctx, req)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("client closed")
	}
	if conn, ok := c.conns[endpoint]; ok && conn.State() != reactor.StateClosed {
		return conn, nil
	}
	conn, err := c.r.Connect(endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "connect %s", endpoint)
	}
	c.conns[endpoint] = conn
	c.log.Debug("connected", zap.String("endpoint", endpoint))
	return conn, nil
}

func (c *Client) pick(ctx context.Context, req *message.Envelope) (string, error) {
	if c.reg == nil {
		return c.endpoint, nil
	}
	instances, err := c.reg.Discover(ctx, req.Service)
	if err != nil {
		return "", errors.Wrapf(err, "discover %s", req.Service)
	}
	inst, err := c.bal.Pick(routingKeyOf(ctx, req), instances)
	if err != nil {
		return "", errors.Wrapf(err, "pick instance of %s", req.Service)
	}
	return inst.Endpoint, nil
}

// forget drops a connection the reactor gave up on so the next call dials afresh.
func (c *Client) forget(conn *reactor.Connection, cause error) {
	if !errors.Is(cause, reactor.ErrConnectionClosed) {
		return
	}
	c.mu.Lock()
	if c.conns[conn.Endpoint()] == conn {
		delete(c.conns, conn.Endpoint())
	}
	c.mu.Unlock()
}

// Close closes every connection the client opened. Pending calls resolve with CONNECTION_LOST.
func (c *Client) Close() error {
	c.mu.Lock()
	conns := c.conns
	c.conns = map[string]*reactor.Connection{}
	c.closed = true
	c.mu.Unlock()

	var firstErr error
	for _, conn := range conns {
		if err := conn.Close(); err != nil && !errors.Is(err, reactor.ErrReactorClosed) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
