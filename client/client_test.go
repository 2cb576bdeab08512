package client

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"rpcz/codec"
	"rpcz/loadbalance"
	"rpcz/message"
	"rpcz/middleware"
	"rpcz/reactor"
	"rpcz/registry"
	"rpcz/server"
	"rpcz/transport"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct {
	calls atomic.Int32
}

func (a *Arith) Add(args *Args, reply *Reply) error {
	a.calls.Add(1)
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Fail(args *Args, reply *Reply) error {
	return server.Errorf(3, "refusing %d", args.A)
}

func startReactor(t testing.TB, tr transport.Transport, opts ...reactor.Option) *reactor.Reactor {
	t.Helper()
	opts = append([]reactor.Option{reactor.WithTick(10 * time.Millisecond)}, opts...)
	r := reactor.New(tr, opts...)
	require.NoError(t, r.Start())
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func serveArith(t testing.TB, r *reactor.Reactor, endpoint string, reg registry.Registry) *Arith {
	t.Helper()
	arith := &Arith{}
	var opts []server.Option
	if reg != nil {
		opts = append(opts, server.WithRegistry(reg, time.Second))
	}
	svr := server.NewServer(r, opts...)
	require.NoError(t, svr.Register(arith, &codec.JSONCodec{}))
	require.NoError(t, svr.Serve(context.Background(), endpoint, ""))
	return arith
}

func TestClientCall(t *testing.T) {
	tr := transport.NewMemory()
	r := startReactor(t, tr)
	serveArith(t, r, "inproc://arith", nil)

	cli, err := NewClient(r, WithEndpoint("inproc://arith"), WithCodec(&codec.JSONCodec{}))
	require.NoError(t, err)
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply := &Reply{}
	require.NoError(t, cli.Call(ctx, "Arith.Add", &Args{A: 1, B: 2}, reply))
	require.Equal(t, 3, reply.Result)

	err = cli.Call(ctx, "Arith.Fail", &Args{A: 7}, reply)
	var se *reactor.StatusError
	require.ErrorAs(t, err, &se)
	appErr, ok := se.Application()
	require.True(t, ok)
	require.Equal(t, int32(3), appErr.Code)
	require.Equal(t, "refusing 7", appErr.Message)

	err = cli.Call(ctx, "Arith.Nope", &Args{}, reply)
	st, ok := reactor.StatusOf(err)
	require.True(t, ok)
	require.Equal(t, message.StatusNoSuchMethod, st)

	require.Error(t, cli.Call(ctx, "NoDot", &Args{}, reply))
}

func TestNewClientNeedsTarget(t *testing.T) {
	r := reactor.New(transport.NewMemory())
	defer r.Close()
	_, err := NewClient(r)
	require.Equal(t, ErrNoTarget, err)
}

func TestSplitMethod(t *testing.T) {
	svc, m, err := SplitMethod("pkg.Echo.Say")
	require.NoError(t, err)
	require.Equal(t, "pkg.Echo", svc)
	require.Equal(t, "Say", m)

	for _, bad := range []string{"", "Echo", ".Say", "Echo."} {
		_, _, err := SplitMethod(bad)
		require.Error(t, err, bad)
	}
}

func TestClientDeadlineFromContext(t *testing.T) {
	tr := transport.NewMemory()
	r := startReactor(t, tr)
	svr := server.NewServer(r)
	require.NoError(t, svr.Handle("Slow", "Never", server.HandlerFunc(func(context.Context, *message.Envelope, server.ReplySink) {})))
	require.NoError(t, svr.Serve(context.Background(), "inproc://slow", ""))

	cli, err := NewClient(r, WithEndpoint("inproc://slow"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = cli.Invoke(ctx, "Slow", "Never", nil)
	require.Error(t, err)
	if st, ok := reactor.StatusOf(err); ok {
		require.Equal(t, message.StatusDeadlineExceeded, st)
	} else {
		require.True(t, errors.Is(err, context.DeadlineExceeded))
	}
}

func TestClientCancelledContext(t *testing.T) {
	tr := transport.NewMemory()
	r := startReactor(t, tr)
	svr := server.NewServer(r)
	require.NoError(t, svr.Handle("Slow", "Never", server.HandlerFunc(func(context.Context, *message.Envelope, server.ReplySink) {})))
	require.NoError(t, svr.Serve(context.Background(), "inproc://slow", ""))

	cli, err := NewClient(r, WithEndpoint("inproc://slow"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err = cli.Invoke(ctx, "Slow", "Never", nil)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestClientRegistryAndBalancer(t *testing.T) {
	tr := transport.NewMemory()
	r := startReactor(t, tr)
	reg := registry.NewStatic()
	a := serveArith(t, r, "inproc://arith-a", reg)
	b := serveArith(t, r, "inproc://arith-b", reg)

	cli, err := NewClient(r,
		WithRegistry(reg, &loadbalance.RoundRobinBalancer{}),
		WithCodec(&codec.JSONCodec{}))
	require.NoError(t, err)
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 10; i++ {
		reply := &Reply{}
		require.NoError(t, cli.Call(ctx, "Arith.Add", &Args{A: i, B: i}, reply))
		require.Equal(t, 2*i, reply.Result)
	}
	require.Equal(t, int32(5), a.calls.Load())
	require.Equal(t, int32(5), b.calls.Load())

	// Affinity: one routing key always lands on the same server
	hashed, err := NewClient(r,
		WithRegistry(reg, loadbalance.NewConsistentHashBalancer()),
		WithCodec(&codec.JSONCodec{}))
	require.NoError(t, err)
	defer hashed.Close()
	beforeA, beforeB := a.calls.Load(), b.calls.Load()
	keyed := WithRoutingKey(ctx, "user-42")
	for i := 0; i < 6; i++ {
		require.NoError(t, hashed.Call(keyed, "Arith.Add", &Args{A: 1, B: 1}, &Reply{}))
	}
	gotA, gotB := a.calls.Load()-beforeA, b.calls.Load()-beforeB
	require.True(t, (gotA == 6 && gotB == 0) || (gotA == 0 && gotB == 6), "split %d/%d", gotA, gotB)

	_, err = cli.Invoke(ctx, "Unknown", "M", nil)
	require.True(t, errors.Is(err, loadbalance.ErrNoInstances))
}

func TestClientMiddlewareRetryAcrossReconnect(t *testing.T) {
	tr := transport.NewMemory()
	r := startReactor(t, tr, reactor.WithBackoff(reactor.BackoffPolicy{
		Initial: 5 * time.Millisecond, Max: 10 * time.Millisecond, Multiplier: 2,
	}))

	// A raw listener that drops the first request by resetting the peer
	first, err := tr.Listen("inproc://flaky")
	require.NoError(t, err)
	go func() {
		if _, err := first.Recv(); err == nil {
			_ = first.Close()
		}
	}()

	var attempts atomic.Int32
	counting := func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) ([]byte, error) {
			attempts.Add(1)
			return next(ctx, req)
		}
	}
	cli, err := NewClient(r,
		WithEndpoint("inproc://flaky"),
		WithCodec(&codec.JSONCodec{}),
		WithMiddleware(middleware.RetryMiddleware(5, 10*time.Millisecond, nil), counting))
	require.NoError(t, err)
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	done := make(chan error, 1)
	reply := &Reply{}
	go func() { done <- cli.Call(ctx, "Arith.Add", &Args{A: 2, B: 3}, reply) }()

	// Bring the real server up once the first listener is gone
	require.Eventually(t, func() bool {
		_, err := tr.Dial("inproc://flaky")
		return errors.Is(err, transport.ErrConnectionRefused)
	}, 2*time.Second, time.Millisecond)
	serveArith(t, r, "inproc://flaky", nil)

	require.NoError(t, <-done)
	require.Equal(t, 5, reply.Result)
	require.GreaterOrEqual(t, attempts.Load(), int32(2))
}

func TestClientGoCallback(t *testing.T) {
	tr := transport.NewMemory()
	r := startReactor(t, tr)
	svr := server.NewServer(r)
	pc := &codec.ProtoCodec{}
	require.NoError(t, svr.HandleUnary("Echo", "Say", server.Unary(pc,
		func(_ context.Context, in *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
			return wrapperspb.String("echo:" + in.GetValue()), nil
		})))
	require.NoError(t, svr.Serve(context.Background(), "inproc://echo", ""))

	cli, err := NewClient(r, WithEndpoint("inproc://echo"))
	require.NoError(t, err)

	results := make(chan string, 3)
	for i := 0; i < 3; i++ {
		payload, err := pc.Encode(wrapperspb.String(fmt.Sprint(i)))
		require.NoError(t, err)
		_, err = cli.Go(context.Background(), "Echo", "Say", payload, time.Now().Add(2*time.Second),
			reactor.WithCallback(func(res reactor.Result) {
				out := &wrapperspb.StringValue{}
				if res.Err() == nil && pc.Decode(res.Payload, out) == nil {
					results <- out.GetValue()
				} else {
					results <- "error"
				}
			}))
		require.NoError(t, err)
	}
	got := map[string]bool{}
	for i := 0; i < 3; i++ {
		select {
		case s := <-results:
			got[s] = true
		case <-time.After(2 * time.Second):
			t.Fatal("callback missing")
		}
	}
	require.Equal(t, map[string]bool{"echo:0": true, "echo:1": true, "echo:2": true}, got)

	// The typed path uses the default proto codec
	out := &wrapperspb.StringValue{}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, cli.Call(ctx, "Echo.Say", wrapperspb.String("typed"), out))
	require.Equal(t, "echo:typed", out.GetValue())
}

func freeTCPEndpoint(t testing.TB) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return "tcp://" + addr
}

func TestClientOverZMQ(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := transport.NewZMQ(ctx, time.Second)
	r := startReactor(t, tr)

	endpoint := freeTCPEndpoint(t)
	serveArith(t, r, endpoint, nil)

	cli, err := NewClient(r, WithEndpoint(endpoint), WithCodec(&codec.JSONCodec{}))
	require.NoError(t, err)
	defer cli.Close()

	callCtx, callCancel := context.WithTimeout(ctx, 5*time.Second)
	defer callCancel()
	for i := 0; i < 20; i++ {
		reply := &Reply{}
		require.NoError(t, cli.Call(callCtx, "Arith.Add", &Args{A: i, B: 1}, reply))
		require.Equal(t, i+1, reply.Result)
	}
}
