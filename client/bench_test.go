package client

import (
	"context"
	"testing"
	"time"

	"rpcz/codec"
	"rpcz/transport"
)

func setupServerAndClient(b *testing.B, endpoint string) *Client {
	r := startReactor(b, transport.NewMemory())
	serveArith(b, r, endpoint, nil)
	cli, err := NewClient(r, WithEndpoint(endpoint), WithCodec(&codec.JSONCodec{}))
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = cli.Close() })
	return cli
}

// One caller, one call in flight
func BenchmarkSerialCall(b *testing.B) {
	cli := setupServerAndClient(b, "inproc://bench-serial")
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	args := &Args{A: 1, B: 2}
	reply := &Reply{}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := cli.Call(ctx, "Arith.Add", args, reply); err != nil {
			b.Fatal(err)
		}
	}
}

// Many callers multiplexed on one connection
func BenchmarkConcurrentCall(b *testing.B) {
	cli := setupServerAndClient(b, "inproc://bench-concurrent")
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		args := &Args{A: 1, B: 2}
		reply := &Reply{}
		for pb.Next() {
			if err := cli.Call(ctx, "Arith.Add", args, reply); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
