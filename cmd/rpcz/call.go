package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"rpcz/client"
	"rpcz/codec"
	"rpcz/config"
	"rpcz/loadbalance"
	"rpcz/middleware"
	"rpcz/reactor"
)

var callArgs struct {
	endpoint string
	timeout  time.Duration
	key      string
	json     bool
}

var callCmd = &Subcommand{
	Use:     "call Service.Method [text]",
	Short:   "call a method taking and returning a string",
	Example: "  rpcz call --endpoint tcp://127.0.0.1:5555 Echo.Upper hello",
	Args:    cobra.RangeArgs(1, 2),
	Run:     runCall,
	SetupFlags: func(f *pflag.FlagSet) {
		f.StringVar(&callArgs.endpoint, "endpoint", "", "endpoint to call, overrides client.endpoint")
		f.DurationVar(&callArgs.timeout, "timeout", 5*time.Second, "deadline of the call")
		f.StringVar(&callArgs.key, "key", "", "routing key for consistent hashing")
		f.BoolVar(&callArgs.json, "json", false, "print the reply as protobuf JSON")
	},
}

func runCall(s *Subcommand, args []string) error {
	conf := s.Config()
	if callArgs.endpoint != "" {
		conf.Client.Endpoint = callArgs.endpoint
	}
	var text string
	if len(args) == 2 {
		text = args[1]
	}

	ctx, cancel := context.WithTimeout(context.Background(), callArgs.timeout)
	defer cancel()
	if callArgs.key != "" {
		ctx = client.WithRoutingKey(ctx, callArgs.key)
	}
	out, err := call(ctx, conf, args[0], text)
	if err != nil {
		return describe(err)
	}
	if callArgs.json {
		fmt.Println(protojson.Format(out))
		return nil
	}
	fmt.Println(out.GetValue())
	return nil
}

// call issues one call on a fresh runtime and tears it down afterwards.
func call(ctx context.Context, conf *config.Config, serviceMethod, text string) (*wrapperspb.StringValue, error) {
	rt, err := newRuntime(ctx, conf)
	if err != nil {
		return nil, err
	}
	defer rt.close()
	if err := rt.reactor.Start(); err != nil {
		return nil, err
	}

	cli, err := newClient(rt, conf.Client)
	if err != nil {
		return nil, err
	}
	defer cli.Close()

	out := &wrapperspb.StringValue{}
	if err := cli.Call(ctx, serviceMethod, wrapperspb.String(text), out); err != nil {
		return nil, err
	}
	return out, nil
}

func newClient(rt *runtime, cc *config.ClientConfig) (*client.Client, error) {
	cd, err := codec.ByName(cc.Codec)
	if err != nil {
		return nil, err
	}
	opts := []client.Option{
		client.WithCodec(cd),
		client.WithLogger(rt.log),
		client.WithMiddleware(middleware.LoggingMiddleware(rt.log)),
	}
	if cc.Retries > 0 {
		opts = append(opts, client.WithMiddleware(middleware.RetryMiddleware(cc.Retries, cc.RetryDelay, rt.log)))
	}
	switch {
	case cc.Endpoint != "":
		opts = append(opts, client.WithEndpoint(cc.Endpoint))
	case rt.registry != nil:
		bal, err := loadbalance.ByName(cc.Balancer)
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithRegistry(rt.registry, bal))
	}
	return client.NewClient(rt.reactor, opts...)
}

// describe turns an application error into its code and message.
func describe(err error) error {
	var se *reactor.StatusError
	if errors.As(err, &se) {
		if appErr, ok := se.Application(); ok {
			return errors.Errorf("application error %d: %s", appErr.Code, appErr.Message)
		}
	}
	return err
}
