package main

import (
	"context"
	"strings"
	"time"

	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"rpcz/codec"
	"rpcz/server"
)

const echoService = "Echo"

// Application error codes of Echo.Fail.
const (
	CodeEmptyMessage = 1
	CodeRequested    = 2
)

func echoSay(_ context.Context, in *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	return wrapperspb.String(in.GetValue()), nil
}

func echoUpper(_ context.Context, in *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	return wrapperspb.String(strings.ToUpper(in.GetValue())), nil
}

func echoFail(_ context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if in.GetValue() == "" {
		return nil, server.Errorf(CodeEmptyMessage, "empty message")
	}
	return nil, server.Errorf(CodeRequested, "%s", in.GetValue())
}

// echoSleep returns after the requested duration or when the call's context ends.
func echoSleep(ctx context.Context, in *durationpb.Duration) (*emptypb.Empty, error) {
	t := time.NewTimer(in.AsDuration())
	defer t.Stop()
	select {
	case <-t.C:
		return &emptypb.Empty{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// registerEcho installs the demo service the serve subcommand hosts.
func registerEcho(svr *server.Server) error {
	pc := &codec.ProtoCodec{}
	if err := svr.HandleUnary(echoService, "Say", server.Unary(pc, echoSay)); err != nil {
		return err
	}
	if err := svr.HandleUnary(echoService, "Upper", server.Unary(pc, echoUpper)); err != nil {
		return err
	}
	if err := svr.HandleUnary(echoService, "Fail", server.Unary(pc, echoFail)); err != nil {
		return err
	}
	return svr.HandleUnary(echoService, "Sleep", server.Unary(pc, echoSleep))
}
