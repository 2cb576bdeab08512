package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rpcz/config"
	"rpcz/middleware"
	"rpcz/server"
)

var serveArgs struct {
	listen    string
	advertise string
}

var serveCmd = &Subcommand{
	Use:     "serve",
	Short:   "host the Echo service until interrupted",
	Example: "  rpcz serve --listen tcp://0.0.0.0:5555",
	Args:    cobra.NoArgs,
	Run:     runServe,
	SetupFlags: func(f *pflag.FlagSet) {
		f.StringVar(&serveArgs.listen, "listen", "", "endpoint to bind, overrides server.listen")
		f.StringVar(&serveArgs.advertise, "advertise", "", "endpoint published in the registry, overrides server.advertise")
	},
}

func runServe(s *Subcommand, args []string) error {
	conf := s.Config()
	if serveArgs.listen != "" {
		conf.Server.Listen = serveArgs.listen
	}
	if serveArgs.advertise != "" {
		conf.Server.Advertise = serveArgs.advertise
	}
	if conf.Server.Listen == "" {
		return errors.New("no endpoint to listen on: set server.listen or --listen")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, conf)
}

// serve runs the Echo service until ctx is done, then shuts the server down gracefully.
func serve(ctx context.Context, conf *config.Config) error {
	rt, err := newRuntime(ctx, conf)
	if err != nil {
		return err
	}
	defer rt.close()

	svr := newServer(rt, conf.Server)
	if err := registerEcho(svr); err != nil {
		return errors.Wrap(err, "register echo service")
	}

	g, gctx := errgroup.WithContext(ctx)
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	g.Go(func() error {
		return rt.reactor.Run(loopCtx)
	})
	if err := svr.Serve(gctx, conf.Server.Listen, conf.Server.Advertise); err != nil {
		stopLoop()
		_ = g.Wait()
		return err
	}
	if conf.Metrics.Listen != "" {
		g.Go(func() error {
			return rt.serveMetrics(gctx, conf.Metrics.Listen)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		rt.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
		defer cancel()
		err := svr.Shutdown(shutdownCtx)
		stopLoop()
		return err
	})

	err = g.Wait()
	if err != nil {
		rt.log.Error("server stopped", zap.Error(err))
	}
	return err
}

func newServer(rt *runtime, sc *config.ServerConfig) *server.Server {
	opts := []server.Option{server.WithLogger(rt.log)}
	if rt.registry != nil {
		opts = append(opts, server.WithRegistry(rt.registry, sc.RegistrationTTL))
	}
	svr := server.NewServer(rt.reactor, opts...)

	// The table is empty here, so Use cannot fail
	_ = svr.Use(middleware.LoggingMiddleware(rt.log))
	if sc.RateLimit > 0 {
		_ = svr.Use(middleware.RateLimitMiddleware(sc.RateLimit, sc.Burst))
	}
	if sc.HandlerTimeout > 0 {
		_ = svr.Use(middleware.TimeOutMiddleware(sc.HandlerTimeout))
	}
	// Innermost, so it runs on the goroutine the timeout middleware starts
	_ = svr.Use(middleware.RecoveryMiddleware(rt.log))
	return svr
}
