package main

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"rpcz/config"
	"rpcz/reactor"
	"rpcz/registry"
)

// runtime bundles what both subcommands build from the config.
type runtime struct {
	log      *zap.Logger
	reactor  *reactor.Reactor
	metrics  *prometheus.Registry
	etcd     *registry.EtcdRegistry // nil without a registry section
	registry registry.Registry      // nil without a registry section
}

func newRuntime(ctx context.Context, conf *config.Config) (*runtime, error) {
	log, err := conf.Logging.Build()
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}
	tr, err := conf.Transport.Build(ctx)
	if err != nil {
		return nil, err
	}

	rt := &runtime{log: log, metrics: prometheus.NewRegistry()}
	m := reactor.NewMetrics("rpcz")
	if err := m.Register(rt.metrics); err != nil {
		return nil, errors.Wrap(err, "register reactor metrics")
	}
	if err := rt.metrics.Register(collectors.NewGoCollector()); err != nil {
		return nil, errors.Wrap(err, "register go metrics")
	}

	opts := append(conf.Reactor.Options(), reactor.WithLogger(log), reactor.WithMetrics(m))
	rt.reactor = reactor.New(tr, opts...)

	if conf.Registry != nil {
		rt.etcd, err = conf.Registry.Build(log)
		if err != nil {
			_ = rt.reactor.Close()
			return nil, errors.Wrap(err, "connect registry")
		}
		rt.registry = rt.etcd
	}
	return rt, nil
}

func (rt *runtime) close() {
	_ = rt.reactor.Close()
	if rt.etcd != nil {
		if err := rt.etcd.Close(); err != nil {
			rt.log.Warn("closing registry", zap.Error(err))
		}
	}
	_ = rt.log.Sync()
}

// serveMetrics exposes the runtime's collectors on listen until ctx is done.
func (rt *runtime) serveMetrics(ctx context.Context, listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.metrics, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	rt.log.Info("serving metrics", zap.String("listen", listen))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics endpoint")
	}
	return nil
}
