// Package config reads the YAML configuration shared by the rpcz daemon and its tools.
package config

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/zrepl/yaml-config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"rpcz/codec"
	"rpcz/loadbalance"
	"rpcz/reactor"
	"rpcz/registry"
	"rpcz/transport"
)

type Config struct {
	Reactor   *ReactorConfig   `yaml:"reactor,optional,fromdefaults"`
	Transport *TransportConfig `yaml:"transport,optional,fromdefaults"`
	Server    *ServerConfig    `yaml:"server,optional,fromdefaults"`
	Client    *ClientConfig    `yaml:"client,optional,fromdefaults"`
	Registry  *RegistryConfig  `yaml:"registry,optional"`
	Logging   *LoggingConfig   `yaml:"logging,optional,fromdefaults"`
	Metrics   *MetricsConfig   `yaml:"metrics,optional,fromdefaults"`
}

type ReactorConfig struct {
	Tick               time.Duration  `yaml:"tick,optional,positive,default=50ms"`
	DefaultTimeout     time.Duration  `yaml:"default_timeout,optional"`
	Workers            int            `yaml:"workers,optional,default=16"`
	InlineHandlers     bool           `yaml:"inline_handlers,optional,default=false"`
	CallbacksOnWorkers bool           `yaml:"callbacks_on_workers,optional,default=false"`
	OutboundQueue      int            `yaml:"outbound_queue,optional,default=64"`
	Backoff            *BackoffConfig `yaml:"backoff,optional,fromdefaults"`
}

type BackoffConfig struct {
	Initial     time.Duration `yaml:"initial,optional,positive,default=100ms"`
	Max         time.Duration `yaml:"max,optional,positive,default=5s"`
	Multiplier  float64       `yaml:"multiplier,optional,default=2"`
	Jitter      float64       `yaml:"jitter,optional,default=0.2"`
	MaxAttempts int           `yaml:"max_attempts,optional,default=0"`
}

type TransportConfig struct {
	Kind        string        `yaml:"kind,optional,default=zmq"` // zmq | memory
	DialTimeout time.Duration `yaml:"dial_timeout,optional,positive,default=5s"`
}

type ServerConfig struct {
	Listen          string        `yaml:"listen,optional"`
	Advertise       string        `yaml:"advertise,optional"`
	RateLimit       float64       `yaml:"rate_limit,optional,default=0"` // requests per second, 0 disables
	Burst           int           `yaml:"burst,optional,default=0"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout,optional"`
	RegistrationTTL time.Duration `yaml:"registration_ttl,optional,positive,default=10s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,optional,positive,default=10s"`
}

type ClientConfig struct {
	Endpoint   string        `yaml:"endpoint,optional"`
	Balancer   string        `yaml:"balancer,optional,default=round_robin"`
	Codec      string        `yaml:"codec,optional,default=proto"`
	Retries    int           `yaml:"retries,optional,default=0"`
	RetryDelay time.Duration `yaml:"retry_delay,optional,positive,default=100ms"`
}

type RegistryConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout,optional,positive,default=5s"`
	KeyPrefix   string        `yaml:"key_prefix,optional,default=/rpcz/"`
}

type LoggingConfig struct {
	Level  string `yaml:"level,optional,default=info"`
	Format string `yaml:"format,optional,default=console"` // console | json
}

type MetricsConfig struct {
	Listen string `yaml:"listen,optional"` // empty disables the /metrics endpoint
}

var ConfigFileDefaultLocations = []string{
	"/etc/rpcz/rpcz.yml",
	"/usr/local/etc/rpcz/rpcz.yml",
}

// ParseConfig reads path, or the first default location that exists when path is empty.
// Without any file the defaults are returned.
func ParseConfig(path string) (*Config, error) {
	if path == "" {
		for _, l := range ConfigFileDefaultLocations {
			stat, err := os.Stat(l)
			if err != nil {
				continue
			}
			if !stat.Mode().IsRegular() {
				return nil, errors.Errorf("file at default location is not a regular file: %s", l)
			}
			path = l
			break
		}
	}
	if path == "" {
		return Default(), nil
	}

	bytes, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	c, err := ParseConfigBytes(bytes)
	return c, errors.Wrapf(err, "parse %s", path)
}

func ParseConfigBytes(bytes []byte) (*Config, error) {
	var c *Config
	if err := yaml.UnmarshalStrict(bytes, &c); err != nil {
		return nil, err
	}
	if c == nil {
		return nil, errors.New("config is empty or only consists of comments")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Default is the configuration of an empty document.
func Default() *Config {
	c, err := ParseConfigBytes([]byte("{}"))
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case "zmq", "memory":
	default:
		return errors.Errorf("transport.kind must be zmq or memory, got %q", c.Transport.Kind)
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return errors.Wrap(err, "logging.level")
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return errors.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	if _, err := loadbalance.ByName(c.Client.Balancer); err != nil {
		return errors.Wrap(err, "client.balancer")
	}
	if _, err := codec.ByName(c.Client.Codec); err != nil {
		return errors.Wrap(err, "client.codec")
	}
	if c.Reactor.Workers <= 0 {
		return errors.New("reactor.workers must be positive")
	}
	if c.Reactor.OutboundQueue < 0 {
		return errors.New("reactor.outbound_queue must not be negative")
	}
	b := c.Reactor.Backoff
	if b.Max < b.Initial {
		return errors.New("reactor.backoff.max must not be below initial")
	}
	if b.Multiplier < 1 {
		return errors.New("reactor.backoff.multiplier must be at least 1")
	}
	if b.Jitter < 0 || b.Jitter >= 1 {
		return errors.New("reactor.backoff.jitter must be in [0, 1)")
	}
	if c.Server.RateLimit < 0 || (c.Server.RateLimit > 0 && c.Server.Burst <= 0) {
		return errors.New("server.rate_limit needs a positive burst")
	}
	if c.Registry != nil && len(c.Registry.Endpoints) == 0 {
		return errors.New("registry.endpoints must not be empty")
	}
	return nil
}

// Options translates the reactor section. Logger and metrics are supplied by the caller.
func (r *ReactorConfig) Options() []reactor.Option {
	return []reactor.Option{
		reactor.WithTick(r.Tick),
		reactor.WithDefaultTimeout(r.DefaultTimeout),
		reactor.WithWorkers(r.Workers),
		reactor.WithInlineHandlers(r.InlineHandlers),
		reactor.WithCallbacksOnWorkers(r.CallbacksOnWorkers),
		reactor.WithOutboundQueueCapacity(r.OutboundQueue),
		reactor.WithBackoff(reactor.BackoffPolicy{
			Initial:     r.Backoff.Initial,
			Max:         r.Backoff.Max,
			Multiplier:  r.Backoff.Multiplier,
			Jitter:      r.Backoff.Jitter,
			MaxAttempts: r.Backoff.MaxAttempts,
		}),
	}
}

// Build creates the transport. ZeroMQ sockets live until ctx is done.
func (t *TransportConfig) Build(ctx context.Context) (transport.Transport, error) {
	switch t.Kind {
	case "zmq":
		return transport.NewZMQ(ctx, t.DialTimeout), nil
	case "memory":
		return transport.NewMemory(), nil
	}
	return nil, errors.Errorf("unknown transport %q", t.Kind)
}

func (r *RegistryConfig) Build(logger *zap.Logger) (*registry.EtcdRegistry, error) {
	return registry.NewEtcdRegistry(registry.EtcdConfig{
		Endpoints:   r.Endpoints,
		DialTimeout: r.DialTimeout,
		KeyPrefix:   r.KeyPrefix,
		Logger:      logger,
	})
}

// Build creates the process logger.
func (l *LoggingConfig) Build() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if l.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
