package reactor

import (
	"time"

	"go.uber.org/zap"
)

const (
	DefaultTick                  = 50 * time.Millisecond
	DefaultWorkers               = 16
	DefaultOutboundQueueCapacity = 64
	DefaultPollBuffer            = 1024
	DefaultSendBuffer            = 256
)

// Config holds the tunables of a Reactor. Build it with DefaultConfig and Options.
type Config struct {
	// Tick is the longest the loop sleeps in Poll. Deadlines are honored exactly; the tick
	// only bounds how late backlogged work and redials are picked up.
	Tick time.Duration
	// DefaultTimeout is applied to calls issued without a deadline. Zero means no deadline.
	DefaultTimeout time.Duration
	// Workers bounds concurrently running handlers and callbacks.
	Workers int
	// InlineHandlers runs server handlers on the loop goroutine. Only for handlers that never block.
	InlineHandlers bool
	// CallbacksOnWorkers moves completion callbacks off the loop goroutine.
	CallbacksOnWorkers bool
	// OutboundQueueCapacity bounds calls admitted while a client connection reconnects.
	OutboundQueueCapacity int
	Backoff               BackoffPolicy
	PollBuffer            int
	// SendBuffer bounds the messages handed to a socket's writer and not yet sent.
	// Beyond it messages wait on the connection and are retried every loop iteration.
	SendBuffer int

	Logger  *zap.Logger
	Metrics *Metrics
}

func DefaultConfig() Config {
	return Config{
		Tick:                  DefaultTick,
		Workers:               DefaultWorkers,
		OutboundQueueCapacity: DefaultOutboundQueueCapacity,
		Backoff:               DefaultBackoff(),
		PollBuffer:            DefaultPollBuffer,
		SendBuffer:            DefaultSendBuffer,
	}
}

type Option func(*Config)

func WithTick(d time.Duration) Option {
	return func(c *Config) { c.Tick = d }
}

func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Config) { c.DefaultTimeout = d }
}

func WithWorkers(n int) Option {
	return func(c *Config) { c.Workers = n }
}

func WithInlineHandlers(inline bool) Option {
	return func(c *Config) { c.InlineHandlers = inline }
}

func WithCallbacksOnWorkers(on bool) Option {
	return func(c *Config) { c.CallbacksOnWorkers = on }
}

func WithOutboundQueueCapacity(n int) Option {
	return func(c *Config) { c.OutboundQueueCapacity = n }
}

func WithBackoff(b BackoffPolicy) Option {
	return func(c *Config) { c.Backoff = b }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

func WithMetrics(m *Metrics) Option {
	return func(c *Config) { c.Metrics = m }
}

func WithSendBuffer(n int) Option {
	return func(c *Config) { c.SendBuffer = n }
}

func (c *Config) normalize() {
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.OutboundQueueCapacity < 0 {
		c.OutboundQueueCapacity = 0
	}
	if c.PollBuffer <= 0 {
		c.PollBuffer = DefaultPollBuffer
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	c.Backoff = c.Backoff.normalize()
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics("rpcz")
	}
}
