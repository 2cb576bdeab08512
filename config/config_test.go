package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kr/pretty"
	"github.com/stretchr/testify/require"

	"rpcz/reactor"
)

func testValidConfig(t *testing.T, input string) *Config {
	t.Helper()
	conf, err := ParseConfigBytes([]byte(input))
	require.NoError(t, err)
	require.NotNil(t, conf)
	return conf
}

func TestDefaults(t *testing.T) {
	c := Default()
	t.Log(pretty.Sprint(c))

	require.Equal(t, 50*time.Millisecond, c.Reactor.Tick)
	require.Zero(t, c.Reactor.DefaultTimeout)
	require.Equal(t, 16, c.Reactor.Workers)
	require.Equal(t, 64, c.Reactor.OutboundQueue)
	require.Equal(t, 100*time.Millisecond, c.Reactor.Backoff.Initial)
	require.Equal(t, 5*time.Second, c.Reactor.Backoff.Max)
	require.Equal(t, 2.0, c.Reactor.Backoff.Multiplier)
	require.Equal(t, "zmq", c.Transport.Kind)
	require.Equal(t, "round_robin", c.Client.Balancer)
	require.Equal(t, "proto", c.Client.Codec)
	require.Equal(t, "info", c.Logging.Level)
	require.Equal(t, 10*time.Second, c.Server.RegistrationTTL)
	require.Nil(t, c.Registry)
	require.Empty(t, c.Metrics.Listen)
}

func TestFullConfig(t *testing.T) {
	c := testValidConfig(t, `
reactor:
  tick: 10ms
  default_timeout: 2s
  workers: 4
  inline_handlers: true
  outbound_queue: 8
  backoff:
    initial: 50ms
    max: 1s
    multiplier: 3
    jitter: 0
    max_attempts: 5
transport:
  kind: memory
server:
  listen: tcp://0.0.0.0:5555
  advertise: tcp://10.0.0.7:5555
  rate_limit: 100
  burst: 20
client:
  endpoint: tcp://127.0.0.1:5555
  balancer: consistent_hash
  codec: json
  retries: 2
registry:
  endpoints: [ "127.0.0.1:2379" ]
logging:
  level: debug
  format: json
metrics:
  listen: ":9090"
`)
	require.Equal(t, "memory", c.Transport.Kind)
	require.Equal(t, 5*time.Second, c.Transport.DialTimeout)
	require.Equal(t, "/rpcz/", c.Registry.KeyPrefix)
	require.Equal(t, []string{"127.0.0.1:2379"}, c.Registry.Endpoints)
	require.Equal(t, 3.0, c.Reactor.Backoff.Multiplier)

	cfg := reactor.DefaultConfig()
	for _, opt := range c.Reactor.Options() {
		opt(&cfg)
	}
	require.Equal(t, 10*time.Millisecond, cfg.Tick)
	require.Equal(t, 2*time.Second, cfg.DefaultTimeout)
	require.Equal(t, 4, cfg.Workers)
	require.True(t, cfg.InlineHandlers)
	require.Equal(t, 8, cfg.OutboundQueueCapacity)
	require.Equal(t, 5, cfg.Backoff.MaxAttempts)

	logger, err := c.Logging.Build()
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestInvalidConfigs(t *testing.T) {
	for name, input := range map[string]string{
		"empty":            ``,
		"unknown key":      `nonsense: 1`,
		"bad transport":    "transport:\n  kind: carrier-pigeon",
		"bad level":        "logging:\n  level: loud",
		"bad balancer":     "client:\n  balancer: magic",
		"bad codec":        "client:\n  codec: xml",
		"negative tick":    "reactor:\n  tick: -1s",
		"backoff inverted": "reactor:\n  backoff:\n    initial: 2s\n    max: 1s",
		"rate w/o burst":   "server:\n  rate_limit: 10",
		"empty registry":   "registry:\n  endpoints: []",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfigBytes([]byte(input))
			require.Error(t, err)
		})
	}
}

func TestParseConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rpcz.yml")
	require.NoError(t, os.WriteFile(path, []byte("transport:\n  kind: memory\n"), 0o600))
	c, err := ParseConfig(path)
	require.NoError(t, err)
	require.Equal(t, "memory", c.Transport.Kind)

	_, err = ParseConfig(filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)
}
