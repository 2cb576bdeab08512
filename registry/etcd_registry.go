package registry

// etcd keeps one key per live instance:
//
//	Key:   /rpcz/{service}/{endpoint}
//	Value: JSON-encoded ServiceInstance
//
// Keys are bound to a TTL lease kept alive in the background, so a server that dies
// without deregistering disappears once its lease expires.

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const (
	DefaultKeyPrefix   = "/rpcz/"
	DefaultDialTimeout = 5 * time.Second
)

type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	KeyPrefix   string
	Logger      *zap.Logger
}

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client
	prefix string
	log    *zap.Logger

	mu     sync.Mutex
	leases map[string]lease // by key
}

type lease struct {
	id   clientv3.LeaseID
	stop context.CancelFunc
}

func NewEtcdRegistry(cfg EtcdConfig) (*EtcdRegistry, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd registry: no endpoints")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      cfg.Logger.Named("etcd"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "etcd registry: connect")
	}
	return &EtcdRegistry{
		client: c,
		prefix: cfg.KeyPrefix,
		log:    cfg.Logger.Named("registry"),
		leases: make(map[string]lease),
	}, nil
}

func (r *EtcdRegistry) servicePrefix(service string) string {
	return r.prefix + service + "/"
}

// Register puts the instance under a lease of ttl (rounded up to whole seconds) and
// renews it until Deregister or Close. Registering the same endpoint again replaces it.
func (r *EtcdRegistry) Register(ctx context.Context, service string, inst ServiceInstance, ttl time.Duration) error {
	seconds := int64((ttl + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	grant, err := r.client.Grant(ctx, seconds)
	if err != nil {
		return errors.Wrapf(err, "grant lease for %s", service)
	}

	val, err := json.Marshal(inst)
	if err != nil {
		return errors.Wrap(err, "encode instance")
	}

	key := r.servicePrefix(service) + inst.Endpoint
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(grant.ID)); err != nil {
		return errors.Wrapf(err, "put %s", key)
	}

	// Renewal outlives ctx, which only bounds the registration itself
	kaCtx, stop := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, grant.ID)
	if err != nil {
		stop()
		return errors.Wrapf(err, "keep lease of %s alive", key)
	}
	go func() {
		for range ch {
		}
		r.log.Debug("lease keepalive ended", zap.String("key", key))
	}()

	r.mu.Lock()
	old, had := r.leases[key]
	r.leases[key] = lease{id: grant.ID, stop: stop}
	r.mu.Unlock()
	if had {
		old.stop()
		_, _ = r.client.Revoke(ctx, old.id)
	}
	r.log.Info("registered", zap.String("service", service), zap.String("endpoint", inst.Endpoint))
	return nil
}

// Deregister deletes the instance and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, service, endpoint string) error {
	key := r.servicePrefix(service) + endpoint
	r.mu.Lock()
	l, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		l.stop()
		if _, err := r.client.Revoke(ctx, l.id); err != nil {
			r.log.Warn("revoke lease", zap.String("key", key), zap.Error(err))
		}
	}
	if _, err := r.client.Delete(ctx, key); err != nil {
		return errors.Wrapf(err, "delete %s", key)
	}
	return nil
}

// Discover returns every instance currently registered for service.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, r.servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, "discover %s", service)
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst ServiceInstance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			r.log.Warn("skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// Watch re-reads the full list whenever anything under the service prefix changes.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, r.servicePrefix(service), clientv3.WithPrefix()) {
			instances, err := r.Discover(ctx, service)
			if err != nil {
				r.log.Warn("refresh after watch event", zap.String("service", service), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close stops every keepalive and closes the etcd client. Leases then expire on their own.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, l := range r.leases {
		l.stop()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
