// Package registry publishes and discovers the endpoints serving a service.
package registry

import (
	"context"
	"time"
)

// ServiceInstance is one endpoint serving a service.
type ServiceInstance struct {
	Endpoint string `json:"endpoint"` // transport endpoint, e.g. "tcp://10.0.0.7:5555"
	Weight   int    `json:"weight,omitempty"`
	Version  string `json:"version,omitempty"`
}

type Registry interface {
	// Register publishes inst for ttl. Implementations keep it alive until Deregister.
	Register(ctx context.Context, service string, inst ServiceInstance, ttl time.Duration) error
	Deregister(ctx context.Context, service, endpoint string) error
	Discover(ctx context.Context, service string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change, until ctx is done.
	Watch(ctx context.Context, service string) <-chan []ServiceInstance
}
