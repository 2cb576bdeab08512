// Package loadbalance picks the endpoint a client call goes to.
//
// Three strategies are implemented:
//   - RoundRobin:      stateless services, equal-capacity instances
//   - WeightedRandom:  heterogeneous instances
//   - ConsistentHash:  stateful services that want key affinity
package loadbalance

import (
	"github.com/pkg/errors"

	"rpcz/registry"
)

var (
	ErrNoInstances     = errors.New("no instances available")
	ErrUnknownBalancer = errors.New("unknown balancer")
)

// Balancer chooses one instance per call. Pick must be safe for concurrent use.
type Balancer interface {
	// Pick selects from instances. key is the routing key of the call; strategies
	// without affinity ignore it.
	Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)
	Name() string
}

// ByName maps configuration strings to balancers.
func ByName(name string) (Balancer, error) {
	switch name {
	case "", "round_robin", "roundrobin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random", "random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash", "hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, errors.Wrapf(ErrUnknownBalancer, "%q", name)
}
