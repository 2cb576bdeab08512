package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Static is an in-process registry. It suits tests and fixed deployments where the
// endpoints come from configuration.
type Static struct {
	mu        sync.Mutex
	instances map[string]map[string]ServiceInstance
	watchers  map[string]map[chan []ServiceInstance]struct{}
}

func NewStatic() *Static {
	return &Static{
		instances: make(map[string]map[string]ServiceInstance),
		watchers:  make(map[string]map[chan []ServiceInstance]struct{}),
	}
}

// Register ignores ttl; entries live until Deregister.
func (s *Static) Register(_ context.Context, service string, inst ServiceInstance, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	insts, ok := s.instances[service]
	if !ok {
		insts = make(map[string]ServiceInstance)
		s.instances[service] = insts
	}
	insts[inst.Endpoint] = inst
	s.notify(service)
	return nil
}

func (s *Static) Deregister(_ context.Context, service, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[service][endpoint]; !ok {
		return nil
	}
	delete(s.instances[service], endpoint)
	s.notify(service)
	return nil
}

func (s *Static) Discover(_ context.Context, service string) ([]ServiceInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(service), nil
}

func (s *Static) Watch(ctx context.Context, service string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	s.mu.Lock()
	ws, ok := s.watchers[service]
	if !ok {
		ws = make(map[chan []ServiceInstance]struct{})
		s.watchers[service] = ws
	}
	ws[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers[service], ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}

// list returns the instances sorted by endpoint. Callers hold s.mu.
func (s *Static) list(service string) []ServiceInstance {
	out := make([]ServiceInstance, 0, len(s.instances[service]))
	for _, inst := range s.instances[service] {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// notify hands the latest list to every watcher, replacing a list not yet consumed.
// Callers hold s.mu.
func (s *Static) notify(service string) {
	for ch := range s.watchers[service] {
		insts := s.list(service)
		select {
		case <-ch:
		default:
		}
		ch <- insts
	}
}
