package loadbalance

import (
	"context"
	"sync/atomic"

	"eventstream-rpc/registry"
)

// RoundRobinBalancer walks the list in order using a lock-free counter.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(_ context.Context, eps []registry.Endpoint) (registry.Endpoint, error) {
	if len(eps) == 0 {
		return registry.Endpoint{}, ErrNoEndpoints
	}
	n := b.counter.Add(1) - 1
	return eps[n%uint64(len(eps))], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
