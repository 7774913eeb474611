// Package loadbalance picks which announced endpoint a client dials.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity servers
//   - WeightedRandom:  heterogeneous servers, by Endpoint.Weight
//   - ConsistentHash:  affinity, the same key lands on the same server
package loadbalance

import (
	"context"
	"errors"

	"eventstream-rpc/registry"
)

var ErrNoEndpoints = registry.ErrNoEndpoints

// Balancer selects one endpoint out of a discovered list. Implementations are
// safe for concurrent use.
type Balancer interface {
	Pick(ctx context.Context, eps []registry.Endpoint) (registry.Endpoint, error)
	Name() string
}

type hashKey struct{}

// WithHashKey attaches the affinity key ConsistentHashBalancer hashes.
func WithHashKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, hashKey{}, key)
}

func hashKeyFrom(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(hashKey{}).(string)
	return key, ok
}

// New returns the balancer registered under name: "round_robin",
// "weighted_random" or "consistent_hash".
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	default:
		return nil, errors.New("loadbalance: unknown balancer " + name)
	}
}
