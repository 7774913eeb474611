package loadbalance

import (
	"context"
	"math/rand/v2"

	"eventstream-rpc/registry"
)

// WeightedRandomBalancer picks with probability proportional to
// Endpoint.Weight. Endpoints without a positive weight count as weight 1.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(_ context.Context, eps []registry.Endpoint) (registry.Endpoint, error) {
	if len(eps) == 0 {
		return registry.Endpoint{}, ErrNoEndpoints
	}

	// 计算总权重
	total := 0
	for _, ep := range eps {
		total += weight(ep)
	}

	// 生成一个随机数，范围是0到总权重
	r := rand.IntN(total)
	for _, ep := range eps {
		r -= weight(ep)
		if r < 0 {
			return ep, nil
		}
	}
	return eps[len(eps)-1], nil
}

func weight(ep registry.Endpoint) int {
	if ep.Weight <= 0 {
		return 1
	}
	return ep.Weight
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
