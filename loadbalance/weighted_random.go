package loadbalance

import (
	"math/rand/v2"

	"pjbridge/registry"
)

type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(eps []registry.Endpoint, _ string) (*registry.Endpoint, error) {
	if len(eps) == 0 {
		return nil, ErrNoEndpoints
	}

	// 计算总权重，权重缺省按 1 处理
	total := 0
	for _, ep := range eps {
		total += weightOf(ep)
	}

	// 在 [0, total) 中取随机数，落在哪个区间就选哪个
	r := rand.IntN(total)
	for i := range eps {
		r -= weightOf(eps[i])
		if r < 0 {
			return &eps[i], nil
		}
	}
	return &eps[len(eps)-1], nil
}

func weightOf(ep registry.Endpoint) int {
	if ep.Weight <= 0 {
		return 1
	}
	return ep.Weight
}

func (b *WeightedRandomBalancer) Name() string { return "WeightedRandom" }
