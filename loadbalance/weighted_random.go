package loadbalance

import (
	"math/rand/v2"

	"mini-dispatch/registry"
)

// WeightedRandomBalancer picks records with probability proportional to their weight.
// Records without a positive weight count as weight 1.
type WeightedRandomBalancer struct{}

func weight(r registry.EndpointRecord) int {
	if r.Weight <= 0 {
		return 1
	}
	return r.Weight
}

func (b *WeightedRandomBalancer) Pick(records []registry.EndpointRecord, _ string) (registry.EndpointRecord, error) {
	if len(records) == 0 {
		return registry.EndpointRecord{}, ErrNoEndpoints
	}
	total := 0
	for _, r := range records {
		total += weight(r)
	}
	n := rand.IntN(total)
	for _, r := range records {
		n -= weight(r)
		if n < 0 {
			return r, nil
		}
	}
	return records[len(records)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
