package loadbalance

import (
	"sync/atomic"

	"mini-dispatch/registry"
)

// RoundRobinBalancer cycles through the records in order.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(records []registry.EndpointRecord, _ string) (registry.EndpointRecord, error) {
	if len(records) == 0 {
		return registry.EndpointRecord{}, ErrNoEndpoints
	}
	i := (b.counter.Add(1) - 1) % uint64(len(records))
	return records[i], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
