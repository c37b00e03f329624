// Package loadbalance picks one endpoint record among those registered for a contract.
//
// Three strategies are implemented:
//   - RoundRobin:      stateless contracts, equal-capacity hosts
//   - WeightedRandom:  hosts of different capacity, by EndpointRecord.Weight
//   - ConsistentHash:  session contracts, keeping one affinity key on one host
package loadbalance

import (
	"errors"

	"mini-dispatch/registry"
)

// ErrNoEndpoints is returned when there is nothing to pick from.
var ErrNoEndpoints = errors.New("loadbalance: no endpoints available")

// Balancer picks a record for one call. key is the caller's affinity key and may be empty;
// strategies without affinity ignore it. Implementations must be goroutine-safe.
type Balancer interface {
	Pick(records []registry.EndpointRecord, key string) (registry.EndpointRecord, error)
	Name() string
}
