package loadbalance

import (
	"fmt"
	"hash/crc32"
	"slices"
	"sort"
	"strings"
	"sync"

	"mini-dispatch/registry"
)

// ConsistentHashBalancer maps affinity keys onto a hash ring so that one key keeps reaching
// the same address while the record set is stable. Each address owns replicas virtual nodes
// to spread the ring evenly. Calls without a key fall back to round robin.
type ConsistentHashBalancer struct {
	replicas int
	fallback RoundRobinBalancer

	mu    sync.Mutex
	ident string // addresses the ring was built from
	ring  []uint32
	nodes map[uint32]registry.EndpointRecord
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per address.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: 100}
}

func (b *ConsistentHashBalancer) rebuild(records []registry.EndpointRecord) {
	addrs := make([]string, len(records))
	for i, r := range records {
		addrs[i] = r.Address
	}
	slices.Sort(addrs)
	ident := strings.Join(addrs, ",")
	if ident == b.ident && b.nodes != nil {
		return
	}
	b.ident = ident
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]registry.EndpointRecord, len(records)*b.replicas)
	for _, r := range records {
		for i := 0; i < b.replicas; i++ {
			h := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", r.Address, i)))
			b.ring = append(b.ring, h)
			b.nodes[h] = r
		}
	}
	slices.Sort(b.ring)
}

func (b *ConsistentHashBalancer) Pick(records []registry.EndpointRecord, key string) (registry.EndpointRecord, error) {
	if len(records) == 0 {
		return registry.EndpointRecord{}, ErrNoEndpoints
	}
	if key == "" {
		return b.fallback.Pick(records, key)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rebuild(records)

	h := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool { return b.ring[i] >= h })
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
