package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is an in-process Registry. TTLs are ignored; records live until deregistered.
type MemoryRegistry struct {
	mu       sync.Mutex
	records  map[string]EndpointRecord // by key
	watchers map[string][]chan []EndpointRecord
}

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		records:  make(map[string]EndpointRecord),
		watchers: make(map[string][]chan []EndpointRecord),
	}
}

func (r *MemoryRegistry) Register(_ context.Context, rec EndpointRecord, _ int64) error {
	if err := rec.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.Key()] = rec
	r.notifyLocked(rec.Contract)
	return nil
}

func (r *MemoryRegistry) Deregister(_ context.Context, contract, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, key(contract, addr))
	r.notifyLocked(contract)
	return nil
}

func (r *MemoryRegistry) Discover(_ context.Context, contract string) ([]EndpointRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(contract), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, contract string) <-chan []EndpointRecord {
	ch := make(chan []EndpointRecord, 1)
	r.mu.Lock()
	r.watchers[contract] = append(r.watchers[contract], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[contract]
		for i, w := range ws {
			if w == ch {
				r.watchers[contract] = append(ws[:i:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (r *MemoryRegistry) listLocked(contract string) []EndpointRecord {
	records := make([]EndpointRecord, 0)
	for _, rec := range r.records {
		if rec.Contract == contract {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Address < records[j].Address })
	return records
}

// notifyLocked sends the latest list to every watcher, replacing a list the watcher has not
// picked up yet.
func (r *MemoryRegistry) notifyLocked(contract string) {
	ws := r.watchers[contract]
	if len(ws) == 0 {
		return
	}
	records := r.listLocked(contract)
	for _, w := range ws {
		select {
		case <-w:
		default:
		}
		w <- records
	}
}
