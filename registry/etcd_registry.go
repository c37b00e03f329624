package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdRegistry implements Registry on etcd v3. Registrations hold a lease that is kept alive
// until Deregister; if the process dies the lease expires and the record disappears.
type EtcdRegistry struct {
	client *clientv3.Client
	log    *zap.Logger

	mu     sync.Mutex
	leases map[string]lease // by key
}

type lease struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, log *zap.Logger) (*EtcdRegistry, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      log.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c, log: log, leases: make(map[string]lease)}, nil
}

// Register stores rec with a lease of ttl seconds and keeps the lease alive in the background.
// Registering the same record again replaces the previous lease.
func (r *EtcdRegistry) Register(ctx context.Context, rec EndpointRecord, ttl int64) error {
	if err := rec.validate(); err != nil {
		return err
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	grant, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}
	if _, err := r.client.Put(ctx, rec.Key(), string(val), clientv3.WithLease(grant.ID)); err != nil {
		return err
	}

	// The keepalive outlives ctx; it stops on Deregister or Close.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, grant.ID)
	if err != nil {
		cancel()
		return err
	}
	go func() {
		for range ch {
		}
		r.log.Debug("lease keepalive ended", zap.String("key", rec.Key()))
	}()

	r.mu.Lock()
	prev, had := r.leases[rec.Key()]
	r.leases[rec.Key()] = lease{id: grant.ID, cancel: cancel}
	r.mu.Unlock()
	if had {
		prev.cancel()
	}
	return nil
}

// Deregister deletes the record and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, contract, addr string) error {
	k := key(contract, addr)
	r.mu.Lock()
	l, had := r.leases[k]
	delete(r.leases, k)
	r.mu.Unlock()

	if had {
		l.cancel()
		if _, err := r.client.Revoke(ctx, l.id); err != nil {
			r.log.Debug("revoke lease", zap.String("key", k), zap.Error(err))
		}
	}
	_, err := r.client.Delete(ctx, k)
	return err
}

// Discover returns the records registered for contract. Malformed values are skipped.
func (r *EtcdRegistry) Discover(ctx context.Context, contract string) ([]EndpointRecord, error) {
	resp, err := r.client.Get(ctx, contractPrefix(contract), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	records := make([]EndpointRecord, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var rec EndpointRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			r.log.Warn("skipping malformed record", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Watch re-reads the contract's records on every change below its prefix.
func (r *EtcdRegistry) Watch(ctx context.Context, contract string) <-chan []EndpointRecord {
	ch := make(chan []EndpointRecord, 1)
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, contractPrefix(contract), clientv3.WithPrefix()) {
			records, err := r.Discover(ctx, contract)
			if err != nil {
				r.log.Warn("refresh after watch event", zap.String("contract", contract), zap.Error(err))
				continue
			}
			select {
			case ch <- records:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close stops every keepalive and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for k, l := range r.leases {
		l.cancel()
		delete(r.leases, k)
	}
	r.mu.Unlock()
	return r.client.Close()
}
