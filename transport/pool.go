package transport

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"mini-dispatch/codec"
)

// DialFunc opens a client transport to address.
type DialFunc func(ctx context.Context, address string) (*ClientTransport, error)

// Pool keeps up to size client transports per address. Transports are multiplexed, so callers
// share them instead of borrowing one exclusively; Get hands them out round robin and replaces
// the ones that died.
type Pool struct {
	dial DialFunc
	size int
	log  *zap.Logger

	mu      sync.Mutex
	entries map[string]*poolEntry
	closed  bool
}

type poolEntry struct {
	transports []*ClientTransport
	next       int
}

// NewPool creates a pool that dials with Dial and codec c.
func NewPool(c codec.Codec, size int, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	return NewPoolWithDialer(func(ctx context.Context, address string) (*ClientTransport, error) {
		return Dial(ctx, address, c, log)
	}, size, log)
}

// NewPoolWithDialer creates a pool around a custom dial function.
func NewPoolWithDialer(dial DialFunc, size int, log *zap.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{dial: dial, size: size, log: log, entries: make(map[string]*poolEntry)}
}

// Get returns a live transport to address, dialing while the address has fewer than size.
func (p *Pool) Get(ctx context.Context, address string) (*ClientTransport, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrTransportClosed
	}
	e := p.entries[address]
	if e == nil {
		e = &poolEntry{}
		p.entries[address] = e
	}
	e.prune()
	if len(e.transports) >= p.size {
		t := e.transports[e.next%len(e.transports)]
		e.next++
		p.mu.Unlock()
		return t, nil
	}
	p.mu.Unlock()

	t, err := p.dial(ctx, address)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = t.Close()
		return nil, ErrTransportClosed
	}
	if len(e.transports) >= p.size {
		// Lost a race with another dialer; keep the pool at size.
		_ = t.Close()
		t = e.transports[e.next%len(e.transports)]
		e.next++
		return t, nil
	}
	e.transports = append(e.transports, t)
	p.log.Debug("transport dialed", zap.String("address", address), zap.Int("pooled", len(e.transports)))
	return t, nil
}

func (e *poolEntry) prune() {
	live := e.transports[:0]
	for _, t := range e.transports {
		if t.Err() == nil {
			live = append(live, t)
		}
	}
	clear(e.transports[len(live):])
	e.transports = live
}

// Len returns the number of live transports to address.
func (p *Pool) Len(address string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entries[address]
	if e == nil {
		return 0
	}
	e.prune()
	return len(e.transports)
}

// Drop closes every transport to address, for instance after it left the registry.
func (p *Pool) Drop(address string) {
	p.mu.Lock()
	e := p.entries[address]
	delete(p.entries, address)
	p.mu.Unlock()
	if e != nil {
		for _, t := range e.transports {
			_ = t.Close()
		}
	}
}

// Close closes every transport. Later Gets fail with ErrTransportClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	entries := p.entries
	p.entries = make(map[string]*poolEntry)
	p.mu.Unlock()
	for _, e := range entries {
		for _, t := range e.transports {
			_ = t.Close()
		}
	}
	return nil
}
