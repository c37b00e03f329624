package dispatcher

import "sync/atomic"

// ConcurrencyGate is the binary pump token of one channel handler. Whoever holds it is the only
// goroutine allowed to receive from the channel; a failed TryAcquire means another holder will
// re-arm the pump once it releases.
type ConcurrencyGate struct {
	held     atomic.Bool
	acquired atomic.Int64
	released atomic.Int64
}

// TryAcquire takes the gate if it is free.
func (g *ConcurrencyGate) TryAcquire() bool {
	if !g.held.CompareAndSwap(false, true) {
		return false
	}
	g.acquired.Add(1)
	return true
}

// Release frees the gate. Releasing a free gate is a no-op and returns false.
func (g *ConcurrencyGate) Release() bool {
	if !g.held.CompareAndSwap(true, false) {
		return false
	}
	g.released.Add(1)
	return true
}

// Held reports whether the gate is currently taken.
func (g *ConcurrencyGate) Held() bool { return g.held.Load() }

// GateStats counts successful acquisitions and releases.
type GateStats struct {
	Acquired int64
	Released int64
}

func (g *ConcurrencyGate) Stats() GateStats {
	return GateStats{Acquired: g.acquired.Load(), Released: g.released.Load()}
}
