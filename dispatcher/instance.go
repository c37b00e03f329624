package dispatcher

import (
	"io"
	"sync"

	"github.com/google/uuid"

	"mini-dispatch/message"
)

// InstanceProvider creates and releases service instances.
type InstanceProvider interface {
	GetInstance(ic *InstanceContext, msg *message.Message) (any, error)
	ReleaseInstance(ic *InstanceContext, instance any)
}

// InstanceFunc is an InstanceProvider backed by a constructor. Released instances that implement
// io.Closer are closed.
type InstanceFunc func() (any, error)

func (f InstanceFunc) GetInstance(*InstanceContext, *message.Message) (any, error) {
	return f()
}

func (f InstanceFunc) ReleaseInstance(_ *InstanceContext, instance any) {
	if c, ok := instance.(io.Closer); ok {
		_ = c.Close()
	}
}

// SharedInstance always hands out the same value and never releases it.
func SharedInstance(v any) InstanceProvider {
	return sharedInstance{v: v}
}

type sharedInstance struct{ v any }

func (s sharedInstance) GetInstance(*InstanceContext, *message.Message) (any, error) {
	return s.v, nil
}

func (s sharedInstance) ReleaseInstance(*InstanceContext, any) {}

type icState int

const (
	icOpen icState = iota
	icClosing
	icClosed
	icAborted
)

type lockWaiter struct {
	rpc  *dispatchRPC
	cont *Continuation
}

// InstanceContext is the unit of state an operation runs against: one per session, per call, or
// shared by the endpoint depending on InstanceMode. It owns the lazily created service instance
// and the instance lock that serializes invocations under ConcurrencySingle and
// ConcurrencyReentrant. Waiters get the lock in arrival order.
type InstanceContext struct {
	id        string
	provider  InstanceProvider
	scheduler Scheduler

	mu       sync.Mutex
	state    icState
	instance any
	created  bool
	owner    *dispatchRPC
	waiters  []lockWaiter
	calls    int
}

func newInstanceContext(provider InstanceProvider, scheduler Scheduler) *InstanceContext {
	return &InstanceContext{id: uuid.NewString(), provider: provider, scheduler: scheduler}
}

// ID identifies the context in logs.
func (ic *InstanceContext) ID() string { return ic.id }

// Instance returns the service instance if one was created.
func (ic *InstanceContext) Instance() (any, bool) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.instance, ic.created
}

func (ic *InstanceContext) getInstance(msg *message.Message) (any, error) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.state == icAborted || ic.state == icClosed {
		return nil, ErrInstanceAborted
	}
	if ic.created {
		return ic.instance, nil
	}
	inst, err := ic.provider.GetInstance(ic, msg)
	if err != nil {
		return nil, err
	}
	ic.instance, ic.created = inst, true
	return inst, nil
}

func (ic *InstanceContext) beginOperation() {
	ic.mu.Lock()
	ic.calls++
	ic.mu.Unlock()
}

// operationCompleted ends one call. A context that was closed while calls were running releases
// its instance when the last one finishes.
func (ic *InstanceContext) operationCompleted() {
	ic.mu.Lock()
	ic.calls--
	release := ic.calls == 0 && ic.state == icClosing
	if release {
		ic.state = icClosed
	}
	inst, created := ic.takeInstanceLocked(release)
	ic.mu.Unlock()
	if created {
		ic.provider.ReleaseInstance(ic, inst)
	}
}

func (ic *InstanceContext) takeInstanceLocked(take bool) (any, bool) {
	if !take || !ic.created {
		return nil, false
	}
	inst := ic.instance
	ic.instance, ic.created = nil, false
	return inst, true
}

// lock takes the instance lock for rpc or queues it. A false result means cont will be resumed
// once the lock is handed over.
func (ic *InstanceContext) lock(rpc *dispatchRPC, cont *Continuation) (bool, error) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.state == icAborted {
		return false, ErrInstanceAborted
	}
	if ic.owner == nil {
		ic.owner = rpc
		return true, nil
	}
	ic.waiters = append(ic.waiters, lockWaiter{rpc: rpc, cont: cont})
	return false, nil
}

// unlock releases the lock if rpc owns it and hands it to the next waiter.
func (ic *InstanceContext) unlock(rpc *dispatchRPC) {
	ic.mu.Lock()
	if ic.owner != rpc {
		ic.mu.Unlock()
		return
	}
	ic.owner = nil
	if len(ic.waiters) == 0 {
		ic.mu.Unlock()
		return
	}
	next := ic.waiters[0]
	ic.waiters = ic.waiters[1:]
	ic.owner = next.rpc
	ic.mu.Unlock()

	ic.scheduler.Schedule(func() {
		next.cont.resume(func() { next.rpc.holdsInstanceLock = true })
	})
}

// Close releases the instance once no call is running on it.
func (ic *InstanceContext) Close() {
	ic.mu.Lock()
	if ic.state != icOpen {
		ic.mu.Unlock()
		return
	}
	release := ic.calls == 0
	if release {
		ic.state = icClosed
	} else {
		ic.state = icClosing
	}
	inst, created := ic.takeInstanceLocked(release)
	ic.mu.Unlock()
	if created {
		ic.provider.ReleaseInstance(ic, inst)
	}
}

// Abort fails every queued dispatch and releases the instance immediately.
func (ic *InstanceContext) Abort() {
	ic.mu.Lock()
	if ic.state == icAborted || ic.state == icClosed {
		ic.mu.Unlock()
		return
	}
	ic.state = icAborted
	waiters := ic.waiters
	ic.waiters = nil
	inst, created := ic.takeInstanceLocked(true)
	ic.mu.Unlock()

	if created {
		ic.provider.ReleaseInstance(ic, inst)
	}
	for _, w := range waiters {
		ic.scheduler.Schedule(func() {
			w.cont.resume(func() { w.rpc.fail(ErrInstanceAborted) })
		})
	}
}

// Aborted reports whether Abort was called.
func (ic *InstanceContext) Aborted() bool {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.state == icAborted
}
