package dispatcher

import (
	"sync"

	"mini-dispatch/message"
)

// MessageInspector sees every request after it is received and every reply before it is sent.
type MessageInspector interface {
	AfterReceiveRequest(request *message.Message) (correlation any, err error)
	BeforeSendReply(reply *message.Message, correlation any) error
}

// Runtime is the per-endpoint dispatch configuration: the operation table, instancing and
// concurrency behavior, and the inspectors. It can be changed until its dispatcher opens; after
// that every mutator returns ErrRuntimeLocked.
type Runtime struct {
	mu     sync.Mutex
	locked bool

	demux       *Demux
	provider    InstanceProvider
	instancing  InstanceMode
	concurrency ConcurrencyMode
	syncCtx     SyncContext
	inspectors  []MessageInspector
	understood  map[string]struct{}
	matchAll    bool
}

// NewRuntime returns a runtime with per-session instancing and single concurrency.
func NewRuntime() *Runtime {
	return &Runtime{
		demux:      newDemux(),
		understood: make(map[string]struct{}),
	}
}

func (r *Runtime) modify(op string, fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locked {
		return configError(op, ErrRuntimeLocked)
	}
	return fn()
}

// AddOperation registers op under its action.
func (r *Runtime) AddOperation(op *Operation) error {
	return r.modify("AddOperation", func() error { return r.demux.register(op) })
}

// SetInstanceProvider sets where service instances come from.
func (r *Runtime) SetInstanceProvider(p InstanceProvider) error {
	return r.modify("SetInstanceProvider", func() error {
		r.provider = p
		return nil
	})
}

func (r *Runtime) SetInstanceMode(m InstanceMode) error {
	return r.modify("SetInstanceMode", func() error {
		r.instancing = m
		return nil
	})
}

func (r *Runtime) SetConcurrencyMode(m ConcurrencyMode) error {
	return r.modify("SetConcurrencyMode", func() error {
		r.concurrency = m
		return nil
	})
}

// SetSyncContext binds instance and invocation stages to sc.
func (r *Runtime) SetSyncContext(sc SyncContext) error {
	return r.modify("SetSyncContext", func() error {
		r.syncCtx = sc
		return nil
	})
}

func (r *Runtime) AddMessageInspector(in MessageInspector) error {
	return r.modify("AddMessageInspector", func() error {
		r.inspectors = append(r.inspectors, in)
		return nil
	})
}

// AddUnderstoodHeader declares that the endpoint processes the must-understand header name.
func (r *Runtime) AddUnderstoodHeader(name string) error {
	return r.modify("AddUnderstoodHeader", func() error {
		r.understood[name] = struct{}{}
		return nil
	})
}

// SetMatchAllActions makes the endpoint's contract filter accept any action.
func (r *Runtime) SetMatchAllActions(v bool) error {
	return r.modify("SetMatchAllActions", func() error {
		r.matchAll = v
		return nil
	})
}

// Demux exposes the operation table for lookups. Operations are added through AddOperation.
func (r *Runtime) Demux() *Demux { return r.demux }

func (r *Runtime) ConcurrencyMode() ConcurrencyMode { return r.concurrency }

func (r *Runtime) InstanceMode() InstanceMode { return r.instancing }

// lock freezes the runtime. It reports a configuration error when the runtime cannot serve.
func (r *Runtime) lock(endpoint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.provider == nil && len(r.demux.operations) > 0 {
		return configError("open "+endpoint, ErrNoInstanceProvider)
	}
	r.locked = true
	return nil
}

func (r *Runtime) acceptsAction(action string) bool {
	return r.matchAll || r.demux.Contains(action)
}

func (r *Runtime) notUnderstood(req *message.Message) []string {
	var missing []string
	for _, h := range req.Headers.MustUnderstand {
		if _, ok := r.understood[h]; !ok {
			missing = append(missing, h)
		}
	}
	return missing
}
