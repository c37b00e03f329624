package dispatcher

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mini-dispatch/channel"
	"mini-dispatch/message"
)

// Endpoint is one addressable contract served by a dispatcher.
type Endpoint struct {
	// Name identifies the endpoint and is the contract name announced to the registry.
	Name string
	// Address is matched as a prefix of the request's To header. Empty accepts every address.
	Address message.Address
	// Priority breaks ties between endpoints accepting the same message; higher wins.
	Priority int
	// Weight is advertised to load balancers.
	Weight int

	runtime *Runtime

	mu       sync.Mutex
	datagram *ServiceChannel
	single   *InstanceContext
}

// NewEndpoint creates an endpoint served by rt.
func NewEndpoint(name string, address message.Address, rt *Runtime) *Endpoint {
	return &Endpoint{Name: name, Address: address, runtime: rt, Weight: 1}
}

// Runtime returns the endpoint's dispatch runtime.
func (e *Endpoint) Runtime() *Runtime { return e.runtime }

func (e *Endpoint) matchesAddress(to message.Address) bool {
	if e.Address.IsEmpty() {
		return true
	}
	return strings.HasPrefix(string(to), string(e.Address))
}

// datagramChannel returns the channel shared by all sessionless traffic to this endpoint.
func (e *Endpoint) datagramChannel(d *Dispatcher) *ServiceChannel {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.datagram == nil {
		e.datagram = newServiceChannel(d, e, nil)
	}
	return e.datagram
}

func (e *Endpoint) singleInstance(d *Dispatcher) *InstanceContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.single == nil {
		e.single = newInstanceContext(e.runtime.provider, d.scheduler)
	}
	return e.single
}

func (e *Endpoint) shutdown(abort bool) {
	e.mu.Lock()
	single := e.single
	e.mu.Unlock()
	if single == nil {
		return
	}
	if abort {
		single.Abort()
	} else {
		single.Close()
	}
}

// EndpointTable is the dispatcher's set of endpoints. Mutations and their hooks are serialized,
// so observers see adds and removes in order; the hooks run outside the lock that Match reads
// under.
type EndpointTable struct {
	hookMu    sync.Mutex
	mu        sync.RWMutex
	endpoints []*Endpoint

	// onAdd may veto an add by returning an error; the endpoint is taken out again.
	onAdd    func(*Endpoint) error
	onRemove func(*Endpoint)
}

// Add inserts ep. Names are unique.
func (t *EndpointTable) Add(ep *Endpoint) error {
	t.hookMu.Lock()
	defer t.hookMu.Unlock()

	t.mu.Lock()
	for _, e := range t.endpoints {
		if e.Name == ep.Name {
			t.mu.Unlock()
			return configError("AddEndpoint "+ep.Name, ErrDuplicateEndpoint)
		}
	}
	t.endpoints = append(t.endpoints, ep)
	t.mu.Unlock()

	if t.onAdd == nil {
		return nil
	}
	if err := t.onAdd(ep); err != nil {
		t.remove(ep.Name)
		return err
	}
	return nil
}

// Remove deletes the endpoint called name and reports whether it existed.
func (t *EndpointTable) Remove(name string) bool {
	t.hookMu.Lock()
	defer t.hookMu.Unlock()
	e := t.remove(name)
	if e == nil {
		return false
	}
	if t.onRemove != nil {
		t.onRemove(e)
	}
	return true
}

func (t *EndpointTable) remove(name string) *Endpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.endpoints {
		if e.Name == name {
			t.endpoints = append(t.endpoints[:i:i], t.endpoints[i+1:]...)
			return e
		}
	}
	return nil
}

// Snapshot returns the endpoints in insertion order.
func (t *EndpointTable) Snapshot() []*Endpoint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*Endpoint(nil), t.endpoints...)
}

func (t *EndpointTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.endpoints)
}

// Match finds the endpoint for req: the address filter first, then the contract filter, then
// the highest priority. Two survivors with the same priority are ambiguous.
func (t *EndpointTable) Match(req *message.Message) (*Endpoint, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	addressMatched := false
	var candidates []*Endpoint
	for _, e := range t.endpoints {
		if !e.matchesAddress(req.Headers.To) {
			continue
		}
		addressMatched = true
		if e.runtime.acceptsAction(req.Headers.Action) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil, &EndpointNotFoundError{
			To:             req.Headers.To,
			Action:         req.Headers.Action,
			AddressMatched: addressMatched,
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Priority > candidates[j].Priority })
	if len(candidates) > 1 && candidates[0].Priority == candidates[1].Priority {
		names := []string{candidates[0].Name}
		for _, c := range candidates[1:] {
			if c.Priority != candidates[0].Priority {
				break
			}
			names = append(names, c.Name)
		}
		return nil, &AmbiguousEndpointError{Action: req.Headers.Action, Endpoints: names}
	}
	return candidates[0], nil
}

// ServiceChannel is the dispatcher's view of one logical channel: a session bound to a physical
// binder, or the shared datagram channel of an endpoint.
type ServiceChannel struct {
	id       string
	d        *Dispatcher
	endpoint *Endpoint
	binder   channel.Binder // nil for datagram channels

	mu       sync.Mutex
	instance *InstanceContext
	aborted  bool
}

func newServiceChannel(d *Dispatcher, ep *Endpoint, binder channel.Binder) *ServiceChannel {
	return &ServiceChannel{id: uuid.NewString(), d: d, endpoint: ep, binder: binder}
}

func (c *ServiceChannel) ID() string { return c.id }

func (c *ServiceChannel) Endpoint() *Endpoint { return c.endpoint }

func (c *ServiceChannel) HasSession() bool { return c.binder != nil && c.binder.HasSession() }

// instanceContext resolves the context rpc runs against. owned is true when the context lives
// only for this call and must be closed by the caller.
func (c *ServiceChannel) instanceContext() (ic *InstanceContext, owned bool) {
	rt := c.endpoint.runtime
	switch {
	case rt.instancing == InstanceSingle:
		return c.endpoint.singleInstance(c.d), false
	case rt.instancing == InstancePerSession && c.HasSession():
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.instance == nil {
			c.instance = newInstanceContext(rt.provider, c.d.scheduler)
		}
		return c.instance, false
	default:
		return newInstanceContext(rt.provider, c.d.scheduler), true
	}
}

// Abort tears down the session and its instance.
func (c *ServiceChannel) Abort() {
	c.mu.Lock()
	if c.aborted {
		c.mu.Unlock()
		return
	}
	c.aborted = true
	ic := c.instance
	c.mu.Unlock()

	if c.binder != nil {
		c.binder.Abort()
	}
	if ic != nil {
		ic.Abort()
	}
}

// Aborted reports whether Abort ran.
func (c *ServiceChannel) Aborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

// closeAfterFault tears down a session whose fault reply already went out. The session and its
// instance are aborted; only the transport gets a graceful close so the fault can drain, and is
// aborted if that close fails.
func (c *ServiceChannel) closeAfterFault(timeout time.Duration) error {
	c.mu.Lock()
	if c.aborted {
		c.mu.Unlock()
		return nil
	}
	c.aborted = true
	ic := c.instance
	c.mu.Unlock()

	if ic != nil {
		ic.Abort()
	}
	if c.binder == nil {
		return nil
	}
	err := c.binder.CloseAfterFault(timeout)
	if err != nil {
		c.binder.Abort()
	}
	return err
}

// close ends the session gracefully once its input is exhausted.
func (c *ServiceChannel) close() {
	c.mu.Lock()
	ic := c.instance
	c.mu.Unlock()
	if ic != nil {
		ic.Close()
	}
}
