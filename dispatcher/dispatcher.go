// Package dispatcher receives messages from channels and runs them through the dispatch
// pipeline: endpoint and operation selection, instance binding, concurrency control, invocation,
// fault production and the reply.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mini-dispatch/channel"
	"mini-dispatch/registry"
)

type state int

const (
	stateCreated state = iota
	stateOpen
	stateClosing
	stateClosed
)

// Dispatcher pumps registered channels and dispatches their requests to endpoints.
type Dispatcher struct {
	cfg       Config
	log       *zap.Logger
	metrics   *Metrics
	scheduler Scheduler
	policy    faultPolicy
	pipeline  *pipeline
	endpoints EndpointTable

	reg       registry.Registry
	advertise string
	ttl       int64

	// ctx ends when closing starts and stops throttled pumps. baseCtx is handed to operations and
	// ends only on Abort, so that a graceful close lets them finish.
	ctx        context.Context
	cancel     context.CancelFunc
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	state    state
	handlers map[*channelHandler]struct{}

	// announcing is set while open; endpoint table hooks announce and withdraw only then.
	announcing atomic.Bool

	// channels counts registered channels. A channel finishes only after its pump stopped and its
	// last dispatch cleaned up, so it also covers every dispatch in flight.
	channels sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

// WithMetrics records dispatch metrics into m.
func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithScheduler sets where pumps and resumed dispatches run. The default starts goroutines.
func WithScheduler(s Scheduler) Option {
	return func(d *Dispatcher) {
		if s != nil {
			d.scheduler = s
		}
	}
}

// WithErrorHandler appends h to the handlers consulted for faults and errors.
func WithErrorHandler(h ErrorHandler) Option {
	return func(d *Dispatcher) { d.policy.handlers = append(d.policy.handlers, h) }
}

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(d *Dispatcher) { d.cfg = cfg }
}

// WithRegistry announces every endpoint at advertise while the dispatcher is open.
func WithRegistry(reg registry.Registry, advertise string, ttl int64) Option {
	return func(d *Dispatcher) {
		d.reg, d.advertise, d.ttl = reg, advertise, ttl
	}
}

// New creates a dispatcher. Endpoints are added before or after Open; channels only after.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:       DefaultConfig(),
		log:       zap.NewNop(),
		scheduler: GoScheduler,
		handlers:  make(map[*channelHandler]struct{}),
		ttl:       10,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.policy.log = d.log
	d.policy.includeDetail = d.cfg.IncludeExceptionDetailInFaults
	d.pipeline = &pipeline{d: d}
	d.endpoints.onAdd = d.endpointAdded
	d.endpoints.onRemove = d.endpointRemoved
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.baseCtx, d.baseCancel = context.WithCancel(context.Background())
	return d
}

// Config returns the settings in effect.
func (d *Dispatcher) Config() Config { return d.cfg }

// Endpoints returns the endpoints in the order they were added.
func (d *Dispatcher) Endpoints() []*Endpoint { return d.endpoints.Snapshot() }

// AddEndpoint adds ep. On an open dispatcher its runtime is locked and it is announced at once;
// an endpoint that cannot be announced is not added.
func (d *Dispatcher) AddEndpoint(ep *Endpoint) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case stateClosing, stateClosed:
		return ErrClosed
	case stateOpen:
		if err := ep.runtime.lock(ep.Name); err != nil {
			return err
		}
	}
	return d.endpoints.Add(ep)
}

// RemoveEndpoint stops routing new requests to the endpoint called name. Requests already bound
// to it run to completion.
func (d *Dispatcher) RemoveEndpoint(name string) bool {
	return d.endpoints.Remove(name)
}

// endpointAdded announces endpoints added while the dispatcher is open.
func (d *Dispatcher) endpointAdded(ep *Endpoint) error {
	if !d.announcing.Load() {
		return nil
	}
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.SendTimeout)
	defer cancel()
	return d.announce(ctx, ep)
}

// endpointRemoved withdraws endpoints removed while the dispatcher is open.
func (d *Dispatcher) endpointRemoved(ep *Endpoint) {
	if !d.announcing.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
	defer cancel()
	if err := d.withdraw(ctx, ep); err != nil {
		d.HandleError(err)
	}
}

// Open validates the configuration, locks every runtime and announces the endpoints.
func (d *Dispatcher) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case stateOpen:
		return ErrAlreadyOpen
	case stateClosing, stateClosed:
		return ErrClosed
	}
	if err := d.cfg.Validate(); err != nil {
		return configError("open", err)
	}
	endpoints := d.endpoints.Snapshot()
	if len(endpoints) == 0 {
		return configError("open", ErrNoEndpoints)
	}
	for _, ep := range endpoints {
		if err := ep.runtime.lock(ep.Name); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ep := range endpoints {
		g.Go(func() error { return d.announce(gctx, ep) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	d.state = stateOpen
	d.announcing.Store(true)
	d.log.Info("dispatcher open", zap.Int("endpoints", len(endpoints)))
	return nil
}

func (d *Dispatcher) record(ep *Endpoint) registry.EndpointRecord {
	return registry.EndpointRecord{
		Contract: ep.Name,
		Address:  d.advertise,
		Actions:  ep.runtime.demux.Actions(),
		Weight:   ep.Weight,
		Session:  ep.runtime.instancing == InstancePerSession,
	}
}

func (d *Dispatcher) announce(ctx context.Context, ep *Endpoint) error {
	if d.reg == nil {
		return nil
	}
	if err := d.reg.Register(ctx, d.record(ep), d.ttl); err != nil {
		return err
	}
	d.log.Debug("endpoint announced", zap.String("endpoint", ep.Name), zap.String("address", d.advertise))
	return nil
}

func (d *Dispatcher) withdraw(ctx context.Context, ep *Endpoint) error {
	if d.reg == nil {
		return nil
	}
	return d.reg.Deregister(ctx, ep.Name, d.advertise)
}

// Register starts pumping b. The dispatcher owns b from now on and closes or aborts it when its
// input ends, when it fails, or when the dispatcher closes.
func (d *Dispatcher) Register(b channel.Binder) error {
	d.mu.Lock()
	switch d.state {
	case stateCreated:
		d.mu.Unlock()
		return ErrNotOpen
	case stateClosing, stateClosed:
		d.mu.Unlock()
		return ErrClosed
	}
	h := newChannelHandler(d, b)
	d.handlers[h] = struct{}{}
	d.channels.Add(1)
	d.mu.Unlock()

	d.metrics.channelOpened()
	h.log.Debug("channel registered")
	d.scheduler.Schedule(h.pump)
	return nil
}

// HandleError reports err to the error handlers and reports whether one of them handled it.
// Unhandled errors are logged. A fatal error is logged and re-raised.
func (d *Dispatcher) HandleError(err error) bool {
	if err == nil {
		return true
	}
	if IsFatal(err) {
		d.log.Error("fatal error", zap.Error(err))
		panic(err)
	}
	if d.policy.handleError(err) {
		return true
	}
	d.log.Warn("unhandled error", zap.Error(err))
	return false
}

// lateError reports a failure that surfaced after the rpc's fault was already decided.
func (d *Dispatcher) lateError(rpc *dispatchRPC, err error) {
	d.log.Debug("error after fault processing", d.pipeline.fields(rpc, zap.Error(err))...)
	d.HandleError(err)
}

func (d *Dispatcher) channelStopped(h *channelHandler) {
	d.mu.Lock()
	delete(d.handlers, h)
	d.mu.Unlock()
	d.metrics.channelClosed()
	h.log.Debug("channel finished")
	d.channels.Done()
}

func (d *Dispatcher) snapshotHandlers() []*channelHandler {
	handlers := make([]*channelHandler, 0, len(d.handlers))
	for h := range d.handlers {
		handlers = append(handlers, h)
	}
	return handlers
}

// Close withdraws the endpoints, closes every channel and waits up to timeout for in-flight
// dispatches. Stragglers are aborted and ErrCloseTimeout is returned.
func (d *Dispatcher) Close(timeout time.Duration) error {
	d.mu.Lock()
	switch d.state {
	case stateCreated:
		d.state = stateClosed
		d.mu.Unlock()
		d.cancel()
		d.baseCancel()
		return nil
	case stateClosing, stateClosed:
		d.mu.Unlock()
		return nil
	}
	d.state = stateClosing
	d.announcing.Store(false)
	handlers := d.snapshotHandlers()
	d.mu.Unlock()

	d.cancel()
	deadline := time.Now().Add(timeout)

	var errs []error
	if d.reg != nil {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		var g errgroup.Group
		for _, ep := range d.endpoints.Snapshot() {
			g.Go(func() error { return d.withdraw(ctx, ep) })
		}
		errs = append(errs, g.Wait())
		cancel()
	}

	var g errgroup.Group
	for _, h := range handlers {
		g.Go(func() error { return h.close(time.Until(deadline)) })
	}
	errs = append(errs, g.Wait())

	// Wait for all channels and their dispatches to drain, or the deadline.
	done := make(chan struct{})
	go func() {
		d.channels.Wait()
		close(done)
	}()

	timedOut := false
	select {
	case <-done:
	case <-time.After(time.Until(deadline)):
		timedOut = true
		d.log.Warn("close timed out, aborting remaining dispatches")
		d.abortChannels()
		d.baseCancel()
		errs = append(errs, ErrCloseTimeout)
	}

	for _, ep := range d.endpoints.Snapshot() {
		ep.shutdown(timedOut)
	}
	d.mu.Lock()
	d.state = stateClosed
	d.mu.Unlock()
	d.baseCancel()
	d.log.Info("dispatcher closed", zap.Bool("timed_out", timedOut))
	return errors.Join(errs...)
}

// Abort tears down every channel and instance without waiting. Registry records are left to
// expire.
func (d *Dispatcher) Abort() {
	d.mu.Lock()
	if d.state == stateClosed {
		d.mu.Unlock()
		return
	}
	d.state = stateClosed
	d.announcing.Store(false)
	d.mu.Unlock()

	d.cancel()
	d.baseCancel()
	d.abortChannels()
	for _, ep := range d.endpoints.Snapshot() {
		ep.shutdown(true)
	}
	d.log.Info("dispatcher aborted")
}

func (d *Dispatcher) abortChannels() {
	d.mu.Lock()
	handlers := d.snapshotHandlers()
	d.mu.Unlock()
	for _, h := range handlers {
		h.abort()
	}
}
