// Package server hosts services on TCP: every accepted connection becomes a session channel of
// a dispatcher, and every registered service becomes one of its endpoints.
//
//	Accept conn → transport.ConnBinder → Dispatcher.Register
//	  → pump → endpoint (service) → operation (method) → middleware chain → reflect call
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"mini-dispatch/dispatcher"
	"mini-dispatch/middleware"
	"mini-dispatch/registry"
	"mini-dispatch/service"
	"mini-dispatch/transport"
)

var (
	ErrNotStarted     = errors.New("server: not started")
	ErrAlreadyStarted = errors.New("server: already started")
)

// DefaultTTL is the registry lease, in seconds, of announced endpoints.
const DefaultTTL = 10

// Server registers services and serves them over TCP.
type Server struct {
	log     *zap.Logger
	cfg     dispatcher.Config
	metrics *dispatcher.Metrics
	ttl     int64

	mu            sync.Mutex
	middlewares   []middleware.Middleware
	registrations []*registration
	d             *dispatcher.Dispatcher
	listener      *transport.Listener
	served        chan error
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used by the server and its dispatcher.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithDispatcherConfig replaces dispatcher.DefaultConfig.
func WithDispatcherConfig(cfg dispatcher.Config) Option {
	return func(s *Server) { s.cfg = cfg }
}

// WithMetrics records dispatch metrics into m.
func WithMetrics(m *dispatcher.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithTTL sets the registry lease in seconds.
func WithTTL(ttl int64) Option {
	return func(s *Server) { s.ttl = ttl }
}

// New creates a server without services.
func New(opts ...Option) *Server {
	s := &Server{
		log: zap.NewNop(),
		cfg: dispatcher.DefaultConfig(),
		ttl: DefaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Use adds a middleware around every service registered afterwards. Middlewares run in the
// order they were added.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw)
}

type registration struct {
	rcvr        any
	factory     func() any
	instancing  dispatcher.InstanceMode
	concurrency dispatcher.ConcurrencyMode
	weight      int
	serviceOpts []service.Option

	endpoint *dispatcher.Endpoint
}

// RegisterOption configures one service registration.
type RegisterOption func(*registration)

// WithInstanceMode sets how service instances are shared.
func WithInstanceMode(m dispatcher.InstanceMode) RegisterOption {
	return func(r *registration) { r.instancing = m }
}

// WithConcurrencyMode sets how many calls may use one instance at a time.
func WithConcurrencyMode(m dispatcher.ConcurrencyMode) RegisterOption {
	return func(r *registration) { r.concurrency = m }
}

// WithInstanceFactory creates instances with fn instead of sharing the registered receiver,
// one per session unless WithInstanceMode says otherwise.
func WithInstanceFactory(fn func() any) RegisterOption {
	return func(r *registration) {
		r.factory = fn
		r.instancing = dispatcher.InstancePerSession
		r.concurrency = dispatcher.ConcurrencySingle
	}
}

// WithWeight sets the load-balancing weight advertised for the service.
func WithWeight(w int) RegisterOption {
	return func(r *registration) { r.weight = w }
}

// WithServiceOptions passes options to service.New.
func WithServiceOptions(opts ...service.Option) RegisterOption {
	return func(r *registration) { r.serviceOpts = append(r.serviceOpts, opts...) }
}

// Register makes the methods of rcvr callable. By default the receiver itself serves every call
// concurrently, like a singleton.
func (s *Server) Register(rcvr any, opts ...RegisterOption) error {
	r := &registration{
		rcvr:        rcvr,
		instancing:  dispatcher.InstanceSingle,
		concurrency: dispatcher.ConcurrencyMultiple,
		weight:      1,
	}
	for _, opt := range opts {
		opt(r)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ep, err := s.endpoint(r)
	if err != nil {
		return err
	}
	r.endpoint = ep
	s.registrations = append(s.registrations, r)
	if s.d != nil {
		return s.d.AddEndpoint(ep)
	}
	return nil
}

func (s *Server) endpoint(r *registration) (*dispatcher.Endpoint, error) {
	opts := append([]service.Option{service.WithMiddleware(s.middlewares...)}, r.serviceOpts...)
	svc, err := service.New(r.rcvr, opts...)
	if err != nil {
		return nil, err
	}
	for _, other := range s.registrations {
		if other.endpoint.Name == svc.Name() {
			return nil, fmt.Errorf("server: service %s already registered", svc.Name())
		}
	}

	var provider dispatcher.InstanceProvider = dispatcher.SharedInstance(r.rcvr)
	if r.factory != nil {
		provider = dispatcher.InstanceFunc(func() (any, error) { return r.factory(), nil })
	}
	rt, err := svc.Runtime(provider)
	if err != nil {
		return nil, err
	}
	if err := rt.SetInstanceMode(r.instancing); err != nil {
		return nil, err
	}
	if err := rt.SetConcurrencyMode(r.concurrency); err != nil {
		return nil, err
	}
	ep := dispatcher.NewEndpoint(svc.Name(), "", rt)
	ep.Weight = r.weight
	return ep, nil
}

// Start listens on address, opens the dispatcher and accepts connections in the background.
// With a registry, every service is announced at advertise, which defaults to the listening
// address; pass a routable address when listening on a wildcard one.
func (s *Server) Start(network, address, advertise string, reg registry.Registry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.d != nil {
		return ErrAlreadyStarted
	}
	ln, err := transport.Listen(network, address, s.log)
	if err != nil {
		return err
	}
	if advertise == "" {
		advertise = ln.Addr().String()
	}

	opts := []dispatcher.Option{
		dispatcher.WithLogger(s.log),
		dispatcher.WithConfig(s.cfg),
		dispatcher.WithMetrics(s.metrics),
	}
	if reg != nil {
		opts = append(opts, dispatcher.WithRegistry(reg, advertise, s.ttl))
	}
	d := dispatcher.New(opts...)
	for _, r := range s.registrations {
		if err := d.AddEndpoint(r.endpoint); err != nil {
			_ = ln.Close()
			return err
		}
	}
	timeout := s.cfg.SendTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := d.Open(ctx); err != nil {
		_ = ln.Close()
		return err
	}

	s.d, s.listener = d, ln
	s.served = make(chan error, 1)
	go func() { s.served <- ln.Serve(d.Register) }()
	s.log.Info("server started", zap.Stringer("addr", ln.Addr()), zap.String("advertise", advertise),
		zap.Int("services", len(s.registrations)))
	return nil
}

// Serve is Start followed by waiting until the listener stops. It returns nil after Shutdown.
func (s *Server) Serve(network, address, advertise string, reg registry.Registry) error {
	if err := s.Start(network, address, advertise, reg); err != nil {
		return err
	}
	s.mu.Lock()
	served := s.served
	s.mu.Unlock()
	return <-served
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Dispatcher returns the dispatcher serving the connections, or nil before Start.
func (s *Server) Dispatcher() *dispatcher.Dispatcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d
}

// Shutdown stops accepting connections, then closes the dispatcher: services are withdrawn from
// the registry first, open connections finish their in-flight calls, and whatever is still
// running after timeout is aborted.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	d, ln := s.d, s.listener
	s.mu.Unlock()
	if d == nil {
		return ErrNotStarted
	}
	err := ln.Close()
	if derr := d.Close(timeout); derr != nil {
		return derr
	}
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
