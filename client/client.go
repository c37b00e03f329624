// Package client calls services hosted by dispatchers found through a registry.
//
//	Call → registry.Discover(contract) → filter by action → Balancer.Pick
//	     → Pool.Get(contract, address) → ClientTransport.Request → decode result or fault
//
// Dispatchers bind each connection to one contract on its first request, so transports are
// pooled per contract and address.
package client

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"mini-dispatch/codec"
	"mini-dispatch/loadbalance"
	"mini-dispatch/message"
	"mini-dispatch/middleware"
	"mini-dispatch/registry"
	"mini-dispatch/service"
	"mini-dispatch/transport"
)

// ErrNoEndpoint is returned when no registered endpoint serves the requested action.
var ErrNoEndpoint = errors.New("client: no endpoint serves the action")

// Client is safe for concurrent use.
type Client struct {
	registry  registry.Registry
	balancer  loadbalance.Balancer
	codec     codec.Codec
	version   message.Version
	namespace string
	poolSize  int
	log       *zap.Logger
	handler   middleware.HandlerFunc
	dial      transport.DialFunc

	mu     sync.Mutex
	pools  map[string]*transport.Pool // by contract
	closed bool
}

// Option configures a Client.
type Option func(*Client)

// WithCodec sets the wire codec. The default is codec.JSONCodec.
func WithCodec(c codec.Codec) Option {
	return func(cl *Client) { cl.codec = c }
}

// WithPoolSize sets how many connections are kept per contract and address.
func WithPoolSize(n int) Option {
	return func(cl *Client) { cl.poolSize = n }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(cl *Client) {
		if log != nil {
			cl.log = log
		}
	}
}

// WithVersion sets the message version of outgoing requests.
func WithVersion(v message.Version) Option {
	return func(cl *Client) { cl.version = v }
}

// WithNamespace sets the action namespace services were registered under.
func WithNamespace(ns string) Option {
	return func(cl *Client) { cl.namespace = ns }
}

// WithMiddleware wraps every call, for instance in middleware.Retry.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(cl *Client) {
		cl.handler = middleware.Chain(mws...)(cl.handler)
	}
}

// WithDialer replaces transport.Dial.
func WithDialer(dial transport.DialFunc) Option {
	return func(cl *Client) { cl.dial = dial }
}

// New creates a client that discovers endpoints in reg and spreads calls with bal.
func New(reg registry.Registry, bal loadbalance.Balancer, opts ...Option) *Client {
	c := &Client{
		registry:  reg,
		balancer:  bal,
		codec:     codec.JSONCodec{},
		version:   message.Default,
		namespace: service.DefaultNamespace,
		poolSize:  1,
		log:       zap.NewNop(),
		pools:     make(map[string]*transport.Pool),
	}
	c.handler = c.roundTrip
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type affinityKey struct{}

// WithAffinityKey makes calls under ctx prefer the endpoint key hashes to, for balancers that
// support affinity.
func WithAffinityKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, affinityKey{}, key)
}

func affinity(ctx context.Context) string {
	key, _ := ctx.Value(affinityKey{}).(string)
	return key
}

// oneWayKey marks a Call as a datagram inside the middleware chain.
type oneWayKey struct{}

// Call invokes method of contract with args and decodes the result into reply, which may be nil.
// A fault reply is returned as a *message.FaultError.
func (c *Client) Call(ctx context.Context, contract, method string, args, reply any) error {
	res, err := c.handler(ctx, c.newCall(contract, method, args))
	if err != nil {
		return err
	}
	resp, ok := res.(*message.Message)
	if !ok || resp == nil {
		return transport.ErrNoReply
	}
	body, err := resp.ReadBody()
	if err != nil {
		return err
	}
	return codec.UnmarshalResult(body, reply)
}

// Send invokes a one-way method. It returns once the request is on the wire.
func (c *Client) Send(ctx context.Context, contract, method string, args any) error {
	_, err := c.handler(context.WithValue(ctx, oneWayKey{}, true), c.newCall(contract, method, args))
	return err
}

func (c *Client) newCall(contract, method string, args any) *middleware.Call {
	return &middleware.Call{
		Service: contract,
		Method:  method,
		Action:  service.Action(c.namespace, contract, method),
		Args:    args,
	}
}

// roundTrip is the innermost handler: pick an endpoint, send the request and turn a fault reply
// into an error.
func (c *Client) roundTrip(ctx context.Context, call *middleware.Call) (any, error) {
	rec, err := c.pick(ctx, call.Service, call.Action)
	if err != nil {
		return nil, err
	}
	pool, err := c.pool(call.Service)
	if err != nil {
		return nil, err
	}
	t, err := pool.Get(ctx, rec.Address)
	if err != nil {
		return nil, err
	}

	body, err := codec.MarshalArgs(call.Args)
	if err != nil {
		return nil, fmt.Errorf("client: marshal %s arguments: %w", call.Action, err)
	}
	req := message.NewRequest(c.version, call.Action, body)
	call.Request = req

	if oneWay, _ := ctx.Value(oneWayKey{}).(bool); oneWay {
		return nil, t.Send(ctx, req)
	}
	resp, err := t.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.IsFault() {
		return nil, message.ErrorFromFault(resp.Fault)
	}
	return resp, nil
}

func (c *Client) pick(ctx context.Context, contract, action string) (registry.EndpointRecord, error) {
	records, err := c.registry.Discover(ctx, contract)
	if err != nil {
		return registry.EndpointRecord{}, err
	}
	serving := records[:0:0]
	for _, r := range records {
		if len(r.Actions) == 0 || slices.Contains(r.Actions, action) {
			serving = append(serving, r)
		}
	}
	if len(serving) == 0 {
		return registry.EndpointRecord{}, fmt.Errorf("%w: %s (%d endpoints for %s)", ErrNoEndpoint, action, len(records), contract)
	}
	return c.balancer.Pick(serving, affinity(ctx))
}

func (c *Client) pool(contract string) (*transport.Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, transport.ErrTransportClosed
	}
	p, ok := c.pools[contract]
	if !ok {
		log := c.log.With(zap.String("contract", contract))
		if c.dial != nil {
			p = transport.NewPoolWithDialer(c.dial, c.poolSize, log)
		} else {
			p = transport.NewPool(c.codec, c.poolSize, log)
		}
		c.pools[contract] = p
	}
	return p, nil
}

// Close closes every pooled connection.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	pools := c.pools
	c.pools = make(map[string]*transport.Pool)
	c.mu.Unlock()

	var errs []error
	for _, p := range pools {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}
