// Package service turns the exported methods of a Go type into dispatcher operations.
//
// Three method shapes are recognized:
//
//	func (s *T) M(ctx context.Context, args *A) (*R, error)   two-way
//	func (s *T) M(args *A, reply *R) error                    two-way
//	func (s *T) M(ctx context.Context, args *A) error         one-way
//
// Each method is served at the action <namespace>/<service>/<method> with a JSON formatter, and
// every invocation runs through the service's middleware chain.
package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"

	"mini-dispatch/codec"
	"mini-dispatch/dispatcher"
	"mini-dispatch/middleware"
)

// DefaultNamespace prefixes the actions of services registered without a namespace.
const DefaultNamespace = "urn:mini-dispatch"

// ErrNoMethods is returned for types without a single method of a recognized shape.
var ErrNoMethods = errors.New("service: no suitable methods")

// Action returns the action of method on service svc in namespace ns.
func Action(ns, svc, method string) string {
	return ns + "/" + svc + "/" + method
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

type methodKind int

const (
	kindContext methodKind = iota // (ctx, *A) (*R, error)
	kindReply                     // (*A, *R) error
	kindOneWay                    // (ctx, *A) error
)

type methodType struct {
	method    reflect.Method
	kind      methodKind
	ArgType   reflect.Type
	ReplyType reflect.Type // nil for one-way methods
}

// Service is a reflected service type ready to be turned into a runtime.
type Service struct {
	name      string
	namespace string
	typ       reflect.Type
	methods   map[string]*methodType

	middlewares []middleware.Middleware
	faults      dispatcher.FaultFormatter
}

// Option configures a Service.
type Option func(*Service)

// WithName overrides the service name, which defaults to the type name.
func WithName(name string) Option {
	return func(s *Service) { s.name = name }
}

// WithNamespace sets the action namespace.
func WithNamespace(ns string) Option {
	return func(s *Service) { s.namespace = ns }
}

// WithMiddleware appends middlewares around every method.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(s *Service) { s.middlewares = append(s.middlewares, mws...) }
}

// WithFaultFormatter maps the methods' typed errors onto declared faults.
func WithFaultFormatter(f dispatcher.FaultFormatter) Option {
	return func(s *Service) { s.faults = f }
}

// New reflects over rcvr, a pointer to a struct, and collects its service methods. rcvr only
// supplies the type; instances come from the InstanceProvider given to Runtime.
func New(rcvr any, opts ...Option) (*Service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Pointer {
		return nil, fmt.Errorf("service: receiver must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("service: receiver must point to a struct, got %s", typ.Elem().Kind())
	}
	s := &Service{
		name:      typ.Elem().Name(),
		namespace: DefaultNamespace,
		typ:       typ,
		methods:   make(map[string]*methodType),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerMethods()
	if len(s.methods) == 0 {
		return nil, fmt.Errorf("%w on %s", ErrNoMethods, typ)
	}
	return s, nil
}

// registerMethods keeps the exported methods of a recognized shape.
func (s *Service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		m := s.typ.Method(i)
		if mt := classify(m); mt != nil {
			s.methods[m.Name] = mt
		}
	}
}

func classify(m reflect.Method) *methodType {
	t := m.Type // In(0) is the receiver
	if t.NumIn() != 3 || t.In(1).Kind() == reflect.Interface && t.In(1) != contextType {
		return nil
	}
	isPtr := func(x reflect.Type) bool { return x.Kind() == reflect.Pointer }
	switch {
	case t.In(1) == contextType && isPtr(t.In(2)) && t.NumOut() == 2 && isPtr(t.Out(0)) && t.Out(1) == errorType:
		return &methodType{method: m, kind: kindContext, ArgType: t.In(2).Elem(), ReplyType: t.Out(0).Elem()}
	case t.In(1) == contextType && isPtr(t.In(2)) && t.NumOut() == 1 && t.Out(0) == errorType:
		return &methodType{method: m, kind: kindOneWay, ArgType: t.In(2).Elem()}
	case isPtr(t.In(1)) && isPtr(t.In(2)) && t.NumOut() == 1 && t.Out(0) == errorType:
		return &methodType{method: m, kind: kindReply, ArgType: t.In(1).Elem(), ReplyType: t.In(2).Elem()}
	}
	return nil
}

// Name returns the service name, which is also its endpoint and contract name.
func (s *Service) Name() string { return s.name }

// Namespace returns the action namespace.
func (s *Service) Namespace() string { return s.namespace }

// Methods returns the method names in sorted order.
func (s *Service) Methods() []string {
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// IsOneWay reports whether method is one-way.
func (s *Service) IsOneWay(method string) bool {
	m, ok := s.methods[method]
	return ok && m.kind == kindOneWay
}

type instanceKey struct{}

// Operations compiles one dispatcher operation per method.
func (s *Service) Operations() ([]*dispatcher.Operation, error) {
	handler := middleware.Chain(s.middlewares...)(s.invoke)
	ops := make([]*dispatcher.Operation, 0, len(s.methods))
	for _, name := range s.Methods() {
		m := s.methods[name]
		op, err := dispatcher.NewOperation(dispatcher.OperationConfig{
			Name:           name,
			Action:         Action(s.namespace, s.name, name),
			IsOneWay:       m.kind == kindOneWay,
			Inputs:         1,
			Formatter:      codec.NewJSONFormatter(m.ArgType),
			FaultFormatter: s.faults,
			Invoker:        s.invoker(name, handler),
		})
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// invoker adapts the middleware chain to the dispatcher's invoker. The instance travels in the
// context so that the chain is built once per service.
func (s *Service) invoker(name string, handler middleware.HandlerFunc) dispatcher.SyncInvoker {
	action := Action(s.namespace, s.name, name)
	return func(ctx context.Context, instance any, inputs []any) ([]any, any, error) {
		call := &middleware.Call{Service: s.name, Method: name, Action: action, Args: inputs[0]}
		if oc, ok := dispatcher.OperationContextFrom(ctx); ok {
			call.Request = oc.Request
		}
		res, err := handler(context.WithValue(ctx, instanceKey{}, instance), call)
		return nil, res, err
	}
}

func (s *Service) invoke(ctx context.Context, call *middleware.Call) (any, error) {
	m, ok := s.methods[call.Method]
	if !ok {
		return nil, fmt.Errorf("service: %s has no method %s", s.name, call.Method)
	}
	instance := ctx.Value(instanceKey{})
	rcvr := reflect.ValueOf(instance)
	if !rcvr.IsValid() || rcvr.Type() != s.typ {
		return nil, fmt.Errorf("service: instance of %s must be %s, got %T", s.name, s.typ, instance)
	}
	argv := reflect.ValueOf(call.Args)
	if !argv.IsValid() || argv.Type() != reflect.PointerTo(m.ArgType) {
		return nil, fmt.Errorf("service: %s.%s wants *%s arguments", s.name, call.Method, m.ArgType)
	}

	switch m.kind {
	case kindContext:
		out := m.method.Func.Call([]reflect.Value{rcvr, reflect.ValueOf(ctx), argv})
		if err := asError(out[1]); err != nil {
			return nil, err
		}
		if out[0].IsNil() {
			return nil, nil
		}
		return out[0].Interface(), nil
	case kindReply:
		replyv := reflect.New(m.ReplyType)
		out := m.method.Func.Call([]reflect.Value{rcvr, argv, replyv})
		if err := asError(out[0]); err != nil {
			return nil, err
		}
		return replyv.Interface(), nil
	default:
		out := m.method.Func.Call([]reflect.Value{rcvr, reflect.ValueOf(ctx), argv})
		return nil, asError(out[0])
	}
}

func asError(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}

// Runtime builds a dispatch runtime for the service whose instances come from provider.
func (s *Service) Runtime(provider dispatcher.InstanceProvider) (*dispatcher.Runtime, error) {
	ops, err := s.Operations()
	if err != nil {
		return nil, err
	}
	rt := dispatcher.NewRuntime()
	for _, op := range ops {
		if err := rt.AddOperation(op); err != nil {
			return nil, err
		}
	}
	if err := rt.SetInstanceProvider(provider); err != nil {
		return nil, err
	}
	return rt, nil
}
