package server

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mini-dispatch/codec"
	"mini-dispatch/dispatcher"
	"mini-dispatch/message"
	"mini-dispatch/middleware"
	"mini-dispatch/registry"
	"mini-dispatch/service"
	"mini-dispatch/transport"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Slow(ctx context.Context, args *Args) (*Reply, error) {
	select {
	case <-time.After(time.Duration(args.A) * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &Reply{Result: args.A}, nil
}

// Counter counts calls per instance.
type Counter struct {
	calls int
}

func (c *Counter) Incr(_ context.Context, _ *Args) (*Reply, error) {
	c.calls++
	return &Reply{Result: c.calls}, nil
}

func start(t *testing.T, s *Server, reg registry.Registry) {
	t.Helper()
	require.NoError(t, s.Start("tcp", "127.0.0.1:0", "", reg))
	t.Cleanup(func() { _ = s.Shutdown(time.Second) })
}

func dial(t *testing.T, s *Server) *transport.ClientTransport {
	t.Helper()
	ct, err := transport.Dial(context.Background(), s.Addr().String(), codec.JSONCodec{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ct.Close() })
	return ct
}

func tryInvoke(ct *transport.ClientTransport, contract, method string, args *Args) (int, error) {
	body, err := codec.MarshalArgs(args)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := ct.Request(ctx, message.NewRequest(message.Default,
		service.Action(service.DefaultNamespace, contract, method), body))
	if err != nil {
		return 0, err
	}
	if reply.IsFault() {
		return 0, message.ErrorFromFault(reply.Fault)
	}
	rb, err := reply.ReadBody()
	if err != nil {
		return 0, err
	}
	var r Reply
	err = codec.UnmarshalResult(rb, &r)
	return r.Result, err
}

func invoke(t *testing.T, ct *transport.ClientTransport, contract, method string, args *Args) int {
	t.Helper()
	n, err := tryInvoke(ct, contract, method, args)
	require.NoError(t, err)
	return n
}

func TestServer(t *testing.T) {
	s := New(WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, s.Register(&Arith{}))
	start(t, s, nil)

	ct := dial(t, s)
	assert.Equal(t, 3, invoke(t, ct, "Arith", "Add", &Args{1, 2}))
	assert.Equal(t, 30, invoke(t, ct, "Arith", "Add", &Args{10, 20}))
}

func TestServerConcurrentCallsOnOneConnection(t *testing.T) {
	s := New(WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, s.Register(&Arith{}))
	start(t, s, nil)
	ct := dial(t, s)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			got, err := tryInvoke(ct, "Arith", "Add", &Args{n, n})
			assert.NoError(t, err)
			assert.Equal(t, 2*n, got)
		}(i)
	}
	wg.Wait()
}

func TestServerRegisterErrors(t *testing.T) {
	s := New()
	assert.Error(t, s.Register(Arith{}))
	require.NoError(t, s.Register(&Arith{}))
	assert.Error(t, s.Register(&Arith{}), "one endpoint per service name")
	require.NoError(t, s.Register(&Arith{}, WithServiceOptions(service.WithName("Arith2"))))

	assert.ErrorIs(t, s.Shutdown(time.Second), ErrNotStarted)
	assert.Nil(t, s.Addr())
	assert.Nil(t, s.Dispatcher())
}

func TestServerAnnouncesServices(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	s := New(WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, s.Register(&Arith{}, WithWeight(3)))
	require.NoError(t, s.Start("tcp", "127.0.0.1:0", "", reg))
	assert.ErrorIs(t, s.Start("tcp", "127.0.0.1:0", "", reg), ErrAlreadyStarted)

	records, err := reg.Discover(context.Background(), "Arith")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, s.Addr().String(), records[0].Address)
	assert.Equal(t, 3, records[0].Weight)
	assert.False(t, records[0].Session, "a shared receiver is not per session")
	assert.Equal(t, []string{"urn:mini-dispatch/Arith/Add", "urn:mini-dispatch/Arith/Slow"}, records[0].Actions)

	// Services registered while running are announced at once.
	require.NoError(t, s.Register(&Counter{}, WithInstanceFactory(func() any { return &Counter{} })))
	records, err = reg.Discover(context.Background(), "Counter")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Session)

	require.NoError(t, s.Shutdown(time.Second))
	records, err = reg.Discover(context.Background(), "Arith")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestServerPerSessionInstances(t *testing.T) {
	var created atomic.Int32
	s := New(WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, s.Register(&Counter{}, WithInstanceFactory(func() any {
		created.Add(1)
		return &Counter{}
	})))
	start(t, s, nil)

	a, b := dial(t, s), dial(t, s)
	assert.Equal(t, 1, invoke(t, a, "Counter", "Incr", &Args{}))
	assert.Equal(t, 2, invoke(t, a, "Counter", "Incr", &Args{}))
	assert.Equal(t, 1, invoke(t, b, "Counter", "Incr", &Args{}), "each connection has its own instance")
	assert.Equal(t, 3, invoke(t, a, "Counter", "Incr", &Args{}))
	assert.Equal(t, int32(2), created.Load())
}

func TestServerPerCallInstances(t *testing.T) {
	s := New(WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, s.Register(&Counter{},
		WithInstanceFactory(func() any { return &Counter{} }),
		WithInstanceMode(dispatcher.InstancePerCall)))
	start(t, s, nil)

	ct := dial(t, s)
	for i := 0; i < 3; i++ {
		assert.Equal(t, 1, invoke(t, ct, "Counter", "Incr", &Args{}))
	}
}

func TestServerMiddleware(t *testing.T) {
	var calls atomic.Int32
	s := New(WithLogger(zaptest.NewLogger(t)))
	s.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, call *middleware.Call) (any, error) {
			calls.Add(1)
			return next(ctx, call)
		}
	})
	s.Use(middleware.Logging(zaptest.NewLogger(t)))
	require.NoError(t, s.Register(&Arith{}))
	start(t, s, nil)

	ct := dial(t, s)
	invoke(t, ct, "Arith", "Add", &Args{1, 1})
	assert.Equal(t, int32(1), calls.Load())
}

func TestServerShutdownWaitsForInFlightCalls(t *testing.T) {
	s := New(WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, s.Register(&Arith{}))
	require.NoError(t, s.Start("tcp", "127.0.0.1:0", "", nil))
	ct := dial(t, s)

	results := make(chan int, 1)
	go func() {
		n, err := tryInvoke(ct, "Arith", "Slow", &Args{A: 200})
		assert.NoError(t, err)
		results <- n
	}()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, s.Shutdown(2*time.Second))
	assert.Equal(t, 200, <-results)
	assert.Eventually(t, func() bool { return ct.Err() != nil }, time.Second, 10*time.Millisecond)
}

func TestServe(t *testing.T) {
	s := New()
	require.NoError(t, s.Register(&Arith{}))
	served := make(chan error, 1)
	go func() { served <- s.Serve("tcp", "127.0.0.1:0", "", nil) }()
	require.Eventually(t, func() bool { return s.Addr() != nil }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Shutdown(time.Second))
	assert.NoError(t, <-served)
}
