package client

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mini-dispatch/channel"
	"mini-dispatch/codec"
	"mini-dispatch/loadbalance"
	"mini-dispatch/message"
	"mini-dispatch/middleware"
	"mini-dispatch/registry"
	"mini-dispatch/server"
	"mini-dispatch/service"
	"mini-dispatch/transport"
)

type Args struct{ A, B int }

type Reply struct {
	Result int
	Server string
}

type Arith struct {
	name  string
	notes atomic.Int32
}

func (a *Arith) Add(_ context.Context, args *Args) (*Reply, error) {
	return &Reply{Result: args.A + args.B, Server: a.name}, nil
}

func (a *Arith) Divide(_ context.Context, args *Args) (*Reply, error) {
	if args.B == 0 {
		return nil, message.NewSenderFault("DivideByZero", "urn:math", "divide by zero")
	}
	return &Reply{Result: args.A / args.B, Server: a.name}, nil
}

func (a *Arith) Notify(_ context.Context, _ *Args) error {
	a.notes.Add(1)
	return nil
}

func startArith(t *testing.T, reg registry.Registry, name string) *Arith {
	t.Helper()
	a := &Arith{name: name}
	s := server.New(server.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, s.Register(a))
	require.NoError(t, s.Start("tcp", "127.0.0.1:0", "", reg))
	t.Cleanup(func() { _ = s.Shutdown(time.Second) })
	return a
}

func TestCall(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startArith(t, reg, "one")
	for _, c := range []codec.Codec{codec.JSONCodec{}, codec.BinaryCodec{}} {
		cl := New(reg, &loadbalance.RoundRobinBalancer{}, WithCodec(c), WithLogger(zaptest.NewLogger(t)))
		var reply Reply
		require.NoError(t, cl.Call(context.Background(), "Arith", "Add", &Args{A: 1, B: 2}, &reply))
		assert.Equal(t, 3, reply.Result)
		require.NoError(t, cl.Close())
	}
}

func TestCallFault(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startArith(t, reg, "one")
	cl := New(reg, &loadbalance.RoundRobinBalancer{})
	defer cl.Close()

	err := cl.Call(context.Background(), "Arith", "Divide", &Args{A: 1}, nil)
	var fe *message.FaultError
	require.ErrorAs(t, err, &fe)
	assert.True(t, fe.Fault(message.Default).HasSubCode("DivideByZero", "urn:math"))
	assert.Equal(t, "divide by zero", fe.Reason)
	assert.False(t, fe.Receiver)

	require.NoError(t, cl.Call(context.Background(), "Arith", "Divide", &Args{A: 9, B: 3}, nil),
		"declared faults keep the connection usable")
}

func TestCallUnknownAction(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startArith(t, reg, "one")
	cl := New(reg, &loadbalance.RoundRobinBalancer{})
	defer cl.Close()

	err := cl.Call(context.Background(), "Arith", "Missing", &Args{}, nil)
	assert.ErrorIs(t, err, ErrNoEndpoint, "registry records list the served actions")

	err = cl.Call(context.Background(), "Nothing", "Add", &Args{}, nil)
	assert.ErrorIs(t, err, ErrNoEndpoint)
}

func TestSend(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	a := startArith(t, reg, "one")
	cl := New(reg, &loadbalance.RoundRobinBalancer{})
	defer cl.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, cl.Send(context.Background(), "Arith", "Notify", &Args{A: i}))
	}
	assert.Eventually(t, func() bool { return a.notes.Load() == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestCallSpreadsAcrossServers(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startArith(t, reg, "one")
	startArith(t, reg, "two")
	cl := New(reg, &loadbalance.RoundRobinBalancer{})
	defer cl.Close()

	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		var reply Reply
		require.NoError(t, cl.Call(context.Background(), "Arith", "Add", &Args{A: i}, &reply))
		seen[reply.Server]++
	}
	assert.Equal(t, map[string]int{"one": 3, "two": 3}, seen)
}

func TestCallAffinity(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startArith(t, reg, "one")
	startArith(t, reg, "two")
	startArith(t, reg, "three")
	cl := New(reg, loadbalance.NewConsistentHashBalancer(), WithPoolSize(2))
	defer cl.Close()

	ctx := WithAffinityKey(context.Background(), "user-42")
	var first Reply
	require.NoError(t, cl.Call(ctx, "Arith", "Add", &Args{}, &first))
	for i := 0; i < 5; i++ {
		var reply Reply
		require.NoError(t, cl.Call(ctx, "Arith", "Add", &Args{}, &reply))
		assert.Equal(t, first.Server, reply.Server)
	}
}

func TestCallRetriesTransientFailures(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startArith(t, reg, "one")

	var dials atomic.Int32
	dial := func(ctx context.Context, address string) (*transport.ClientTransport, error) {
		if dials.Add(1) == 1 {
			return nil, &channel.CommunicationError{Op: "dial", Err: errors.New("connection refused")}
		}
		return transport.Dial(ctx, address, codec.JSONCodec{}, nil)
	}
	cl := New(reg, &loadbalance.RoundRobinBalancer{}, WithDialer(dial),
		WithMiddleware(middleware.Retry(2, time.Millisecond, zaptest.NewLogger(t))))
	defer cl.Close()

	var reply Reply
	require.NoError(t, cl.Call(context.Background(), "Arith", "Add", &Args{A: 2, B: 2}, &reply))
	assert.Equal(t, 4, reply.Result)
	assert.Equal(t, int32(2), dials.Load())
}

func TestClose(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startArith(t, reg, "one")
	cl := New(reg, &loadbalance.RoundRobinBalancer{})
	require.NoError(t, cl.Call(context.Background(), "Arith", "Add", &Args{}, nil))
	require.NoError(t, cl.Close())
	assert.ErrorIs(t, cl.Call(context.Background(), "Arith", "Add", &Args{}, nil), transport.ErrTransportClosed)
}

func TestCallUnreachable(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	require.NoError(t, reg.Register(context.Background(), registry.EndpointRecord{
		Contract: "Arith", Address: addr,
		Actions: []string{service.Action(service.DefaultNamespace, "Arith", "Add")},
	}, 10))

	cl := New(reg, &loadbalance.RoundRobinBalancer{})
	defer cl.Close()
	err = cl.Call(context.Background(), "Arith", "Add", &Args{}, nil)
	assert.True(t, channel.IsCommunication(err))
}
