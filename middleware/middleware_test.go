package middleware

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"mini-dispatch/channel"
	"mini-dispatch/message"
)

func echoHandler(_ context.Context, call *Call) (any, error) {
	return call.Args, nil
}

func slowHandler(ctx context.Context, call *Call) (any, error) {
	select {
	case <-time.After(200 * time.Millisecond):
	case <-ctx.Done():
	}
	return call.Args, nil
}

func addCall() *Call {
	return &Call{Service: "Arith", Method: "Add", Action: "urn:Arith/Add", Args: "ok",
		Request: message.NewRequest(message.Default, "urn:Arith/Add", nil)}
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	handler := Logging(zap.New(core))(echoHandler)
	res, err := handler(context.Background(), addCall())
	require.NoError(t, err)
	assert.Equal(t, "ok", res)

	failing := Logging(zap.New(core))(func(context.Context, *Call) (any, error) {
		return nil, errors.New("boom")
	})
	_, err = failing(context.Background(), addCall())
	assert.Error(t, err)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "call completed", entries[0].Message)
	assert.Equal(t, "Add", entries[0].ContextMap()["method"])
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
}

func TestTimeout(t *testing.T) {
	res, err := Timeout(500 * time.Millisecond)(echoHandler)(context.Background(), addCall())
	require.NoError(t, err)
	assert.Equal(t, "ok", res)

	_, err = Timeout(50 * time.Millisecond)(slowHandler)(context.Background(), addCall())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, ErrTimeout.Receiver)
}

func TestRateLimit(t *testing.T) {
	handler := RateLimit(1, 2)(echoHandler)
	for i := 0; i < 2; i++ {
		_, err := handler(context.Background(), addCall())
		require.NoError(t, err, "request %d is within the burst", i)
	}
	_, err := handler(context.Background(), addCall())
	require.ErrorIs(t, err, ErrServerTooBusy)
	assert.Equal(t, message.ServerTooBusy, ErrServerTooBusy.Fault(message.Default).SubCodeName())
}

func TestRetry(t *testing.T) {
	var calls atomic.Int32
	flaky := func(context.Context, *Call) (any, error) {
		if calls.Add(1) < 3 {
			return nil, &channel.CommunicationError{Op: "send", Err: errors.New("reset")}
		}
		return "ok", nil
	}
	res, err := Retry(3, time.Millisecond, nil)(flaky)(context.Background(), addCall())
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.Equal(t, int32(3), calls.Load())

	calls.Store(0)
	permanent := func(context.Context, *Call) (any, error) {
		calls.Add(1)
		return nil, errors.New("bad input")
	}
	_, err = Retry(3, time.Millisecond, nil)(permanent)(context.Background(), addCall())
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "permanent errors are not retried")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls.Store(0)
	timeouts := func(context.Context, *Call) (any, error) {
		calls.Add(1)
		return nil, ErrTimeout
	}
	_, err = Retry(5, time.Hour, nil)(timeouts)(ctx, addCall())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, int32(1), calls.Load(), "a cancelled context stops retrying")
}

func TestRetryBackoffIsCapped(t *testing.T) {
	b := newBackoff(time.Millisecond, 50*time.Millisecond)
	prev := time.Duration(0)
	for i := 0; i < 100; i++ {
		d := b.Duration()
		require.Positive(t, d, "attempt %d", i)
		require.LessOrEqual(t, d, 50*time.Millisecond, "attempt %d", i)
		require.GreaterOrEqual(t, d, prev, "attempt %d", i)
		prev = d
	}
	assert.Equal(t, 50*time.Millisecond, prev)

	assert.Equal(t, 20*time.Millisecond, newBackoff(20*time.Millisecond, time.Millisecond).Duration(),
		"a cap below the base delay is raised to it")
}

func TestRetryManyAttemptsKeepsWaiting(t *testing.T) {
	var calls atomic.Int32
	failing := func(context.Context, *Call) (any, error) {
		calls.Add(1)
		return nil, ErrTimeout
	}
	start := time.Now()
	_, err := RetryWithBackoff(70, time.Millisecond, 2*time.Millisecond, nil)(failing)(context.Background(), addCall())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, int32(71), calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond, "late attempts still back off")
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, call *Call) (any, error) {
				order = append(order, name+">")
				res, err := next(ctx, call)
				order = append(order, "<"+name)
				return res, err
			}
		}
	}
	handler := Chain(mark("a"), mark("b"), Timeout(time.Second))(echoHandler)
	_, err := handler(context.Background(), addCall())
	require.NoError(t, err)
	assert.Equal(t, []string{"a>", "b>", "<b", "<a"}, order)
}
