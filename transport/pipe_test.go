package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-dispatch/channel"
	"mini-dispatch/codec"
	"mini-dispatch/message"
)

// echo answers every request context of r with a copy of its body until end of input.
func echo(r channel.Receiver) {
	for {
		rc, ok, err := r.TryReceive(5 * time.Second)
		if err != nil || !ok || rc == nil {
			return
		}
		go func() {
			req := rc.RequestMessage()
			body, _ := req.ReadBody()
			reply := message.New(req.Version, req.Headers.Action+"Response", body)
			reply.Headers.RelatesTo = req.Headers.MessageID
			_ = rc.Reply(reply, time.Second)
			_ = rc.Close(time.Second)
		}()
	}
}

func TestPipeRequestReply(t *testing.T) {
	p := NewPipe(codec.BinaryCodec{}, true)
	assert.Equal(t, channel.ShapeReply, p.Shape())
	assert.True(t, p.HasSession())
	go echo(p)

	req := message.NewRequest(message.Default, "urn:echo", []byte("ping"))
	reply, err := p.Request(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "urn:echoResponse", reply.Headers.Action)
	assert.Equal(t, req.Headers.MessageID, reply.Headers.RelatesTo)
	body, err := reply.ReadBody()
	require.NoError(t, err)
	assert.Equal(t, "ping", string(body))
	assert.Equal(t, message.StateCreated, req.State(), "the caller's message is not consumed")
}

func TestPipeAcknowledgementHasNoReply(t *testing.T) {
	p := NewPipe(codec.JSONCodec{}, false)
	go func() {
		rc, _, _ := p.TryReceive(time.Second)
		_ = rc.Reply(nil, time.Second)
		_ = rc.Close(time.Second)
	}()
	_, err := p.Request(context.Background(), message.NewRequest(message.Default, "urn:a", nil))
	assert.ErrorIs(t, err, ErrNoReply)

	go func() {
		rc, _, _ := p.TryReceive(time.Second)
		rc.Abort()
	}()
	_, err = p.Request(context.Background(), message.NewRequest(message.Default, "urn:a", nil))
	assert.ErrorIs(t, err, ErrNoReply)
}

func TestPipeRequestHonorsContext(t *testing.T) {
	p := NewPipe(codec.JSONCodec{}, false)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Request(ctx, message.NewRequest(message.Default, "urn:a", nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPipeCloseDrainsQueue(t *testing.T) {
	p := NewPipe(codec.JSONCodec{}, false)
	ctx := context.Background()
	require.NoError(t, p.Send(ctx, message.NewRequest(message.Default, "urn:a", nil)))
	require.NoError(t, p.Send(ctx, message.NewRequest(message.Default, "urn:b", nil)))
	require.NoError(t, p.Close(time.Second))

	assert.ErrorIs(t, p.Send(ctx, message.NewRequest(message.Default, "urn:c", nil)), channel.ErrClosed)
	for _, action := range []string{"urn:a", "urn:b"} {
		rc, ok, err := p.TryReceive(time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, action, rc.RequestMessage().Headers.Action)
	}
	rc, ok, err := p.TryReceive(time.Second)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, rc, "end of input after the queue drained")
}

func TestPipeAbort(t *testing.T) {
	p := NewPipe(codec.JSONCodec{}, false)
	require.NoError(t, p.Send(context.Background(), message.NewRequest(message.Default, "urn:a", nil)))
	p.Abort()
	p.Abort()
	_, _, err := p.TryReceive(time.Second)
	assert.ErrorIs(t, err, channel.ErrAborted)
	assert.ErrorIs(t, p.Send(context.Background(), message.NewRequest(message.Default, "urn:a", nil)), channel.ErrAborted)
}

func TestPipeTimeout(t *testing.T) {
	p := NewPipe(codec.JSONCodec{}, false)
	rc, ok, err := p.TryReceive(10 * time.Millisecond)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, rc)
}

func TestPipeBeginTryReceive(t *testing.T) {
	p := NewPipe(codec.JSONCodec{}, false)
	require.NoError(t, p.Send(context.Background(), message.NewRequest(message.Default, "urn:queued", nil)))
	res, done := p.BeginTryReceive(time.Second, func(channel.ReceiveResult) {
		t.Error("callback for an inline completion")
	})
	require.True(t, done)
	assert.Equal(t, "urn:queued", res.Context.RequestMessage().Headers.Action)

	results := make(chan channel.ReceiveResult, 1)
	_, done = p.BeginTryReceive(time.Second, func(r channel.ReceiveResult) { results <- r })
	require.False(t, done)
	require.NoError(t, p.Send(context.Background(), message.NewRequest(message.Default, "urn:later", nil)))
	select {
	case r := <-results:
		require.NoError(t, r.Err)
		assert.Equal(t, "urn:later", r.Context.RequestMessage().Headers.Action)
	case <-time.After(time.Second):
		t.Fatal("callback never ran")
	}
}
