package channel

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-dispatch/message"
)

func TestReplyContextSendsFirstReplyOnly(t *testing.T) {
	var sent []*message.Message
	rc := NewReplyContext(message.NewRequest(message.Default, "urn:a", nil),
		func(reply *message.Message, _ time.Duration) error {
			sent = append(sent, reply)
			return nil
		})

	a := message.New(message.Default, "urn:aResponse", []byte("A"))
	b := message.New(message.Default, "urn:aResponse", []byte("B"))
	require.NoError(t, rc.Reply(a, time.Second))
	require.NoError(t, rc.Reply(b, time.Second))
	require.Len(t, sent, 1)
	assert.Same(t, a, sent[0])
	assert.True(t, rc.Replied())
}

func TestReplyContextConcurrentReplies(t *testing.T) {
	var sends atomic.Int32
	rc := NewReplyContext(message.NewRequest(message.Default, "urn:a", nil),
		func(*message.Message, time.Duration) error {
			sends.Add(1)
			return nil
		})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = rc.Reply(message.New(message.Default, "", nil), time.Second)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), sends.Load())
}

func TestReplyContextCloseAndAbort(t *testing.T) {
	var closes, aborts atomic.Int32
	req := message.NewRequest(message.Default, "urn:a", nil)
	rc := NewReplyContext(req, nil,
		OnClose(func() { closes.Add(1) }),
		OnAbort(func() { aborts.Add(1) }))

	require.NoError(t, rc.Close(time.Second))
	require.NoError(t, rc.Close(time.Second))
	rc.Abort()
	assert.Equal(t, int32(1), closes.Load())
	assert.Zero(t, aborts.Load(), "abort after close is a no-op")
	assert.False(t, rc.Aborted())
	assert.True(t, req.IsClosed())
	assert.ErrorIs(t, rc.Reply(message.New(message.Default, "", nil), time.Second), ErrClosed)

	rc = NewReplyContext(message.NewRequest(message.Default, "urn:a", nil), nil, OnAbort(func() { aborts.Add(1) }))
	rc.Abort()
	rc.Abort()
	assert.Equal(t, int32(1), aborts.Load())
	assert.True(t, rc.Aborted())
	assert.ErrorIs(t, rc.Reply(nil, time.Second), ErrAborted)
}

func TestReplyContextWithoutReplyFunc(t *testing.T) {
	rc := NewReplyContext(message.NewRequest(message.Default, "urn:a", nil), nil)
	assert.NoError(t, rc.Reply(nil, time.Second), "acknowledgements are accepted")

	rc = NewReplyContext(message.NewRequest(message.Default, "urn:a", nil), nil)
	assert.ErrorIs(t, rc.Reply(message.New(message.Default, "", nil), time.Second), ErrReplyNotSupported)
}

// queueInput is an InputChannel over a slice of canned results.
type queueInput struct {
	msgs    []*message.Message
	aborted atomic.Bool
	closed  atomic.Bool
}

func (q *queueInput) Receive(time.Duration) (*message.Message, bool, error) {
	if q.aborted.Load() {
		return nil, false, ErrAborted
	}
	if len(q.msgs) == 0 {
		return nil, true, nil
	}
	m := q.msgs[0]
	q.msgs = q.msgs[1:]
	return m, true, nil
}

func (q *queueInput) Abort() { q.aborted.Store(true) }

type closingInput struct{ queueInput }

func (c *closingInput) Close(time.Duration) error {
	c.closed.Store(true)
	return nil
}

type recordingSender struct {
	sent    []*message.Message
	aborted bool
}

func (s *recordingSender) Send(msg *message.Message, _ time.Duration) error {
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSender) Abort() { s.aborted = true }

func TestDuplexBinder(t *testing.T) {
	in := &queueInput{msgs: []*message.Message{message.NewRequest(message.Default, "urn:a", nil)}}
	out := &recordingSender{}
	b := NewDuplexBinder(in, out, true)
	assert.Equal(t, ShapeDuplex, b.Shape())
	assert.True(t, b.HasSession())

	rc, ok, err := b.TryReceive(time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, rc.Reply(nil, time.Second))
	assert.Empty(t, out.sent, "acknowledgements stay local")

	rc = NewReplyContext(message.NewRequest(message.Default, "urn:a", nil), b.sendReply)
	reply := message.New(message.Default, "urn:aResponse", nil)
	require.NoError(t, rc.Reply(reply, time.Second))
	assert.Equal(t, []*message.Message{reply}, out.sent)

	rc, ok, err = b.TryReceive(time.Second)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, rc, "end of input")

	require.NoError(t, b.CloseAfterFault(time.Second))
	assert.True(t, in.aborted.Load(), "inputs without Close are aborted")
	assert.True(t, out.aborted)
}

func TestInputBinder(t *testing.T) {
	in := &closingInput{queueInput{msgs: []*message.Message{message.NewRequest(message.Default, "urn:a", nil)}}}
	b := NewInputBinder(in, false)
	assert.Equal(t, ShapeInput, b.Shape())

	rc, ok, err := b.TryReceive(time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.ErrorIs(t, rc.Reply(message.New(message.Default, "", nil), time.Second), ErrReplyNotSupported)

	require.NoError(t, b.Close(time.Second))
	assert.True(t, in.closed.Load())
	assert.False(t, in.aborted.Load())

	b.Abort()
	_, _, err = b.TryReceive(time.Second)
	assert.ErrorIs(t, err, ErrAborted)
}

func TestCommunicationError(t *testing.T) {
	err := error(&CommunicationError{Op: "read", Err: ErrTimeout})
	assert.True(t, IsCommunication(err))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.False(t, IsCommunication(errors.New("plain")))
	assert.Equal(t, "channel: read: channel: operation timed out", err.Error())
}
