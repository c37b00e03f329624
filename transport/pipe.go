package transport

import (
	"context"
	"sync"
	"time"

	"mini-dispatch/channel"
	"mini-dispatch/codec"
	"mini-dispatch/message"
)

// Pipe connects in-process callers to a dispatcher. The dispatcher side is a reply-shaped
// binder; the caller side is a Requester. Messages are encoded and decoded in both directions so
// that nothing is shared between the two sides.
type Pipe struct {
	codec   codec.Codec
	session bool
	in      *inbox
}

// NewPipe creates a pipe that serializes with c. A session pipe is one logical connection.
func NewPipe(c codec.Codec, session bool) *Pipe {
	return &Pipe{codec: c, session: session, in: newInbox(64)}
}

func (p *Pipe) wire(msg *message.Message) (*message.Message, error) {
	data, err := p.codec.Encode(msg)
	if err != nil {
		return nil, err
	}
	return p.codec.Decode(data)
}

// Request passes msg to the dispatcher and waits for the reply.
func (p *Pipe) Request(ctx context.Context, msg *message.Message) (*message.Message, error) {
	replies, done, err := p.exchange(msg)
	if err != nil {
		return nil, err
	}
	select {
	case r := <-replies:
		return replyOrErr(r)
	case <-done:
		select {
		case r := <-replies:
			return replyOrErr(r)
		default:
			return nil, ErrNoReply
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send passes msg to the dispatcher without waiting for its processing.
func (p *Pipe) Send(_ context.Context, msg *message.Message) error {
	_, _, err := p.exchange(msg)
	return err
}

func replyOrErr(r *message.Message) (*message.Message, error) {
	if r == nil {
		return nil, ErrNoReply
	}
	return r, nil
}

func (p *Pipe) exchange(msg *message.Message) (<-chan *message.Message, <-chan struct{}, error) {
	req, err := p.wire(msg)
	if err != nil {
		return nil, nil, err
	}
	replies := make(chan *message.Message, 1)
	done := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(done) }) }

	rc := channel.NewReplyContext(req, func(reply *message.Message, _ time.Duration) error {
		if reply == nil {
			replies <- nil
			return nil
		}
		out, err := p.wire(reply)
		if err != nil {
			return &channel.CommunicationError{Op: "reply", Err: err}
		}
		replies <- out
		return nil
	}, channel.OnClose(finish), channel.OnAbort(finish))

	if err := p.in.push(channel.ReceiveResult{Context: rc, OK: true}); err != nil {
		return nil, nil, err
	}
	return replies, done, nil
}

func (p *Pipe) TryReceive(timeout time.Duration) (channel.RequestContext, bool, error) {
	return p.in.tryReceive(timeout)
}

func (p *Pipe) BeginTryReceive(timeout time.Duration, callback func(channel.ReceiveResult)) (channel.ReceiveResult, bool) {
	return p.in.beginTryReceive(timeout, callback)
}

// Close stops accepting requests. Requests already queued are still delivered.
func (p *Pipe) Close(time.Duration) error {
	p.in.end(nil)
	return nil
}

func (p *Pipe) CloseAfterFault(timeout time.Duration) error {
	return p.Close(timeout)
}

func (p *Pipe) Abort() { p.in.abort() }

func (p *Pipe) HasSession() bool { return p.session }

func (p *Pipe) Shape() channel.Shape { return channel.ShapeReply }
