package channel

import (
	"time"

	"mini-dispatch/message"
)

// InputChannel yields raw messages without an exchange to reply on.
type InputChannel interface {
	// Receive waits up to timeout. ok is false on timeout; a nil message with ok true means end of input.
	Receive(timeout time.Duration) (msg *message.Message, ok bool, err error)
	Aborter
}

// DuplexBinder pairs an InputChannel with a Sender. Replies leave as independent messages, so
// they must carry their own correlation and destination.
type DuplexBinder struct {
	in      InputChannel
	out     Sender
	session bool
}

// NewDuplexBinder creates a binder over in and out.
func NewDuplexBinder(in InputChannel, out Sender, session bool) *DuplexBinder {
	return &DuplexBinder{in: in, out: out, session: session}
}

func (b *DuplexBinder) TryReceive(timeout time.Duration) (RequestContext, bool, error) {
	msg, ok, err := b.in.Receive(timeout)
	if err != nil || !ok || msg == nil {
		return nil, ok, err
	}
	return NewReplyContext(msg, b.sendReply), true, nil
}

func (b *DuplexBinder) sendReply(reply *message.Message, timeout time.Duration) error {
	if reply == nil {
		return nil // nothing travels back for an acknowledgement
	}
	return b.out.Send(reply, timeout)
}

func (b *DuplexBinder) Abort() {
	b.in.Abort()
	if a, ok := b.out.(Aborter); ok {
		a.Abort()
	}
}

func (b *DuplexBinder) CloseAfterFault(timeout time.Duration) error {
	if c, ok := b.in.(Closer); ok {
		return c.Close(timeout)
	}
	b.Abort()
	return nil
}

func (b *DuplexBinder) Close(timeout time.Duration) error {
	return b.CloseAfterFault(timeout)
}

func (b *DuplexBinder) HasSession() bool { return b.session }

func (b *DuplexBinder) Shape() Shape { return ShapeDuplex }

// InputBinder exposes a one-way InputChannel as a Binder. Its request contexts accept only
// acknowledgements.
type InputBinder struct {
	in      InputChannel
	session bool
}

// NewInputBinder creates a binder over in.
func NewInputBinder(in InputChannel, session bool) *InputBinder {
	return &InputBinder{in: in, session: session}
}

func (b *InputBinder) TryReceive(timeout time.Duration) (RequestContext, bool, error) {
	msg, ok, err := b.in.Receive(timeout)
	if err != nil || !ok || msg == nil {
		return nil, ok, err
	}
	return NewReplyContext(msg, nil), true, nil
}

func (b *InputBinder) Abort() { b.in.Abort() }

func (b *InputBinder) CloseAfterFault(timeout time.Duration) error {
	if c, ok := b.in.(Closer); ok {
		return c.Close(timeout)
	}
	b.in.Abort()
	return nil
}

func (b *InputBinder) Close(timeout time.Duration) error {
	return b.CloseAfterFault(timeout)
}

func (b *InputBinder) HasSession() bool { return b.session }

func (b *InputBinder) Shape() Shape { return ShapeInput }
