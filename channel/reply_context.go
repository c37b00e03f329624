package channel

import (
	"sync/atomic"
	"time"

	"mini-dispatch/message"
)

// ReplyFunc puts a reply on the wire. reply is nil for a one-way acknowledgement.
type ReplyFunc func(reply *message.Message, timeout time.Duration) error

const (
	contextOpen int32 = iota
	contextClosed
	contextAborted
)

// ReplyContext is the RequestContext used by the transports in this module. It guarantees that
// at most one Reply reaches the ReplyFunc.
type ReplyContext struct {
	request *message.Message
	reply   ReplyFunc
	onClose func()
	onAbort func()

	replied atomic.Bool
	state   atomic.Int32
}

// ReplyContextOption customizes a ReplyContext.
type ReplyContextOption func(*ReplyContext)

// OnClose runs fn once when the context is closed.
func OnClose(fn func()) ReplyContextOption {
	return func(c *ReplyContext) { c.onClose = fn }
}

// OnAbort runs fn once when the context is aborted.
func OnAbort(fn func()) ReplyContextOption {
	return func(c *ReplyContext) { c.onAbort = fn }
}

// NewReplyContext wraps request. reply may be nil for channels that cannot answer.
func NewReplyContext(request *message.Message, reply ReplyFunc, opts ...ReplyContextOption) *ReplyContext {
	c := &ReplyContext{request: request, reply: reply}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *ReplyContext) RequestMessage() *message.Message {
	return c.request
}

// Reply sends the first reply; later calls return nil without sending.
func (c *ReplyContext) Reply(reply *message.Message, timeout time.Duration) error {
	if !c.replied.CompareAndSwap(false, true) {
		return nil
	}
	switch c.state.Load() {
	case contextAborted:
		return ErrAborted
	case contextClosed:
		return ErrClosed
	}
	if c.reply == nil {
		if reply == nil {
			return nil
		}
		return ErrReplyNotSupported
	}
	return c.reply(reply, timeout)
}

// Replied reports whether Reply has been called.
func (c *ReplyContext) Replied() bool {
	return c.replied.Load()
}

func (c *ReplyContext) Close(timeout time.Duration) error {
	if !c.state.CompareAndSwap(contextOpen, contextClosed) {
		return nil
	}
	c.request.Close()
	if c.onClose != nil {
		c.onClose()
	}
	return nil
}

func (c *ReplyContext) Abort() {
	if !c.state.CompareAndSwap(contextOpen, contextAborted) {
		return
	}
	c.request.Close()
	if c.onAbort != nil {
		c.onAbort()
	}
}

// Aborted reports whether Abort won over Close.
func (c *ReplyContext) Aborted() bool {
	return c.state.Load() == contextAborted
}
