// Package channel defines the narrow capabilities the dispatcher consumes from a transport.
//
// Instead of one binder interface with many unsupported members, each capability is its own
// interface and a transport implements only what its channel shape can do:
//
//	Receiver       blocking receive with timeout
//	AsyncReceiver  receive that may complete inline or later through a callback
//	Sender         send a message
//	Aborter        unilateral teardown
//	FaultCloser    graceful close after a fault was already replied
//	Closer         graceful close
//
// Binder is the minimum set a channel must provide to be pumped by the dispatcher.
package channel

import (
	"errors"
	"fmt"
	"math"
	"time"

	"mini-dispatch/message"
)

// InfiniteTimeout waits forever.
const InfiniteTimeout = time.Duration(math.MaxInt64)

// Shape describes how replies travel back to the sender.
type Shape int

const (
	// ShapeReply channels carry the reply on the request's own exchange (request/reply).
	ShapeReply Shape = iota
	// ShapeDuplex channels send replies as independent messages correlated by MessageID.
	ShapeDuplex
	// ShapeInput channels are one-way only; nothing can be sent back.
	ShapeInput
)

func (s Shape) String() string {
	switch s {
	case ShapeReply:
		return "reply"
	case ShapeDuplex:
		return "duplex"
	case ShapeInput:
		return "input"
	default:
		return fmt.Sprintf("Shape(%d)", int(s))
	}
}

var (
	ErrAborted           = errors.New("channel: aborted")
	ErrFaulted           = errors.New("channel: faulted")
	ErrClosed            = errors.New("channel: closed")
	ErrTimeout           = errors.New("channel: operation timed out")
	ErrReplyNotSupported = errors.New("channel: reply not supported on a one-way channel")
)

// CommunicationError is a recoverable transport failure of a single operation.
type CommunicationError struct {
	Op  string
	Err error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("channel: %s: %v", e.Op, e.Err)
}

func (e *CommunicationError) Unwrap() error { return e.Err }

// IsCommunication reports whether err is a CommunicationError.
func IsCommunication(err error) bool {
	var ce *CommunicationError
	return errors.As(err, &ce)
}

// RequestContext is one received request plus the means to answer it.
type RequestContext interface {
	// RequestMessage returns the received message.
	RequestMessage() *message.Message
	// Reply sends reply back to the requester. A nil reply acknowledges a one-way request.
	// Only the first call has any effect.
	Reply(reply *message.Message, timeout time.Duration) error
	// Close finishes the exchange gracefully.
	Close(timeout time.Duration) error
	// Abort tears the exchange down without further I/O.
	Abort()
}

// Receiver is a channel that yields requests.
type Receiver interface {
	// TryReceive waits up to timeout for the next request. ok is false when the wait timed out.
	// A nil RequestContext with ok true means the channel reached end of input.
	TryReceive(timeout time.Duration) (rc RequestContext, ok bool, err error)
}

// ReceiveResult is the outcome of an asynchronous receive.
type ReceiveResult struct {
	Context RequestContext
	OK      bool
	Err     error
}

// AsyncReceiver is a Receiver that can receive without blocking the caller.
type AsyncReceiver interface {
	// BeginTryReceive starts a receive. If it completes inline, the result is returned with
	// done set and callback is never invoked. Otherwise callback runs exactly once, later,
	// on another goroutine.
	BeginTryReceive(timeout time.Duration, callback func(ReceiveResult)) (result ReceiveResult, done bool)
}

// Sender sends messages.
type Sender interface {
	Send(msg *message.Message, timeout time.Duration) error
}

// Aborter tears a channel down. Abort must be idempotent.
type Aborter interface {
	Abort()
}

// FaultCloser closes a channel after a fault reply went out.
type FaultCloser interface {
	CloseAfterFault(timeout time.Duration) error
}

// Closer closes a channel gracefully.
type Closer interface {
	Close(timeout time.Duration) error
}

// Binder is what the dispatcher needs to pump a channel.
type Binder interface {
	Receiver
	Aborter
	FaultCloser
	// HasSession reports whether the channel is a session (one logical connection).
	HasSession() bool
	Shape() Shape
}
