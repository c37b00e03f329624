// Package transport moves messages between clients and a dispatcher.
//
// Two server-side binders are provided, both of the reply shape:
//
//	Pipe        in-process, every exchange passes through a codec round trip
//	ConnBinder  one TCP connection speaking the protocol package's frames
//
// On the client side ClientTransport multiplexes concurrent requests over one connection and
// Pool keeps a few of them per address.
package transport

import (
	"context"
	"errors"

	"mini-dispatch/message"
)

var (
	// ErrNoReply is returned when an exchange finished without a reply message.
	ErrNoReply = errors.New("transport: exchange finished without a reply")
	// ErrTransportClosed is returned for requests on a closed client transport or pool.
	ErrTransportClosed = errors.New("transport: closed")
)

// Requester is the client side of a request/reply channel.
type Requester interface {
	// Request sends msg and waits for its reply.
	Request(ctx context.Context, msg *message.Message) (*message.Message, error)
	// Send sends msg as a one-way datagram.
	Send(ctx context.Context, msg *message.Message) error
}
