// Package message defines the envelope exchanged between channels and the dispatcher.
//
// A Message is opaque to the dispatcher apart from its version, its addressing headers and
// whether it carries a fault. The body is raw bytes that a formatter turns into operation
// parameters.
//
// Ownership: a Message belongs to exactly one stage at a time. Whoever holds it last closes it,
// and closing is idempotent so every exit path may call Close.
package message

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// State is the lifecycle state of a Message. Transitions only move forward.
type State int32

const (
	StateCreated State = iota // Headers and body untouched
	StateRead                 // Body has been handed out once
	StateClosed               // No further access allowed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateRead:
		return "Read"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ErrInvalidState is returned when a message is used after its body was consumed or it was closed.
var ErrInvalidState = errors.New("message: invalid state")

// Headers carries the addressing metadata of a message.
type Headers struct {
	Action    string  // Operation selector; empty means wildcard
	MessageID string  // Correlation id of a request
	RelatesTo string  // Set on replies: the MessageID of the request
	To        Address // Destination
	ReplyTo   Address // Where normal replies go
	FaultTo   Address // Where faults go; falls back to ReplyTo
	From      Address

	// MustUnderstand lists header names the receiver is required to process.
	MustUnderstand []string
	// Extra holds application headers.
	Extra map[string]string
}

// Message is one request, reply or fault envelope.
type Message struct {
	Version Version
	Headers Headers
	Fault   *Fault // Non-nil for fault messages

	body  []byte
	state atomic.Int32
}

// New creates a message with the given action and body.
func New(version Version, action string, body []byte) *Message {
	m := &Message{Version: version, body: body}
	m.Headers.Action = action
	return m
}

// NewRequest creates a request message with a fresh MessageID.
func NewRequest(version Version, action string, body []byte) *Message {
	m := New(version, action, body)
	m.Headers.MessageID = NewMessageID()
	return m
}

// NewMessageID returns a unique message id in urn:uuid form.
func NewMessageID() string {
	return "urn:uuid:" + uuid.NewString()
}

// IsFault reports whether the message carries a fault.
func (m *Message) IsFault() bool {
	return m.Fault != nil
}

// State returns the current lifecycle state.
func (m *Message) State() State {
	return State(m.state.Load())
}

// ReadBody hands out the body. It can be called once; afterwards the message is Read.
func (m *Message) ReadBody() ([]byte, error) {
	if !m.state.CompareAndSwap(int32(StateCreated), int32(StateRead)) {
		return nil, fmt.Errorf("%w: cannot read body of %s message", ErrInvalidState, m.State())
	}
	return m.body, nil
}

// PeekBody returns the body without consuming it. Codecs use it to put a message on the wire.
func (m *Message) PeekBody() ([]byte, error) {
	if m.State() == StateClosed {
		return nil, fmt.Errorf("%w: message is closed", ErrInvalidState)
	}
	return m.body, nil
}

// Close releases the message. Safe to call more than once.
func (m *Message) Close() {
	m.state.Store(int32(StateClosed))
}

// IsClosed reports whether Close has been called.
func (m *Message) IsClosed() bool {
	return m.State() == StateClosed
}

// Header returns an extra header value.
func (m *Message) Header(name string) (string, bool) {
	v, ok := m.Headers.Extra[name]
	return v, ok
}

// SetHeader sets an extra header value.
func (m *Message) SetHeader(name, value string) {
	if m.Headers.Extra == nil {
		m.Headers.Extra = make(map[string]string)
	}
	m.Headers.Extra[name] = value
}
