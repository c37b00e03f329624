package dispatcher

import (
	"errors"
	"fmt"

	"mini-dispatch/message"
)

var (
	// ErrMultipleCallbacks is raised when a paused dispatch is resumed more than once.
	ErrMultipleCallbacks = errors.New("dispatcher: multiple callbacks from async operation")
	ErrDuplicateAction   = errors.New("dispatcher: action already registered")
	ErrRuntimeLocked     = errors.New("dispatcher: runtime is locked and cannot be modified")
	ErrMissingFormatter  = errors.New("dispatcher: operation needs a formatter")
	ErrMissingInvoker    = errors.New("dispatcher: operation needs an invoker")
	ErrDuplicateEndpoint = errors.New("dispatcher: endpoint already added")

	ErrNoInstanceProvider = errors.New("dispatcher: runtime has operations but no instance provider")
	ErrNoEndpoints        = errors.New("dispatcher: no endpoints")

	ErrNoReplyChannel = errors.New("dispatcher: two-way operation received on a channel that cannot reply")
	ErrNoCorrelation  = errors.New("dispatcher: two-way request carries no MessageID to correlate the reply")
	ErrReplyToNone    = errors.New("dispatcher: request asked for replies to be discarded")

	ErrInstanceAborted = errors.New("dispatcher: instance context aborted")
	ErrChannelAborted  = errors.New("dispatcher: service channel aborted")

	ErrNotOpen      = errors.New("dispatcher: not open")
	ErrAlreadyOpen  = errors.New("dispatcher: already opened")
	ErrClosed       = errors.New("dispatcher: closed")
	ErrCloseTimeout = errors.New("dispatcher: timed out waiting for in-flight dispatches")
)

// ConfigurationError is a programming or setup fault. Setup calls return it. Raised during a
// dispatch, it is logged at error level, reported to the error handlers and answered with the
// fault of last resort.
type ConfigurationError struct {
	Op  string
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("dispatcher: configuration error in %s: %v", e.Op, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func configError(op string, err error) error {
	return &ConfigurationError{Op: op, Err: err}
}

// FatalError marks a condition the process must not survive. Catch sites re-raise it instead of
// building a fault.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "dispatcher: fatal: " + e.Err.Error() }

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err so that the dispatcher lets it propagate.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err must terminate the offending goroutine.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// EndpointNotFoundError reports that no endpoint accepts a message. AddressMatched distinguishes
// a contract mismatch from an address mismatch.
type EndpointNotFoundError struct {
	To             message.Address
	Action         string
	AddressMatched bool
}

func (e *EndpointNotFoundError) Error() string {
	if e.AddressMatched {
		return fmt.Sprintf("dispatcher: no endpoint at %q accepts action %q", string(e.To), e.Action)
	}
	return fmt.Sprintf("dispatcher: no endpoint listens at %q", string(e.To))
}

// Fault returns the sender fault that answers the failed lookup.
func (e *EndpointNotFoundError) Fault(v message.Version) *message.Fault {
	if e.AddressMatched {
		return message.NewActionNotSupportedFault(v, e.Action)
	}
	return message.NewDestinationUnreachableFault(v, e.To)
}

// AmbiguousEndpointError reports that more than one endpoint of the same priority matched.
type AmbiguousEndpointError struct {
	Action    string
	Endpoints []string
}

func (e *AmbiguousEndpointError) Error() string {
	return fmt.Sprintf("dispatcher: action %q matches endpoints %v with equal priority", e.Action, e.Endpoints)
}

// stepError wraps a failure in a named cleanup step.
func stepError(step string, err error) error {
	return fmt.Errorf("dispatcher: cleanup %s: %w", step, err)
}
