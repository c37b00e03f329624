package dispatcher

import (
	"context"
	"errors"

	"mini-dispatch/message"
)

// WildcardAction is the demultiplexer key for messages without an action and for catch-all
// operations.
const WildcardAction = "*"

// Formatter converts between messages and operation parameters.
type Formatter interface {
	// DeserializeRequest fills params from the request body.
	DeserializeRequest(msg *message.Message, params []any) error
	// SerializeReply builds the reply message of the given version.
	SerializeReply(version message.Version, params []any, result any) (*message.Message, error)
}

// FaultFormatter maps typed application errors onto declared faults.
type FaultFormatter interface {
	ProvideFault(err error, version message.Version) (*message.Fault, bool)
}

// ParameterInspector observes inputs before and outputs after each invocation.
type ParameterInspector interface {
	BeforeCall(operation string, inputs []any) (correlation any, err error)
	AfterCall(operation string, outputs []any, result any, correlation any) error
}

// OperationConfig describes one operation. It is copied into an immutable Operation.
type OperationConfig struct {
	Name        string
	Action      string // Request action; WildcardAction for a catch-all
	ReplyAction string // Defaults to Action + "Response"
	IsOneWay    bool

	// Inputs is the number of parameter slots handed to the formatter.
	Inputs int
	// Raw operations receive the request *message.Message as their only input and return the
	// reply *message.Message as their result; no formatter is involved.
	Raw bool

	Formatter      Formatter
	FaultFormatter FaultFormatter
	Inspectors     []ParameterInspector
	Invoker        Invoker

	// KeepParameters disables closing of io.Closer parameters after the call.
	KeepParameters bool
}

// Operation is the compiled, immutable runtime form of one operation.
type Operation struct {
	name           string
	action         string
	replyAction    string
	oneWay         bool
	inputs         int
	raw            bool
	formatter      Formatter
	faultFormatter FaultFormatter
	inspectors     []ParameterInspector
	invoker        Invoker
	keepParameters bool
	unhandled      bool
}

// NewOperation validates cfg and compiles it.
func NewOperation(cfg OperationConfig) (*Operation, error) {
	if cfg.Name == "" {
		return nil, configError("NewOperation", errors.New("operation name is empty"))
	}
	if cfg.Invoker == nil {
		return nil, configError("NewOperation "+cfg.Name, ErrMissingInvoker)
	}
	if !cfg.Raw && cfg.Formatter == nil {
		return nil, configError("NewOperation "+cfg.Name, ErrMissingFormatter)
	}
	action := cfg.Action
	if action == "" {
		action = WildcardAction
	}
	replyAction := cfg.ReplyAction
	if replyAction == "" && action != WildcardAction {
		replyAction = action + "Response"
	}
	inputs := cfg.Inputs
	if cfg.Raw {
		inputs = 1
	}
	return &Operation{
		name:           cfg.Name,
		action:         action,
		replyAction:    replyAction,
		oneWay:         cfg.IsOneWay,
		inputs:         inputs,
		raw:            cfg.Raw,
		formatter:      cfg.Formatter,
		faultFormatter: cfg.FaultFormatter,
		inspectors:     append([]ParameterInspector(nil), cfg.Inspectors...),
		invoker:        cfg.Invoker,
		keepParameters: cfg.KeepParameters,
	}, nil
}

func (o *Operation) Name() string        { return o.name }
func (o *Operation) Action() string      { return o.action }
func (o *Operation) ReplyAction() string { return o.replyAction }
func (o *Operation) IsOneWay() bool      { return o.oneWay }

// IsUnhandled reports whether this is the synthetic operation for unmatched actions.
func (o *Operation) IsUnhandled() bool { return o.unhandled }

// newUnhandledOperation answers every unmatched two-way request with ActionNotSupported,
// addressed in the request's own version.
func newUnhandledOperation() *Operation {
	invoke := SyncInvoker(func(_ context.Context, _ any, inputs []any) ([]any, any, error) {
		req := inputs[0].(*message.Message)
		return nil, nil, message.ErrorFromFault(message.NewActionNotSupportedFault(req.Version, req.Headers.Action))
	})
	return &Operation{
		name:    "Unhandled",
		action:  WildcardAction,
		inputs:  1,
		raw:     true,
		invoker: invoke,

		unhandled: true,
	}
}
