package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"mini-dispatch/message"
)

// ErrArgumentCount is returned when a request body carries the wrong number of arguments.
var ErrArgumentCount = errors.New("codec: argument count mismatch")

// JSONFormatter maps a JSON request body onto typed parameters and builds JSON reply bodies.
//
// Request body: a JSON array with one element per parameter. A single parameter may also be
// sent as a bare JSON value. Each parameter is decoded into a freshly allocated pointer of the
// declared type.
//
// Reply body: {"result": <return value>, "outputs": [<out parameters>]}.
type JSONFormatter struct {
	params []reflect.Type
}

// NewJSONFormatter returns a formatter for parameters of the given types.
func NewJSONFormatter(params ...reflect.Type) *JSONFormatter {
	return &JSONFormatter{params: params}
}

// Inputs returns the number of parameters.
func (f *JSONFormatter) Inputs() int { return len(f.params) }

func (f *JSONFormatter) DeserializeRequest(msg *message.Message, params []any) error {
	body, err := msg.ReadBody()
	if err != nil {
		return err
	}
	if len(params) != len(f.params) {
		return fmt.Errorf("%w: %d slots for %d parameters", ErrArgumentCount, len(params), len(f.params))
	}
	raw, err := splitArgs(body, len(f.params))
	if err != nil {
		return err
	}
	for i, typ := range f.params {
		v := reflect.New(typ)
		if len(raw[i]) > 0 {
			if err := json.Unmarshal(raw[i], v.Interface()); err != nil {
				return message.NewSenderFault("InvalidArgument", message.DispatcherNamespace,
					fmt.Sprintf("argument %d: %v", i, err))
			}
		}
		params[i] = v.Interface()
	}
	return nil
}

func splitArgs(body []byte, n int) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return make([]json.RawMessage, n), nil
	}
	if n == 1 && body[0] != '[' {
		return []json.RawMessage{body}, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, message.NewSenderFault("InvalidArgument", message.DispatcherNamespace, err.Error())
	}
	if len(raw) != n {
		return nil, message.NewSenderFault("InvalidArgument", message.DispatcherNamespace,
			fmt.Sprintf("%v: got %d, want %d", ErrArgumentCount, len(raw), n))
	}
	return raw, nil
}

type replyBody struct {
	Result  any   `json:"result,omitempty"`
	Outputs []any `json:"outputs,omitempty"`
}

func (f *JSONFormatter) SerializeReply(v message.Version, outputs []any, result any) (*message.Message, error) {
	body, err := json.Marshal(replyBody{Result: result, Outputs: outputs})
	if err != nil {
		return nil, fmt.Errorf("codec: serialize reply: %w", err)
	}
	return message.New(v, "", body), nil
}

// MarshalArgs builds a request body for JSONFormatter.
func MarshalArgs(args ...any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	return json.Marshal(args)
}

// UnmarshalResult decodes the result of a reply body built by JSONFormatter into out.
// out may be nil when the caller does not care about the result.
func UnmarshalResult(body []byte, out any) error {
	var rb struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &rb); err != nil {
		return fmt.Errorf("codec: reply body: %w", err)
	}
	if out == nil || len(rb.Result) == 0 {
		return nil
	}
	return json.Unmarshal(rb.Result, out)
}
