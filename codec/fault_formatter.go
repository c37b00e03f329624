package codec

import (
	"encoding/json"
	"errors"
	"reflect"

	"mini-dispatch/message"
)

// FaultContract declares that errors of one type travel as a named fault.
type FaultContract struct {
	Name      string
	Namespace string
	Receiver  bool // Blame the service instead of the caller

	typ reflect.Type
}

// JSONFaultFormatter turns declared application errors into faults whose detail is the JSON
// form of the error value. Errors without a contract are left to the dispatcher.
type JSONFaultFormatter struct {
	contracts []FaultContract
}

// NewJSONFaultFormatter returns a formatter without contracts.
func NewJSONFaultFormatter() *JSONFaultFormatter {
	return &JSONFaultFormatter{}
}

// Declare registers a contract for the type of sample, which must be an error value such as
// (*QuotaError)(nil) or QuotaError{}. Contracts are tried in declaration order.
func (f *JSONFaultFormatter) Declare(sample error, c FaultContract) *JSONFaultFormatter {
	c.typ = reflect.TypeOf(sample)
	f.contracts = append(f.contracts, c)
	return f
}

func (f *JSONFaultFormatter) ProvideFault(err error, v message.Version) (*message.Fault, bool) {
	for _, c := range f.contracts {
		target := reflect.New(c.typ)
		if !errors.As(err, target.Interface()) {
			continue
		}
		detail, jerr := json.Marshal(target.Elem().Interface())
		if jerr != nil {
			detail = nil
		}
		sub := &message.FaultCode{Name: c.Name, Namespace: c.Namespace}
		code := message.SenderCode(v, sub)
		if c.Receiver {
			code = message.ReceiverCode(v, sub)
		}
		return &message.Fault{
			Code:   code,
			Reason: err.Error(),
			Detail: string(detail),
			Action: v.Addressing.FaultAction(),
		}, true
	}
	return nil, false
}

// FaultDetail decodes the JSON detail of a fault raised through a JSONFaultFormatter.
func FaultDetail(fe *message.FaultError, out any) error {
	return json.Unmarshal([]byte(fe.Detail), out)
}
