package message

import (
	"fmt"
	"strings"
)

// DispatcherNamespace scopes fault sub-codes raised by the dispatcher itself.
const DispatcherNamespace = "http://schemas.mini-dispatch.dev/2025/dispatcher"

// Well-known sub-code names.
const (
	ActionNotSupported     = "ActionNotSupported"
	DestinationUnreachable = "DestinationUnreachable"
	InternalServiceFault   = "InternalServiceFault"
	MustUnderstandFault    = "MustUnderstand"
	ServerTooBusy          = "ServerTooBusy"
	InvalidAddressingFault = "InvalidAddressingHeader"
)

// FaultCode is a qualified code with an optional sub-code chain.
type FaultCode struct {
	Name      string     `json:"name"`
	Namespace string     `json:"ns,omitempty"`
	SubCode   *FaultCode `json:"sub,omitempty"`
}

// Fault is the structured error carried by a fault message.
type Fault struct {
	Code   FaultCode `json:"code"`
	Reason string    `json:"reason"`
	Detail string    `json:"detail,omitempty"`
	Action string    `json:"action,omitempty"`
}

func senderName(e EnvelopeVersion) (string, string) {
	switch e {
	case Envelope11:
		return "Client", Envelope11Namespace
	case Envelope12:
		return "Sender", Envelope12Namespace
	default:
		return "Sender", ""
	}
}

func receiverName(e EnvelopeVersion) (string, string) {
	switch e {
	case Envelope11:
		return "Server", Envelope11Namespace
	case Envelope12:
		return "Receiver", Envelope12Namespace
	default:
		return "Receiver", ""
	}
}

// SenderCode builds a sender (client-caused) fault code for the envelope version.
func SenderCode(v Version, sub *FaultCode) FaultCode {
	name, ns := senderName(v.Envelope)
	return FaultCode{Name: name, Namespace: ns, SubCode: sub}
}

// ReceiverCode builds a receiver (server-caused) fault code for the envelope version.
func ReceiverCode(v Version, sub *FaultCode) FaultCode {
	name, ns := receiverName(v.Envelope)
	return FaultCode{Name: name, Namespace: ns, SubCode: sub}
}

// IsSenderFault reports whether the top-level code blames the sender.
func (f *Fault) IsSenderFault() bool {
	return f.Code.Name == "Sender" || f.Code.Name == "Client"
}

// IsReceiverFault reports whether the top-level code blames the receiver.
func (f *Fault) IsReceiverFault() bool {
	return f.Code.Name == "Receiver" || f.Code.Name == "Server"
}

// HasSubCode reports whether name/ns appears anywhere in the sub-code chain.
func (f *Fault) HasSubCode(name, ns string) bool {
	for c := f.Code.SubCode; c != nil; c = c.SubCode {
		if c.Name == name && c.Namespace == ns {
			return true
		}
	}
	return false
}

// SubCodeName returns the innermost sub-code name, or "".
func (f *Fault) SubCodeName() string {
	name := ""
	for c := f.Code.SubCode; c != nil; c = c.SubCode {
		name = c.Name
	}
	return name
}

// IsInternalServiceFault reports whether the fault was produced as a last resort by a dispatcher.
func (f *Fault) IsInternalServiceFault() bool {
	return f.HasSubCode(InternalServiceFault, DispatcherNamespace)
}

// NewActionNotSupportedFault is the fault returned for an action no operation accepts.
func NewActionNotSupportedFault(v Version, action string) *Fault {
	sub := &FaultCode{Name: ActionNotSupported, Namespace: v.Addressing.Namespace()}
	reason := fmt.Sprintf("The message with Action '%s' cannot be processed at the receiver. "+
		"The sender and receiver may disagree on the contract or the binding.", action)
	return &Fault{Code: SenderCode(v, sub), Reason: reason, Action: v.Addressing.FaultAction()}
}

// NewDestinationUnreachableFault is the fault returned when no endpoint listens at the To address.
func NewDestinationUnreachableFault(v Version, to Address) *Fault {
	sub := &FaultCode{Name: DestinationUnreachable, Namespace: v.Addressing.Namespace()}
	reason := fmt.Sprintf("The message with To '%s' cannot be processed at the receiver "+
		"because no endpoint matches its address.", string(to))
	return &Fault{Code: SenderCode(v, sub), Reason: reason, Action: v.Addressing.FaultAction()}
}

// NewMustUnderstandFault is the fault returned when a required header is not understood.
func NewMustUnderstandFault(v Version, headers []string) *Fault {
	sub := &FaultCode{Name: MustUnderstandFault, Namespace: DispatcherNamespace}
	return &Fault{
		Code:   SenderCode(v, sub),
		Reason: fmt.Sprintf("The header(s) %s were not understood by the recipient.", strings.Join(headers, ", ")),
		Action: v.Addressing.FaultAction(),
	}
}

// NewInternalServiceFault is the fault of last resort.
func NewInternalServiceFault(v Version, reason, detail string) *Fault {
	sub := &FaultCode{Name: InternalServiceFault, Namespace: DispatcherNamespace}
	return &Fault{
		Code:   ReceiverCode(v, sub),
		Reason: reason,
		Detail: detail,
		Action: v.Addressing.FaultAction(),
	}
}

// CreateFaultMessage wraps f in a message of version v.
func CreateFaultMessage(v Version, f *Fault) *Message {
	action := f.Action
	if action == "" {
		action = v.Addressing.FaultAction()
	}
	m := New(v, action, nil)
	m.Fault = f
	return m
}

// FaultError is an error that already knows which fault it maps to. Returning one from an
// operation produces that fault instead of the generic internal one.
type FaultError struct {
	Receiver bool       // Receiver-side fault; sender-side otherwise
	SubCode  *FaultCode // Optional qualifying code
	Reason   string
	Detail   string
	Action   string // Fault action; the addressing default when empty

	// Code carries the full code when the error was decoded from a received fault.
	Code *FaultCode
}

// NewSenderFault returns a sender-side FaultError with sub-code name in namespace ns.
func NewSenderFault(name, ns, reason string) *FaultError {
	return &FaultError{SubCode: &FaultCode{Name: name, Namespace: ns}, Reason: reason}
}

// NewReceiverFault returns a receiver-side FaultError with sub-code name in namespace ns.
func NewReceiverFault(name, ns, reason string) *FaultError {
	return &FaultError{Receiver: true, SubCode: &FaultCode{Name: name, Namespace: ns}, Reason: reason}
}

func (e *FaultError) Error() string {
	code := "Sender"
	if e.Receiver {
		code = "Receiver"
	}
	if e.Code != nil {
		code = e.Code.Name
	}
	if sub := e.subCodeName(); sub != "" {
		code += "/" + sub
	}
	return fmt.Sprintf("fault %s: %s", code, e.Reason)
}

func (e *FaultError) subCodeName() string {
	c := e.SubCode
	if e.Code != nil {
		c = e.Code.SubCode
	}
	name := ""
	for ; c != nil; c = c.SubCode {
		name = c.Name
	}
	return name
}

// Fault renders the error as a fault of version v.
func (e *FaultError) Fault(v Version) *Fault {
	var code FaultCode
	switch {
	case e.Code != nil:
		code = *e.Code
	case e.Receiver:
		code = ReceiverCode(v, e.SubCode)
	default:
		code = SenderCode(v, e.SubCode)
	}
	action := e.Action
	if action == "" {
		action = v.Addressing.FaultAction()
	}
	return &Fault{Code: code, Reason: e.Reason, Detail: e.Detail, Action: action}
}

// ErrorFromFault converts a received fault back into an error.
func ErrorFromFault(f *Fault) *FaultError {
	code := f.Code
	return &FaultError{
		Receiver: f.IsReceiverFault(),
		Code:     &code,
		Reason:   f.Reason,
		Detail:   f.Detail,
		Action:   f.Action,
	}
}

// IsInternal reports whether the error encodes a last-resort fault of some dispatcher.
func (e *FaultError) IsInternal() bool {
	c := e.SubCode
	if e.Code != nil {
		c = e.Code.SubCode
	}
	for ; c != nil; c = c.SubCode {
		if c.Name == InternalServiceFault && c.Namespace == DispatcherNamespace {
			return true
		}
	}
	return false
}
