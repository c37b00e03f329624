package message

import (
	"fmt"
	"net/url"
)

// EnvelopeVersion selects the fault code vocabulary.
type EnvelopeVersion uint8

const (
	EnvelopeNone EnvelopeVersion = iota
	Envelope11
	Envelope12
)

// AddressingVersion selects the addressing namespace used for headers and addressing faults.
type AddressingVersion uint8

const (
	AddressingNone AddressingVersion = iota
	Addressing200408
	Addressing10
)

const (
	Addressing10Namespace     = "http://www.w3.org/2005/08/addressing"
	Addressing200408Namespace = "http://schemas.xmlsoap.org/ws/2004/08/addressing"

	Envelope11Namespace = "http://schemas.xmlsoap.org/soap/envelope/"
	Envelope12Namespace = "http://www.w3.org/2003/05/soap-envelope"
)

// Version pairs an envelope and addressing scheme. Replies and faults always reuse the version of
// the request they answer.
type Version struct {
	Envelope   EnvelopeVersion   `json:"envelope"`
	Addressing AddressingVersion `json:"addressing"`
}

var (
	Default = Version{Envelope: Envelope12, Addressing: Addressing10}
	Legacy  = Version{Envelope: Envelope11, Addressing: Addressing200408}
	None    = Version{}
)

func (v Version) String() string {
	return fmt.Sprintf("Envelope%s/Addressing%s", v.Envelope, v.Addressing)
}

func (e EnvelopeVersion) String() string {
	switch e {
	case Envelope11:
		return "11"
	case Envelope12:
		return "12"
	default:
		return "None"
	}
}

func (a AddressingVersion) String() string {
	switch a {
	case Addressing200408:
		return "200408"
	case Addressing10:
		return "10"
	default:
		return "None"
	}
}

// Namespace returns the addressing namespace, or "" for AddressingNone.
func (a AddressingVersion) Namespace() string {
	switch a {
	case Addressing10:
		return Addressing10Namespace
	case Addressing200408:
		return Addressing200408Namespace
	default:
		return ""
	}
}

// FaultAction is the default action stamped on faults for this addressing version.
func (a AddressingVersion) FaultAction() string {
	switch a {
	case Addressing10:
		return Addressing10Namespace + "/fault"
	case Addressing200408:
		return Addressing200408Namespace + "/fault"
	default:
		return ""
	}
}

// Address is an endpoint URI carried in addressing headers.
type Address string

const (
	AnonymousAddress       Address = Addressing10Namespace + "/anonymous"
	Anonymous200408Address Address = Addressing200408Namespace + "/role/anonymous"
	NoneAddress            Address = Addressing10Namespace + "/none"
)

// IsEmpty reports whether no address was set.
func (a Address) IsEmpty() bool { return a == "" }

// IsAnonymous reports whether replies go back on the inbound exchange.
func (a Address) IsAnonymous() bool {
	return a == AnonymousAddress || a == Anonymous200408Address
}

// IsNone reports whether the sender asked for replies to be discarded.
func (a Address) IsNone() bool { return a == NoneAddress }

// Validate checks that a non-empty address is an absolute URI.
func (a Address) Validate() error {
	if a.IsEmpty() {
		return nil
	}
	u, err := url.Parse(string(a))
	if err != nil {
		return fmt.Errorf("message: invalid address %q: %w", string(a), err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("message: address %q is not absolute", string(a))
	}
	return nil
}
