// Package codec puts messages on the wire and turns message bodies into operation parameters.
package codec

import (
	"errors"
	"fmt"

	"mini-dispatch/message"
)

type Type byte

const (
	TypeJSON   Type = 0
	TypeBinary Type = 1
)

func (t Type) String() string {
	switch t {
	case TypeJSON:
		return "json"
	case TypeBinary:
		return "binary"
	default:
		return fmt.Sprintf("codec.Type(%d)", byte(t))
	}
}

// UnmarshalText parses "json" or "binary".
func (t *Type) UnmarshalText(text []byte) error {
	switch string(text) {
	case "json", "":
		*t = TypeJSON
	case "binary":
		*t = TypeBinary
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCodec, string(text))
	}
	return nil
}

var (
	ErrUnknownCodec = errors.New("codec: unknown codec type")
	ErrShortBuffer  = errors.New("codec: truncated message")
)

// Codec encodes a whole message: version, addressing headers, fault and body. Encoding does
// not consume the body, so a message can be encoded and still be read afterwards.
type Codec interface {
	Encode(msg *message.Message) ([]byte, error)
	Decode(data []byte) (*message.Message, error)
	Type() Type
}

// Get returns the codec for t.
func Get(t Type) (Codec, error) {
	switch t {
	case TypeJSON:
		return JSONCodec{}, nil
	case TypeBinary:
		return BinaryCodec{}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, byte(t))
}
