// Package protocol implements the frame layout used by the TCP transport.
//
// A fixed 14-byte header is followed by a variable-length body. The receiver reads the header
// first to learn the body length, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ mdp  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic bytes "mdp" identify a mini-dispatch frame and reject stray connections early.
const (
	MagicNumber byte = 0x6d // 'm'
	MagicByte2  byte = 0x64 // 'd'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (bodyLen)

	// MaxBodySize bounds a single frame body.
	MaxBodySize uint32 = 16 << 20
)

// MsgType distinguishes the frames of a connection.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // Two-way request; answered by a Reply with the same Seq
	MsgTypeReply     MsgType = 1 // Reply or fault; an empty body acknowledges a one-way operation
	MsgTypeHeartbeat MsgType = 2 // keep-alive ping (no body)
	MsgTypeOneWay    MsgType = 3 // Fire-and-forget request; never answered
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "request"
	case MsgTypeReply:
		return "reply"
	case MsgTypeHeartbeat:
		return "heartbeat"
	case MsgTypeOneWay:
		return "one-way"
	default:
		return fmt.Sprintf("MsgType(%d)", byte(t))
	}
}

// Codec type constants, mirrored from the codec package to avoid an import cycle.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

var (
	ErrInvalidMagic       = errors.New("protocol: invalid magic number")
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
	ErrUnsupportedCodec   = errors.New("protocol: unsupported codec type")
	ErrUnsupportedType    = errors.New("protocol: unsupported message type")
	ErrFrameTooLarge      = errors.New("protocol: frame body too large")
)

// Header is the fixed frame header.
type Header struct {
	CodecType byte
	MsgType   MsgType
	Seq       uint32 // Matches a Reply to its Request
	BodyLen   uint32
}

// Encode writes a complete frame to w in one Write call. Callers sharing w across goroutines
// must still serialize their calls.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) > MaxBodySize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	buf := make([]byte, HeaderSize+len(body))
	buf[0], buf[1], buf[2] = MagicNumber, MagicByte2, MagicByte3
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(body)))
	copy(buf[HeaderSize:], body)
	_, err := w.Write(buf)
	return err
}

// Decode reads one frame from r. The header is validated before the body is read.
func Decode(r io.Reader) (*Header, []byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, nil, err
	}
	if hdr[0] != MagicNumber || hdr[1] != MagicByte2 || hdr[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("%w: %x", ErrInvalidMagic, hdr[0:3])
	}
	if hdr[3] != Version {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, hdr[3])
	}
	if hdr[4] != CodecTypeJSON && hdr[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnsupportedCodec, hdr[4])
	}
	mt := MsgType(hdr[5])
	if mt > MsgTypeOneWay {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnsupportedType, hdr[5])
	}
	h := &Header{
		CodecType: hdr[4],
		MsgType:   mt,
		Seq:       binary.BigEndian.Uint32(hdr[6:10]),
		BodyLen:   binary.BigEndian.Uint32(hdr[10:14]),
	}
	if h.BodyLen > MaxBodySize {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, h.BodyLen)
	}
	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	return h, body, nil
}
