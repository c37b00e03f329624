package codec

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"mini-dispatch/message"
)

// BinaryCodec writes messages in a compact length-prefixed layout:
//
//	env(1) addr(1) action id relatesTo to replyTo faultTo from   strings: uint16 len + bytes
//	mustUnderstand: uint16 count + strings
//	headers:        uint16 count + key/value strings, sorted by key
//	fault:          uint32 len + JSON (0 when absent)
//	body:           uint32 len + bytes
type BinaryCodec struct{}

func (BinaryCodec) Encode(msg *message.Message) ([]byte, error) {
	body, err := msg.PeekBody()
	if err != nil {
		return nil, err
	}
	var fault []byte
	if msg.Fault != nil {
		if fault, err = json.Marshal(msg.Fault); err != nil {
			return nil, err
		}
	}
	h := msg.Headers
	w := &writer{buf: make([]byte, 0, 64+len(body))}
	w.buf = append(w.buf, byte(msg.Version.Envelope), byte(msg.Version.Addressing))
	for _, s := range []string{h.Action, h.MessageID, h.RelatesTo,
		string(h.To), string(h.ReplyTo), string(h.FaultTo), string(h.From)} {
		w.str(s)
	}
	w.u16(len(h.MustUnderstand))
	for _, s := range h.MustUnderstand {
		w.str(s)
	}
	keys := make([]string, 0, len(h.Extra))
	for k := range h.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w.u16(len(keys))
	for _, k := range keys {
		w.str(k)
		w.str(h.Extra[k])
	}
	w.bytes(fault)
	w.bytes(body)
	return w.buf, w.err
}

func (BinaryCodec) Decode(data []byte) (*message.Message, error) {
	r := &reader{buf: data}
	env, addr := r.byte(), r.byte()
	var hs [7]string
	for i := range hs {
		hs[i] = r.str()
	}
	var must []string
	if n := r.u16(); n > 0 {
		must = make([]string, 0, n)
		for i := 0; i < n; i++ {
			must = append(must, r.str())
		}
	}
	var extra map[string]string
	if n := r.u16(); n > 0 {
		extra = make(map[string]string, n)
		for i := 0; i < n; i++ {
			k := r.str()
			extra[k] = r.str()
		}
	}
	fault := r.bytes()
	body := r.bytes()
	if r.err != nil {
		return nil, r.err
	}

	msg := message.New(message.Version{
		Envelope:   message.EnvelopeVersion(env),
		Addressing: message.AddressingVersion(addr),
	}, hs[0], body)
	msg.Headers.MessageID = hs[1]
	msg.Headers.RelatesTo = hs[2]
	msg.Headers.To = message.Address(hs[3])
	msg.Headers.ReplyTo = message.Address(hs[4])
	msg.Headers.FaultTo = message.Address(hs[5])
	msg.Headers.From = message.Address(hs[6])
	msg.Headers.MustUnderstand = must
	msg.Headers.Extra = extra
	if len(fault) > 0 {
		msg.Fault = new(message.Fault)
		if err := json.Unmarshal(fault, msg.Fault); err != nil {
			return nil, fmt.Errorf("codec: binary fault: %w", err)
		}
	}
	return msg, nil
}

func (BinaryCodec) Type() Type {
	return TypeBinary
}

type writer struct {
	buf []byte
	err error
}

func (w *writer) u16(n int) {
	if n > 0xFFFF {
		w.err = fmt.Errorf("codec: binary: %d exceeds a 16-bit length", n)
		return
	}
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(n))
}

func (w *writer) str(s string) {
	w.u16(len(s))
	w.buf = append(w.buf, s...)
}

func (w *writer) bytes(b []byte) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// reader consumes the layout written by writer. After the first error every read returns zero.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d", ErrShortBuffer, n, r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) byte() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() int {
	if b := r.take(2); b != nil {
		return int(binary.BigEndian.Uint16(b))
	}
	return 0
}

func (r *reader) str() string {
	return string(r.take(r.u16()))
}

func (r *reader) bytes() []byte {
	b := r.take(4)
	if b == nil {
		return nil
	}
	n := int(binary.BigEndian.Uint32(b))
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, r.take(n))
	return out
}
