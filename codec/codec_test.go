package codec

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-dispatch/message"
)

func fullMessage() *message.Message {
	m := message.NewRequest(message.Legacy, "urn:calc/Add", []byte(`[{"A":1,"B":2}]`))
	m.Headers.To = "net.tcp://host/calc"
	m.Headers.ReplyTo = message.Anonymous200408Address
	m.Headers.FaultTo = "net.tcp://client/faults"
	m.Headers.From = "net.tcp://client"
	m.Headers.MustUnderstand = []string{"Security"}
	m.SetHeader("tenant", "blue")
	m.SetHeader("trace", "abc")
	return m
}

func TestCodecsRoundTrip(t *testing.T) {
	for _, typ := range []Type{TypeJSON, TypeBinary} {
		t.Run(typ.String(), func(t *testing.T) {
			c, err := Get(typ)
			require.NoError(t, err)
			assert.Equal(t, typ, c.Type())

			in := fullMessage()
			data, err := c.Encode(in)
			require.NoError(t, err)
			out, err := c.Decode(data)
			require.NoError(t, err)

			assert.Equal(t, in.Version, out.Version)
			assert.Equal(t, in.Headers, out.Headers)
			body, err := out.ReadBody()
			require.NoError(t, err)
			assert.Equal(t, `[{"A":1,"B":2}]`, string(body))
			assert.Equal(t, message.StateCreated, in.State(), "encoding leaves the body unread")
		})
	}
}

func TestCodecsCarryFaults(t *testing.T) {
	fault := message.NewInternalServiceFault(message.Default, "broken", "stack")
	for _, typ := range []Type{TypeJSON, TypeBinary} {
		t.Run(typ.String(), func(t *testing.T) {
			c, _ := Get(typ)
			in := message.CreateFaultMessage(message.Default, fault)
			in.Headers.RelatesTo = "urn:uuid:1"
			data, err := c.Encode(in)
			require.NoError(t, err)
			out, err := c.Decode(data)
			require.NoError(t, err)
			require.True(t, out.IsFault())
			assert.Equal(t, fault, out.Fault)
			assert.True(t, out.Fault.IsInternalServiceFault())
			assert.Equal(t, "urn:uuid:1", out.Headers.RelatesTo)
		})
	}
}

func TestEncodeClosedMessage(t *testing.T) {
	m := message.New(message.Default, "urn:a", nil)
	m.Close()
	for _, c := range []Codec{JSONCodec{}, BinaryCodec{}} {
		_, err := c.Encode(m)
		assert.ErrorIs(t, err, message.ErrInvalidState)
	}
}

func TestBinaryDecodeTruncated(t *testing.T) {
	data, err := BinaryCodec{}.Encode(fullMessage())
	require.NoError(t, err)
	for _, n := range []int{0, 1, 5, len(data) - 1} {
		_, err := BinaryCodec{}.Decode(data[:n])
		assert.ErrorIs(t, err, ErrShortBuffer, "cut at %d", n)
	}
}

func TestGetUnknown(t *testing.T) {
	_, err := Get(Type(7))
	assert.ErrorIs(t, err, ErrUnknownCodec)

	var typ Type
	require.NoError(t, typ.UnmarshalText([]byte("binary")))
	assert.Equal(t, TypeBinary, typ)
	assert.ErrorIs(t, typ.UnmarshalText([]byte("xml")), ErrUnknownCodec)
}

type args struct{ A, B int }

func TestJSONFormatter(t *testing.T) {
	f := NewJSONFormatter(reflect.TypeOf(args{}), reflect.TypeOf(""))
	assert.Equal(t, 2, f.Inputs())

	body, err := MarshalArgs(args{A: 1, B: 2}, "note")
	require.NoError(t, err)
	params := make([]any, 2)
	require.NoError(t, f.DeserializeRequest(message.New(message.Default, "a", body), params))
	assert.Equal(t, &args{A: 1, B: 2}, params[0])
	assert.Equal(t, "note", *params[1].(*string))

	err = f.DeserializeRequest(message.New(message.Default, "a", []byte(`[1]`)), params)
	var fe *message.FaultError
	require.ErrorAs(t, err, &fe)
	assert.True(t, fe.Fault(message.Default).HasSubCode("InvalidArgument", message.DispatcherNamespace))

	reply, err := f.SerializeReply(message.Legacy, nil, &args{A: 3})
	require.NoError(t, err)
	assert.Equal(t, message.Legacy, reply.Version)
	rb, err := reply.ReadBody()
	require.NoError(t, err)
	var out args
	require.NoError(t, UnmarshalResult(rb, &out))
	assert.Equal(t, 3, out.A)
}

func TestJSONFormatterSingleArgument(t *testing.T) {
	f := NewJSONFormatter(reflect.TypeOf(args{}))
	params := make([]any, 1)
	require.NoError(t, f.DeserializeRequest(message.New(message.Default, "a", []byte(`{"A":5}`)), params))
	assert.Equal(t, &args{A: 5}, params[0])

	require.NoError(t, f.DeserializeRequest(message.New(message.Default, "a", nil), params))
	assert.Equal(t, &args{}, params[0], "an empty body yields zero values")

	err := f.DeserializeRequest(message.New(message.Default, "a", []byte(`{"A":"x"}`)), params)
	var fe *message.FaultError
	assert.ErrorAs(t, err, &fe)
}

type quotaError struct {
	Limit int `json:"limit"`
}

func (e *quotaError) Error() string { return "quota exceeded" }

func TestJSONFaultFormatter(t *testing.T) {
	f := NewJSONFaultFormatter().Declare((*quotaError)(nil), FaultContract{Name: "Quota", Namespace: "urn:billing"})

	fault, ok := f.ProvideFault(&quotaError{Limit: 10}, message.Default)
	require.True(t, ok)
	assert.True(t, fault.IsSenderFault())
	assert.True(t, fault.HasSubCode("Quota", "urn:billing"))
	assert.Equal(t, "quota exceeded", fault.Reason)

	var detail quotaError
	require.NoError(t, FaultDetail(message.ErrorFromFault(fault), &detail))
	assert.Equal(t, 10, detail.Limit)

	_, ok = f.ProvideFault(assert.AnError, message.Default)
	assert.False(t, ok)
}
