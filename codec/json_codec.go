package codec

import (
	"encoding/json"
	"fmt"

	"mini-dispatch/message"
)

// JSONCodec writes messages as JSON documents. Readable and easy to debug; larger than the
// binary layout because field names are repeated in every message.
type JSONCodec struct{}

type jsonMessage struct {
	Envelope       message.EnvelopeVersion   `json:"env"`
	Addressing     message.AddressingVersion `json:"addr"`
	Action         string                    `json:"action,omitempty"`
	MessageID      string                    `json:"id,omitempty"`
	RelatesTo      string                    `json:"relatesTo,omitempty"`
	To             message.Address           `json:"to,omitempty"`
	ReplyTo        message.Address           `json:"replyTo,omitempty"`
	FaultTo        message.Address           `json:"faultTo,omitempty"`
	From           message.Address           `json:"from,omitempty"`
	MustUnderstand []string                  `json:"mustUnderstand,omitempty"`
	Extra          map[string]string         `json:"headers,omitempty"`
	Fault          *message.Fault            `json:"fault,omitempty"`
	Body           []byte                    `json:"body,omitempty"`
}

func (JSONCodec) Encode(msg *message.Message) ([]byte, error) {
	body, err := msg.PeekBody()
	if err != nil {
		return nil, err
	}
	h := msg.Headers
	return json.Marshal(jsonMessage{
		Envelope:       msg.Version.Envelope,
		Addressing:     msg.Version.Addressing,
		Action:         h.Action,
		MessageID:      h.MessageID,
		RelatesTo:      h.RelatesTo,
		To:             h.To,
		ReplyTo:        h.ReplyTo,
		FaultTo:        h.FaultTo,
		From:           h.From,
		MustUnderstand: h.MustUnderstand,
		Extra:          h.Extra,
		Fault:          msg.Fault,
		Body:           body,
	})
}

func (JSONCodec) Decode(data []byte) (*message.Message, error) {
	var jm jsonMessage
	if err := json.Unmarshal(data, &jm); err != nil {
		return nil, fmt.Errorf("codec: json: %w", err)
	}
	msg := message.New(message.Version{Envelope: jm.Envelope, Addressing: jm.Addressing}, jm.Action, jm.Body)
	msg.Headers.MessageID = jm.MessageID
	msg.Headers.RelatesTo = jm.RelatesTo
	msg.Headers.To = jm.To
	msg.Headers.ReplyTo = jm.ReplyTo
	msg.Headers.FaultTo = jm.FaultTo
	msg.Headers.From = jm.From
	msg.Headers.MustUnderstand = jm.MustUnderstand
	msg.Headers.Extra = jm.Extra
	msg.Fault = jm.Fault
	return msg, nil
}

func (JSONCodec) Type() Type {
	return TypeJSON
}
