package dispatcher

import (
	"fmt"

	"mini-dispatch/message"
)

// replyAddressing is what a reply needs to find its way back: the request's MessageID and the
// reply and fault destinations. It is captured from the request before the operation runs, since
// the request may be closed by then.
type replyAddressing struct {
	relatesTo string
	replyTo   message.Address
	faultTo   message.Address
	version   message.AddressingVersion

	replyErr error
	faultErr error
}

func captureReplyAddressing(req *message.Message) replyAddressing {
	a := replyAddressing{
		relatesTo: req.Headers.MessageID,
		replyTo:   req.Headers.ReplyTo,
		faultTo:   req.Headers.FaultTo,
		version:   req.Version.Addressing,
	}
	if err := a.replyTo.Validate(); err != nil {
		a.replyErr = fmt.Errorf("%s: reply-to: %w", message.InvalidAddressingFault, err)
	}
	if err := a.faultTo.Validate(); err != nil {
		a.faultErr = fmt.Errorf("%s: fault-to: %w", message.InvalidAddressingFault, err)
	}
	return a
}

// discards reports whether the requester asked for this kind of reply to be thrown away.
func (a replyAddressing) discards(fault bool) bool {
	if fault && !a.faultTo.IsEmpty() {
		return a.faultTo.IsNone()
	}
	return a.replyTo.IsNone()
}

func (a replyAddressing) destination(fault bool) (message.Address, error) {
	if fault && !a.faultTo.IsEmpty() {
		return a.faultTo, a.faultErr
	}
	if a.replyTo.IsEmpty() {
		switch a.version {
		case message.AddressingNone:
			return "", nil
		case message.Addressing200408:
			return message.Anonymous200408Address, nil
		}
		return message.AnonymousAddress, nil
	}
	return a.replyTo, a.replyErr
}

// apply stamps reply with RelatesTo and, for sessionless channels, with an explicit To. A bad
// destination header leaves To unset and is returned; the reply should still be sent.
func (a replyAddressing) apply(reply *message.Message, addressed bool) error {
	if a.relatesTo != "" {
		reply.Headers.RelatesTo = a.relatesTo
	}
	if !addressed {
		return nil
	}
	to, err := a.destination(reply.IsFault())
	if err != nil {
		return err
	}
	reply.Headers.To = to
	return nil
}
