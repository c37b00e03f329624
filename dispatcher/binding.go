package dispatcher

import (
	"errors"

	"go.uber.org/zap"

	"mini-dispatch/channel"
	"mini-dispatch/message"
)

// resolveChannel finds the ServiceChannel rc belongs to. Sessions bind to an endpoint on their
// first request and keep that binding; datagram requests are matched one by one and share the
// endpoint's datagram channel. When no endpoint accepts the request it is answered or dropped
// here and ok is false.
func (h *channelHandler) resolveChannel(rc channel.RequestContext) (sc *ServiceChannel, ok bool) {
	req := rc.RequestMessage()
	var err error
	if h.session {
		sc, err = h.bindSession(req)
	} else {
		var ep *Endpoint
		if ep, err = h.d.endpoints.Match(req); err == nil {
			sc = ep.datagramChannel(h.d)
		}
	}
	if err != nil {
		h.reject(rc, err)
		return nil, false
	}
	return sc, true
}

func (h *channelHandler) bindSession(req *message.Message) (*ServiceChannel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channel != nil {
		return h.channel, nil
	}
	ep, err := h.d.endpoints.Match(req)
	if err != nil {
		return nil, err
	}
	h.channel = newServiceChannel(h.d, ep, h.binder)
	h.log.Debug("session bound", zap.String("session", h.channel.id), zap.String("endpoint", ep.Name))
	return h.channel, nil
}

// reject answers a request no endpoint accepts with DestinationUnreachable or
// ActionNotSupported. If the reply cannot be addressed the request is dropped.
func (h *channelHandler) reject(rc channel.RequestContext, err error) {
	d := h.d
	req := rc.RequestMessage()
	defer req.Close()

	d.HandleError(err)
	var fault *message.Fault
	var nf *EndpointNotFoundError
	if errors.As(err, &nf) {
		fault = nf.Fault(req.Version)
	} else {
		fault = message.NewInternalServiceFault(req.Version, genericFaultReason, "")
	}

	addressing := captureReplyAddressing(req)
	unaddressable := h.shape == channel.ShapeInput ||
		addressing.discards(true) ||
		(h.shape == channel.ShapeDuplex && !h.session && req.Headers.MessageID == "")
	fields := []zap.Field{
		zap.String("action", req.Headers.Action),
		zap.String("to", string(req.Headers.To)),
		zap.Error(err),
	}
	if unaddressable {
		d.log.Warn("dropping message no endpoint accepts", fields...)
		d.metrics.observeUnroutable("dropped")
		if cerr := rc.Close(d.cfg.CloseTimeout); cerr != nil {
			d.HandleError(cerr)
		}
		return
	}

	reply := message.CreateFaultMessage(req.Version, fault)
	defer reply.Close()
	if aerr := addressing.apply(reply, !h.session); aerr != nil {
		d.log.Warn("sending fault without destination", zap.Error(aerr))
	}
	d.metrics.observeFault(fault.SubCodeName())
	if serr := rc.Reply(reply, d.cfg.SendTimeout); serr != nil {
		d.HandleError(serr)
		rc.Abort()
		return
	}
	d.metrics.observeUnroutable("fault")
	d.log.Debug("rejected message no endpoint accepts", fields...)
	if cerr := rc.Close(d.cfg.CloseTimeout); cerr != nil {
		d.HandleError(cerr)
	}
}
