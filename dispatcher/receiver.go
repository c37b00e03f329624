package dispatcher

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"mini-dispatch/channel"
)

type receiveOutcome int

const (
	// received: a request is ready to dispatch.
	received receiveOutcome = iota
	// endOfInput: the peer closed the channel gracefully.
	endOfInput
	// timedOut: nothing arrived within the receive timeout.
	timedOut
	// receiveFailed: the receive failed but the channel is usable; try again.
	receiveFailed
	// receiveStopped: the channel is gone; the pump must stop.
	receiveStopped
)

func (o receiveOutcome) String() string {
	switch o {
	case received:
		return "received"
	case endOfInput:
		return "end-of-input"
	case timedOut:
		return "timed-out"
	case receiveFailed:
		return "failed"
	default:
		return "stopped"
	}
}

// errorHandlingReceiver turns every receive error into an outcome so that no single failed
// receive escapes the pump. Each failure is reported to the dispatcher exactly once.
type errorHandlingReceiver struct {
	binder  channel.Binder
	async   channel.AsyncReceiver
	d       *Dispatcher
	log     *zap.Logger
	session bool
}

func newErrorHandlingReceiver(d *Dispatcher, b channel.Binder, log *zap.Logger) *errorHandlingReceiver {
	r := &errorHandlingReceiver{binder: b, d: d, log: log, session: b.HasSession()}
	if ar, ok := b.(channel.AsyncReceiver); ok {
		r.async = ar
	}
	return r
}

func (r *errorHandlingReceiver) tryReceive(timeout time.Duration) (channel.RequestContext, receiveOutcome) {
	rc, ok, err := r.binder.TryReceive(timeout)
	return r.classify(rc, ok, err)
}

// beginTryReceive starts an asynchronous receive. done reports inline completion, in which case
// callback is not called.
func (r *errorHandlingReceiver) beginTryReceive(timeout time.Duration,
	callback func(channel.RequestContext, receiveOutcome)) (channel.RequestContext, receiveOutcome, bool) {
	res, done := r.async.BeginTryReceive(timeout, func(res channel.ReceiveResult) {
		callback(r.classify(res.Context, res.OK, res.Err))
	})
	if !done {
		return nil, 0, false
	}
	rc, outcome := r.classify(res.Context, res.OK, res.Err)
	return rc, outcome, true
}

func (r *errorHandlingReceiver) classify(rc channel.RequestContext, ok bool, err error) (channel.RequestContext, receiveOutcome) {
	if err == nil {
		switch {
		case !ok:
			return nil, timedOut
		case rc == nil:
			return nil, endOfInput
		default:
			return rc, received
		}
	}
	if rc != nil {
		rc.Abort()
	}
	if IsFatal(err) {
		r.log.Error("fatal error while receiving", zap.Error(err))
		panic(err)
	}

	switch {
	case errors.Is(err, channel.ErrAborted), errors.Is(err, channel.ErrClosed):
		r.d.metrics.observeReceiveError("stopped")
		r.log.Debug("channel went away while receiving", zap.Error(err))
		return nil, receiveStopped
	case errors.Is(err, channel.ErrFaulted):
		r.d.metrics.observeReceiveError("faulted")
		r.d.HandleError(err)
		return nil, receiveStopped
	case errors.Is(err, channel.ErrTimeout), channel.IsCommunication(err):
		r.d.metrics.observeReceiveError("communication")
		r.d.HandleError(err)
		return nil, receiveFailed
	}

	r.d.metrics.observeReceiveError("other")
	if r.d.HandleError(err) || !r.session {
		return nil, receiveFailed
	}
	r.log.Warn("aborting session after unhandled receive error", zap.Error(err))
	r.binder.Abort()
	return nil, receiveStopped
}
