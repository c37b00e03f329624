package dispatcher

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mini-dispatch/channel"
)

// channelHandler pumps one binder: it receives requests, binds them to a ServiceChannel and
// starts their dispatch. The gate guarantees a single active receive loop at any time.
type channelHandler struct {
	d        *Dispatcher
	binder   channel.Binder
	receiver *errorHandlingReceiver
	session  bool
	shape    channel.Shape
	async    bool
	limiter  *rate.Limiter
	log      *zap.Logger

	gate ConcurrencyGate

	mu      sync.Mutex
	channel *ServiceChannel // bound session channel; nil until the first request

	// activity counts the pump itself plus every rpc still running; the handler finishes at zero.
	activity atomic.Int64
	stopped  atomic.Bool
	aborted  atomic.Bool
	finished sync.Once
}

func newChannelHandler(d *Dispatcher, b channel.Binder) *channelHandler {
	log := d.log.With(zap.Stringer("shape", b.Shape()), zap.Bool("session", b.HasSession()))
	h := &channelHandler{
		d:       d,
		binder:  b,
		session: b.HasSession(),
		shape:   b.Shape(),
		log:     log,
	}
	h.receiver = newErrorHandlingReceiver(d, b, log)
	h.async = d.cfg.AsyncReceive && h.receiver.async != nil
	if d.cfg.MaxReceiveRate > 0 {
		h.limiter = rate.NewLimiter(rate.Limit(d.cfg.MaxReceiveRate), d.cfg.ReceiveBurst)
	}
	h.activity.Store(1)
	return h
}

func (h *channelHandler) receiveTimeout() time.Duration {
	if h.d.cfg.ReceiveTimeout <= 0 {
		return channel.InfiniteTimeout
	}
	return h.d.cfg.ReceiveTimeout
}

// pump runs the receive loop in the configured flavor.
func (h *channelHandler) pump() {
	if h.async {
		h.asyncPump()
	} else {
		h.syncPump()
	}
}

// ensurePump schedules a new receive loop. A loop that finds the gate taken exits at once.
func (h *channelHandler) ensurePump() {
	if h.stopped.Load() {
		return
	}
	h.d.scheduler.Schedule(h.pump)
}

func (h *channelHandler) tryAcquirePump() bool {
	return !h.stopped.Load() && h.gate.TryAcquire()
}

func (h *channelHandler) syncPump() {
	for h.tryAcquirePump() {
		if h.limiter != nil {
			if err := h.limiter.Wait(h.d.ctx); err != nil {
				h.gate.Release()
				h.stop(false)
				return
			}
		}
		rc, outcome := h.receiver.tryReceive(h.receiveTimeout())
		if !h.handleReceive(rc, outcome) {
			return
		}
	}
}

func (h *channelHandler) asyncPump() {
	for h.tryAcquirePump() {
		if !h.asyncStep() {
			return
		}
	}
}

// asyncStep performs one iteration while holding the gate. It reports whether the caller should
// keep looping; false means the iteration continues elsewhere or the pump is done.
func (h *channelHandler) asyncStep() bool {
	if h.limiter != nil {
		r := h.limiter.Reserve()
		if delay := r.Delay(); delay > 0 {
			time.AfterFunc(delay, func() {
				if h.asyncReceive() {
					h.asyncPump()
				}
			})
			return false
		}
	}
	return h.asyncReceive()
}

func (h *channelHandler) asyncReceive() bool {
	rc, outcome, done := h.receiver.beginTryReceive(h.receiveTimeout(), h.onReceiveComplete)
	if !done {
		return false
	}
	return h.handleReceive(rc, outcome)
}

func (h *channelHandler) onReceiveComplete(rc channel.RequestContext, outcome receiveOutcome) {
	if h.handleReceive(rc, outcome) {
		h.asyncPump()
	}
}

// handleReceive consumes one receive outcome while holding the gate. It reports whether the
// calling loop may go on; in that case the gate has been released.
func (h *channelHandler) handleReceive(rc channel.RequestContext, outcome receiveOutcome) bool {
	switch outcome {
	case received:
		return h.dispatch(rc)
	case timedOut, receiveFailed:
		h.gate.Release()
		return !h.stopped.Load()
	case endOfInput:
		h.gate.Release()
		h.stop(false)
		return false
	default:
		h.gate.Release()
		h.stop(true)
		return false
	}
}

func (h *channelHandler) dispatch(rc channel.RequestContext) bool {
	d := h.d
	d.metrics.observeReceived()
	sc, ok := h.resolveChannel(rc)
	if !ok {
		h.gate.Release()
		return !h.stopped.Load()
	}
	ep := sc.endpoint
	rpc := &dispatchRPC{
		ctx:            d.baseCtx,
		handler:        h,
		channel:        sc,
		endpoint:       ep,
		rc:             rc,
		request:        rc.RequestMessage(),
		started:        time.Now(),
		concurrentPump: ep.runtime.concurrency != ConcurrencySingle || !h.session,
		hasSession:     sc.HasSession(),
		holdsPump:      true,
	}
	rpc.addressing = captureReplyAddressing(rpc.request)
	h.activity.Add(1)
	d.metrics.dispatchStarted()

	if !d.pipeline.run(rpc) {
		return false
	}
	return !rpc.didInvokerEnsurePump && !h.stopped.Load()
}

func (h *channelHandler) rpcDone() {
	h.release()
}

// stop ends the receive loop for good. abort tears the channel down instead of closing it.
func (h *channelHandler) stop(abort bool) {
	if !h.stopped.CompareAndSwap(false, true) {
		return
	}
	if abort {
		h.aborted.Store(true)
	}
	h.log.Debug("pump stopped", zap.Bool("aborted", abort))
	h.release()
}

func (h *channelHandler) release() {
	if h.activity.Add(-1) == 0 {
		h.finish()
	}
}

// finish runs once the pump stopped and the last rpc cleaned up.
func (h *channelHandler) finish() {
	h.finished.Do(func() {
		h.mu.Lock()
		sc := h.channel
		h.mu.Unlock()

		if h.aborted.Load() {
			if sc != nil {
				sc.Abort()
			} else {
				h.binder.Abort()
			}
		} else {
			if sc != nil {
				sc.close()
			}
			if c, ok := h.binder.(channel.Closer); ok {
				if err := c.Close(h.d.cfg.CloseTimeout); err != nil {
					h.d.HandleError(err)
					h.binder.Abort()
				}
			} else {
				h.binder.Abort()
			}
		}
		h.d.channelStopped(h)
	})
}

// close asks the channel to finish gracefully: its receives report end of input, the pump stops
// and in-flight dispatches drain.
func (h *channelHandler) close(timeout time.Duration) error {
	c, ok := h.binder.(channel.Closer)
	if !ok {
		h.abort()
		return nil
	}
	if err := c.Close(timeout); err != nil {
		h.abort()
		return err
	}
	return nil
}

func (h *channelHandler) abort() {
	h.aborted.Store(true)
	h.mu.Lock()
	sc := h.channel
	h.mu.Unlock()
	if sc != nil {
		sc.Abort()
	}
	h.binder.Abort()
}
