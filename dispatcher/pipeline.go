package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"time"

	"go.uber.org/zap"

	"mini-dispatch/channel"
	"mini-dispatch/message"
)

var errNoAsyncResult = errors.New("dispatcher: invoker returned no async result")

// pipeline drives dispatchRPCs through the stages. A stage returns false when it handed the rpc
// to a Continuation; the calling goroutine must then stop touching it.
type pipeline struct {
	d *Dispatcher

	// beforeStage, when set, can fail the rpc in front of any stage but cleanup.
	beforeStage func(stage) error
}

// run executes stages from rpc.next until the rpc completes or pauses. It reports whether the
// rpc completed on this call.
func (p *pipeline) run(rpc *dispatchRPC) bool {
	for rpc.next != stageDone {
		s := rpc.next
		rpc.next = s + 1
		if p.beforeStage != nil && s != stageCleanup {
			if err := p.beforeStage(s); err != nil {
				rpc.fail(err)
				continue
			}
		}
		if !p.exec(rpc, s) {
			return false
		}
	}
	return true
}

func (p *pipeline) exec(rpc *dispatchRPC, s stage) bool {
	switch s {
	case stageStart:
		return p.start(rpc)
	case stageAddressAndSession:
		return p.addressAndSession(rpc)
	case stageConcurrencyLock:
		return p.concurrencyLock(rpc)
	case stageAffinityPre:
		return p.affinity(rpc, false)
	case stageInstance:
		return p.instance(rpc)
	case stageInvokeBegin:
		return p.invokeBegin(rpc)
	case stageAffinityPost:
		return p.affinity(rpc, true)
	case stageInvokeEnd:
		return p.invokeEnd(rpc)
	case stageFault:
		return p.fault(rpc)
	case stageReplyPrepare:
		return p.replyPrepare(rpc)
	case stageReplySend:
		return p.replySend(rpc)
	case stageCleanup:
		return p.cleanup(rpc)
	}
	return true
}

func (p *pipeline) newContinuation(rpc *dispatchRPC) *Continuation {
	return &Continuation{rpc: rpc, pipeline: p}
}

func (p *pipeline) fields(rpc *dispatchRPC, extra ...zap.Field) []zap.Field {
	fs := []zap.Field{
		zap.String("action", rpc.request.Headers.Action),
		zap.String("message_id", rpc.request.Headers.MessageID),
		zap.String("endpoint", rpc.endpoint.Name),
	}
	if rpc.hasSession {
		fs = append(fs, zap.String("session", rpc.channel.id))
	}
	return append(fs, extra...)
}

func (p *pipeline) start(rpc *dispatchRPC) bool {
	rt := rpc.endpoint.runtime
	rpc.op = rt.demux.Lookup(rpc.request.Headers.Action)
	for _, in := range rt.inspectors {
		corr, err := in.AfterReceiveRequest(rpc.request)
		if err != nil {
			rpc.fail(err)
			return true
		}
		rpc.msgCorrelation = append(rpc.msgCorrelation, corr)
	}

	if rpc.op.unhandled && (p.d.cfg.SuppressUnhandledFaults || rpc.handler.shape == channel.ShapeInput) {
		p.d.log.Warn("dropping request for unknown action", p.fields(rpc)...)
		rpc.cannotReply = true
		rpc.next = stageCleanup
		return true
	}
	if rpc.op.oneWay {
		// The transport acknowledges now; nothing else travels back.
		rpc.cannotReply = true
		if err := rpc.rc.Reply(nil, p.d.cfg.SendTimeout); err != nil {
			p.d.HandleError(err)
		}
	}
	return true
}

func (p *pipeline) addressAndSession(rpc *dispatchRPC) bool {
	rt := rpc.endpoint.runtime
	if !rpc.cannotReply {
		var err error
		switch {
		case rpc.handler.shape == channel.ShapeInput:
			err = ErrNoReplyChannel
		case rpc.handler.shape == channel.ShapeDuplex && !rpc.hasSession && rpc.request.Headers.MessageID == "":
			err = ErrNoCorrelation
		}
		if err != nil {
			rpc.cannotReply = true
			rpc.fail(&channel.CommunicationError{Op: "dispatch " + rpc.op.name, Err: err})
			return true
		}
	}
	if missing := rt.notUnderstood(rpc.request); len(missing) > 0 {
		rpc.fail(message.ErrorFromFault(message.NewMustUnderstandFault(rpc.request.Version, missing)))
		return true
	}

	ic, owned := rpc.channel.instanceContext()
	rpc.instanceCtx, rpc.ownsInstanceCtx = ic, owned
	ic.beginOperation()
	return true
}

func (p *pipeline) concurrencyLock(rpc *dispatchRPC) bool {
	if rpc.endpoint.runtime.concurrency == ConcurrencyMultiple {
		return true
	}
	cont := p.newContinuation(rpc)
	acquired, err := rpc.instanceCtx.lock(rpc, cont)
	if err != nil || acquired {
		cont.cancel()
		rpc.holdsInstanceLock = acquired
		rpc.fail(err)
		return true
	}
	return false
}

// affinity moves the rpc onto the runtime's SyncContext. After the invocation it only does so
// when the invocation completed on some other goroutine.
func (p *pipeline) affinity(rpc *dispatchRPC, post bool) bool {
	sc := rpc.endpoint.runtime.syncCtx
	if sc == nil || (post && !rpc.invokedAsync) {
		return true
	}
	cont := p.newContinuation(rpc)
	if err := sc.Post(cont.Resume); err != nil && cont.cancel() {
		rpc.fail(err)
		return true
	}
	return false
}

func (p *pipeline) instance(rpc *dispatchRPC) bool {
	p.releasePump(rpc)
	if rpc.op.unhandled {
		return true
	}
	inst, err := rpc.instanceCtx.getInstance(rpc.request)
	if err != nil {
		rpc.fail(err)
		return true
	}
	rpc.instance = inst
	return true
}

// releasePump hands the receive loop back to the channel once the rpc no longer depends on
// handler state. Only concurrent handlers release early; the others keep the gate until cleanup.
func (p *pipeline) releasePump(rpc *dispatchRPC) {
	if !rpc.holdsPump || !rpc.concurrentPump {
		return
	}
	rpc.holdsPump = false
	rpc.handler.gate.Release()
	rpc.handler.ensurePump()
	rpc.didInvokerEnsurePump = true
}

func (p *pipeline) invokeBegin(rpc *dispatchRPC) bool {
	op := rpc.op
	if op.raw {
		rpc.inputs = []any{rpc.request}
	} else {
		rpc.inputs = make([]any, op.inputs)
		if err := op.formatter.DeserializeRequest(rpc.request, rpc.inputs); err != nil {
			rpc.fail(err)
			return true
		}
	}
	for _, in := range op.inspectors {
		corr, err := in.BeforeCall(op.name, rpc.inputs)
		if err != nil {
			rpc.fail(err)
			return true
		}
		rpc.paramCorrelation = append(rpc.paramCorrelation, corr)
	}

	ctx := withOperationContext(rpc.ctx, &OperationContext{
		Request:         rpc.request,
		Action:          rpc.request.Headers.Action,
		SessionID:       rpc.channel.id,
		HasSession:      rpc.hasSession,
		Endpoint:        rpc.endpoint.Name,
		InstanceContext: rpc.instanceCtx,
	})
	cont := p.newContinuation(rpc)
	ic := rpc.instanceCtx
	reentrant := rpc.endpoint.runtime.concurrency == ConcurrencyReentrant && rpc.holdsInstanceLock

	ar, err := beginInvoke(ctx, op, rpc.instance, rpc.inputs, func(*AsyncResult) {
		cont.resume(func() { rpc.invokedAsync = true })
	})
	if err != nil {
		cont.cancel()
		rpc.fail(err)
		return true
	}
	rpc.asyncResult = ar
	if ar.endBegin() {
		cont.cancel()
		return true
	}
	// Suspended. From here on the rpc belongs to whoever completes ar.
	if reentrant {
		ic.unlock(rpc)
	}
	return false
}

func beginInvoke(ctx context.Context, op *Operation, instance any, inputs []any,
	callback func(*AsyncResult)) (ar *AsyncResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recoveredError(r)
		}
	}()
	ar = op.invoker.InvokeBegin(ctx, instance, inputs, callback)
	if ar == nil {
		return nil, configError("invoke "+op.name, errNoAsyncResult)
	}
	return ar, nil
}

// recoveredError converts a recovered panic into an error. Fatal errors keep panicking.
func recoveredError(r any) error {
	if err, ok := r.(error); ok {
		if IsFatal(err) {
			panic(r)
		}
		return fmt.Errorf("dispatcher: recovered panic: %w", err)
	}
	return fmt.Errorf("dispatcher: recovered panic: %v", r)
}

func (p *pipeline) invokeEnd(rpc *dispatchRPC) bool {
	op := rpc.op
	outputs, result, err := op.invoker.InvokeEnd(rpc.instance, rpc.asyncResult)
	rpc.outputs, rpc.result = outputs, result
	if err != nil {
		rpc.fail(err)
		return true
	}
	for i := len(rpc.paramCorrelation) - 1; i >= 0; i-- {
		if err := op.inspectors[i].AfterCall(op.name, outputs, result, rpc.paramCorrelation[i]); err != nil {
			rpc.fail(err)
			return true
		}
	}
	if op.oneWay || rpc.cannotReply {
		return true
	}

	var reply *message.Message
	if op.raw {
		reply, _ = result.(*message.Message)
		if reply == nil {
			rpc.fail(configError("invoke "+op.name, errors.New("raw operation returned no reply message")))
			return true
		}
	} else {
		reply, err = op.formatter.SerializeReply(rpc.request.Version, outputs, result)
		if err != nil {
			rpc.fail(err)
			return true
		}
	}
	if reply.Headers.Action == "" {
		reply.Headers.Action = op.replyAction
	}
	rpc.reply = reply
	return true
}

func (p *pipeline) fault(rpc *dispatchRPC) bool {
	if rpc.err == nil {
		return true
	}
	fi := p.d.policy.process(rpc.err, rpc.op, rpc.request.Version, p.d.HandleError)
	rpc.fault, rpc.faultReady = fi, true
	if fi.mustAbortSession(rpc.hasSession) {
		rpc.abortSession = true
		rpc.abortRequest = true
	}
	if fi.fault != nil && fi.fault.Fault != nil {
		p.d.metrics.observeFault(fi.fault.Fault.SubCodeName())
	}
	p.d.log.Debug("dispatch failed", p.fields(rpc,
		zap.Stringer("stage", rpc.errStage),
		zap.Bool("handled", fi.handled),
		zap.Bool("abort_session", rpc.abortSession),
		zap.Error(rpc.err))...)
	return true
}

func (p *pipeline) replyPrepare(rpc *dispatchRPC) bool {
	if rpc.faultReady && rpc.fault.fault != nil {
		if rpc.reply != nil {
			rpc.reply.Close()
		}
		rpc.reply = rpc.fault.fault
	}
	if rpc.reply == nil || rpc.op == nil || rpc.op.oneWay || rpc.cannotReply {
		return true
	}
	if rpc.addressing.discards(rpc.reply.IsFault()) {
		p.d.log.Debug("requester discards replies", p.fields(rpc)...)
		rpc.cannotReply = true
		return true
	}
	if err := rpc.addressing.apply(rpc.reply, !rpc.hasSession); err != nil {
		p.d.log.Warn("sending reply without destination", p.fields(rpc, zap.Error(err))...)
		p.d.HandleError(err)
	}
	rt := rpc.endpoint.runtime
	for i := len(rpc.msgCorrelation) - 1; i >= 0; i-- {
		if err := rt.inspectors[i].BeforeSendReply(rpc.reply, rpc.msgCorrelation[i]); err != nil {
			rpc.fail(err)
			return true
		}
	}
	return true
}

func (p *pipeline) replySend(rpc *dispatchRPC) bool {
	if rpc.reply == nil || rpc.op == nil || rpc.op.oneWay || rpc.cannotReply {
		return true
	}
	reply, rc, timeout := rpc.reply, rpc.rc, p.d.cfg.SendTimeout
	if !p.d.cfg.AsyncReplySend {
		p.afterSend(rpc, rc.Reply(reply, timeout))
		return true
	}
	cont := p.newContinuation(rpc)
	p.d.scheduler.Schedule(func() {
		err := rc.Reply(reply, timeout)
		cont.resume(func() { p.afterSend(rpc, err) })
	})
	return false
}

func (p *pipeline) afterSend(rpc *dispatchRPC, err error) {
	if err != nil {
		rpc.abortRequest = true
		rpc.fail(err)
		return
	}
	rpc.replySent = true
}

func (p *pipeline) cleanup(rpc *dispatchRPC) bool {
	if !rpc.cleanedUp.CompareAndSwap(false, true) {
		return true
	}
	d := p.d
	step := func(name string, fn func() error) {
		defer func() {
			if r := recover(); r != nil {
				d.HandleError(stepError(name, recoveredError(r)))
			}
		}()
		if err := fn(); err != nil {
			d.HandleError(stepError(name, err))
		}
	}

	step("request context", func() error {
		if rpc.abortRequest {
			rpc.rc.Abort()
			return nil
		}
		return rpc.rc.Close(d.cfg.CloseTimeout)
	})
	step("parameters", func() error {
		if rpc.op == nil || rpc.op.keepParameters {
			return nil
		}
		outputs, result := rpc.outputs, rpc.result
		if ar := rpc.asyncResult; ar != nil && outputs == nil && result == nil && ar.IsCompleted() {
			// The call finished but its outcome was never collected.
			outputs, result, _ = ar.Result()
		}
		return disposeParameters(rpc.inputs, outputs, result)
	})
	step("reply", func() error {
		if rpc.reply != nil {
			rpc.reply.Close()
		}
		if m := resultMessage(rpc); m != nil {
			m.Close()
		}
		return nil
	})
	step("fault", func() error {
		if f := rpc.fault.fault; f != nil && !f.IsClosed() {
			f.Close()
		}
		return nil
	})
	step("request", func() error {
		rpc.request.Close()
		return nil
	})
	step("instance", func() error {
		ic := rpc.instanceCtx
		if ic == nil {
			return nil
		}
		ic.operationCompleted()
		if rpc.holdsInstanceLock {
			rpc.holdsInstanceLock = false
			ic.unlock(rpc)
		}
		if rpc.ownsInstanceCtx {
			ic.Close()
		}
		return nil
	})
	step("session", func() error {
		if !rpc.abortSession || rpc.channel == nil {
			return nil
		}
		if rpc.replySent {
			return rpc.channel.closeAfterFault(d.cfg.FaultCloseTimeout)
		}
		d.log.Warn("aborting session after unhandled error", p.fields(rpc)...)
		rpc.channel.Abort()
		return nil
	})
	step("pump", func() error {
		if !rpc.holdsPump {
			return nil
		}
		rpc.holdsPump = false
		rpc.handler.gate.Release()
		if rpc.resumedAsync {
			rpc.handler.ensurePump()
		}
		return nil
	})

	d.metrics.dispatchDone(rpc.action(), rpc.outcome(), time.Since(rpc.started))
	rpc.handler.rpcDone()
	return true
}

func (rpc *dispatchRPC) outcome() string {
	switch {
	case rpc.err == nil && !rpc.cannotReply:
		return "ok"
	case rpc.err == nil:
		return "no-reply"
	case rpc.replySent:
		return "fault"
	default:
		return "error"
	}
}

// disposeParameters closes every io.Closer among the parameters once, even when the same value
// appears in several slots.
// resultMessage returns the message an operation returned, collected or not.
func resultMessage(rpc *dispatchRPC) *message.Message {
	if m, ok := rpc.result.(*message.Message); ok && m != nil {
		return m
	}
	if ar := rpc.asyncResult; ar != nil && rpc.result == nil && ar.IsCompleted() {
		_, result, _ := ar.Result()
		if m, ok := result.(*message.Message); ok && m != nil {
			return m
		}
	}
	return nil
}

func disposeParameters(inputs, outputs []any, result any) error {
	var (
		seen []io.Closer
		errs []error
	)
	visit := func(v any) {
		c, ok := v.(io.Closer)
		if !ok || isNilPointer(c) {
			return
		}
		for _, s := range seen {
			if sameValue(s, c) {
				return
			}
		}
		seen = append(seen, c)
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, v := range inputs {
		visit(v)
	}
	for _, v := range outputs {
		visit(v)
	}
	visit(result)
	return errors.Join(errs...)
}

func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

func sameValue(a, b any) bool {
	ta := reflect.TypeOf(a)
	return ta == reflect.TypeOf(b) && ta.Comparable() && a == b
}
