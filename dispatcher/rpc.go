package dispatcher

import (
	"context"
	"sync/atomic"
	"time"

	"mini-dispatch/channel"
	"mini-dispatch/message"
)

type stage int

const (
	stageStart stage = iota
	stageAddressAndSession
	stageConcurrencyLock
	stageAffinityPre
	stageInstance
	stageInvokeBegin
	stageAffinityPost
	stageInvokeEnd
	stageFault
	stageReplyPrepare
	stageReplySend
	stageCleanup
	stageDone
)

var stageNames = [...]string{
	"start", "address-and-session", "concurrency-lock", "affinity-pre", "instance",
	"invoke-begin", "affinity-post", "invoke-end", "fault", "reply-prepare", "reply-send",
	"cleanup", "done",
}

func (s stage) String() string {
	if s >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return "unknown"
}

// dispatchRPC is the state of one request on its way through the pipeline. Exactly one goroutine
// owns it at a time; ownership moves to whoever resumes its Continuation.
type dispatchRPC struct {
	ctx      context.Context
	handler  *channelHandler
	channel  *ServiceChannel
	endpoint *Endpoint
	rc       channel.RequestContext
	request  *message.Message
	op       *Operation
	started  time.Time

	// Captured when the dispatch starts; the handler may change state while the rpc runs.
	concurrentPump bool
	hasSession     bool

	instanceCtx      *InstanceContext
	ownsInstanceCtx  bool
	instance         any
	inputs, outputs  []any
	result           any
	asyncResult      *AsyncResult
	invokedAsync     bool
	reply            *message.Message
	addressing       replyAddressing
	paramCorrelation []any
	msgCorrelation   []any

	next       stage
	err        error
	errStage   stage
	fault      faultInfo
	faultReady bool

	holdsPump            bool
	holdsInstanceLock    bool
	didInvokerEnsurePump bool
	resumedAsync         bool
	replySent            bool
	cannotReply          bool
	abortRequest         bool
	abortSession         bool

	cleanedUp atomic.Bool
}

// fail records err and routes the rpc to fault processing, or straight to cleanup when the
// failure happened after faults were produced. Later errors never overwrite the first.
func (rpc *dispatchRPC) fail(err error) {
	if err == nil {
		return
	}
	current := rpc.next - 1
	if rpc.err == nil && !rpc.faultReady {
		rpc.err, rpc.errStage = err, current
		if rpc.next <= stageFault {
			rpc.next = stageFault
			return
		}
	}
	rpc.handler.d.lateError(rpc, err)
	if rpc.next < stageCleanup {
		rpc.next = stageCleanup
	}
}

func (rpc *dispatchRPC) action() string {
	if rpc.op != nil && !rpc.op.unhandled {
		return rpc.op.action
	}
	return "unhandled"
}

// Continuation resumes a paused dispatch. It may be resumed once; the dispatcher panics with a
// ConfigurationError wrapping ErrMultipleCallbacks on any further attempt.
type Continuation struct {
	rpc      *dispatchRPC
	pipeline *pipeline
	done     atomic.Bool
}

// Resume continues the dispatch on the calling goroutine.
func (c *Continuation) Resume() {
	c.resume(nil)
}

// resume claims the continuation, lets prep adjust the rpc as its new owner, and runs the
// remaining stages.
func (c *Continuation) resume(prep func()) {
	if !c.done.CompareAndSwap(false, true) {
		panic(configError("resume", ErrMultipleCallbacks))
	}
	c.rpc.resumedAsync = true
	if prep != nil {
		prep()
	}
	c.pipeline.run(c.rpc)
}

// cancel claims the continuation without running it. It reports false if it was already claimed.
func (c *Continuation) cancel() bool {
	return c.done.CompareAndSwap(false, true)
}

// OperationContext describes the dispatch an operation runs in.
type OperationContext struct {
	Request         *message.Message
	Action          string
	SessionID       string
	HasSession      bool
	Endpoint        string
	InstanceContext *InstanceContext
}

type opContextKey struct{}

// OperationContextFrom returns the operation context stored in ctx by the dispatcher.
func OperationContextFrom(ctx context.Context) (*OperationContext, bool) {
	oc, ok := ctx.Value(opContextKey{}).(*OperationContext)
	return oc, ok
}

func withOperationContext(ctx context.Context, oc *OperationContext) context.Context {
	return context.WithValue(ctx, opContextKey{}, oc)
}
