package dispatcher

import (
	"context"
	"errors"
	"sync/atomic"
)

const (
	arPending int32 = iota
	arBeginReturned
	arCompletedSync
	arCompletedAsync
)

// AsyncResult tracks one operation invocation that may finish inline or later.
//
// Completion that happens before the dispatcher observes the end of InvokeBegin counts as
// synchronous and never invokes the callback. Any later completion invokes the callback exactly
// once, on the completing goroutine.
type AsyncResult struct {
	callback func(*AsyncResult)

	claimed atomic.Bool
	state   atomic.Int32

	outputs []any
	result  any
	err     error
}

// NewAsyncResult creates a pending result that reports asynchronous completion to callback.
func NewAsyncResult(callback func(*AsyncResult)) *AsyncResult {
	return &AsyncResult{callback: callback}
}

// Complete records the outcome. It returns false if the result was already completed.
func (r *AsyncResult) Complete(outputs []any, result any, err error) bool {
	if !r.claimed.CompareAndSwap(false, true) {
		return false
	}
	r.outputs, r.result, r.err = outputs, result, err
	if r.state.CompareAndSwap(arPending, arCompletedSync) {
		return true
	}
	r.state.Store(arCompletedAsync)
	if r.callback != nil {
		r.callback(r)
	}
	return true
}

// endBegin is called by the dispatcher once InvokeBegin returned. It reports whether the
// operation already completed; if not, completion will arrive through the callback.
func (r *AsyncResult) endBegin() bool {
	if r.state.CompareAndSwap(arPending, arBeginReturned) {
		return false
	}
	return r.state.Load() == arCompletedSync
}

// CompletedSynchronously reports whether the outcome was available when InvokeBegin returned.
func (r *AsyncResult) CompletedSynchronously() bool {
	return r.state.Load() == arCompletedSync
}

// IsCompleted reports whether an outcome has been published.
func (r *AsyncResult) IsCompleted() bool {
	s := r.state.Load()
	return s == arCompletedSync || s == arCompletedAsync
}

// Result returns the recorded outcome.
func (r *AsyncResult) Result() (outputs []any, result any, err error) {
	return r.outputs, r.result, r.err
}

// Invoker runs an operation against a service instance in begin/end form.
type Invoker interface {
	// InvokeBegin starts the call. The returned result must be created with callback.
	InvokeBegin(ctx context.Context, instance any, inputs []any, callback func(*AsyncResult)) *AsyncResult
	// InvokeEnd collects the outcome of a completed result.
	InvokeEnd(instance any, result *AsyncResult) (outputs []any, ret any, err error)
}

// SyncInvoker adapts a blocking function to an Invoker. It always completes synchronously.
type SyncInvoker func(ctx context.Context, instance any, inputs []any) (outputs []any, ret any, err error)

func (f SyncInvoker) InvokeBegin(ctx context.Context, instance any, inputs []any, callback func(*AsyncResult)) *AsyncResult {
	ar := NewAsyncResult(callback)
	outputs, ret, err := f(ctx, instance, inputs)
	ar.Complete(outputs, ret, err)
	return ar
}

func (f SyncInvoker) InvokeEnd(_ any, ar *AsyncResult) ([]any, any, error) {
	return ar.Result()
}

// AsyncInvoker adapts a callback-style function. done may be called inline or from any
// goroutine, once.
type AsyncInvoker func(ctx context.Context, instance any, inputs []any, done func(outputs []any, ret any, err error))

func (f AsyncInvoker) InvokeBegin(ctx context.Context, instance any, inputs []any, callback func(*AsyncResult)) *AsyncResult {
	ar := NewAsyncResult(callback)
	f(ctx, instance, inputs, func(outputs []any, ret any, err error) {
		ar.Complete(outputs, ret, err)
	})
	return ar
}

func (f AsyncInvoker) InvokeEnd(_ any, ar *AsyncResult) ([]any, any, error) {
	return ar.Result()
}

// Outcome is the value delivered by a TaskInvoker.
type Outcome struct {
	Outputs []any
	Result  any
	Err     error
}

var errTaskAbandoned = errors.New("dispatcher: task channel closed without an outcome")

// TaskInvoker adapts a function that returns a channel delivering one Outcome. A value that is
// already buffered when the function returns completes the call synchronously.
type TaskInvoker func(ctx context.Context, instance any, inputs []any) <-chan Outcome

func (f TaskInvoker) InvokeBegin(ctx context.Context, instance any, inputs []any, callback func(*AsyncResult)) *AsyncResult {
	ar := NewAsyncResult(callback)
	ch := f(ctx, instance, inputs)
	select {
	case o, ok := <-ch:
		completeTask(ar, o, ok)
	default:
		go func() {
			o, ok := <-ch
			completeTask(ar, o, ok)
		}()
	}
	return ar
}

func completeTask(ar *AsyncResult, o Outcome, ok bool) {
	if !ok {
		ar.Complete(nil, nil, errTaskAbandoned)
		return
	}
	ar.Complete(o.Outputs, o.Result, o.Err)
}

func (f TaskInvoker) InvokeEnd(_ any, ar *AsyncResult) ([]any, any, error) {
	return ar.Result()
}
