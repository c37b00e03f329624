package dispatcher

import (
	"errors"
	"sync"
)

// Scheduler runs continuations: re-armed pumps, resumed dispatches and asynchronous reply sends.
type Scheduler interface {
	Schedule(fn func())
}

// SchedulerFunc adapts a function to a Scheduler.
type SchedulerFunc func(fn func())

func (f SchedulerFunc) Schedule(fn func()) { f(fn) }

// GoScheduler starts a goroutine per continuation.
var GoScheduler Scheduler = SchedulerFunc(func(fn func()) { go fn() })

// SyncContext marshals pipeline stages onto a specific goroutine. When a runtime has one, the
// instance stage and the post-invoke stages run inside Post.
type SyncContext interface {
	Post(fn func()) error
}

// ErrExecutorClosed is returned by ExecutorContext.Post after Close.
var ErrExecutorClosed = errors.New("dispatcher: executor closed")

// ExecutorContext is a SyncContext backed by one goroutine draining a queue in order.
type ExecutorContext struct {
	mu     sync.Mutex
	queue  chan func()
	closed bool
	done   chan struct{}
}

// NewExecutorContext starts the executor goroutine. backlog bounds queued work; Post blocks when
// the queue is full.
func NewExecutorContext(backlog int) *ExecutorContext {
	e := &ExecutorContext{queue: make(chan func(), backlog), done: make(chan struct{})}
	go e.loop()
	return e
}

func (e *ExecutorContext) loop() {
	defer close(e.done)
	for fn := range e.queue {
		fn()
	}
}

func (e *ExecutorContext) Post(fn func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrExecutorClosed
	}
	e.queue <- fn
	return nil
}

// Close stops accepting work and waits for queued work to finish.
func (e *ExecutorContext) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()
	<-e.done
}
