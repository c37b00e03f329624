package transport

import (
	"sync"
	"time"

	"mini-dispatch/channel"
)

// inbox queues receive results between a producer (a reader goroutine or a client call) and the
// dispatcher's pump. After end, queued results are still delivered before end of input is
// reported. After abort, nothing is.
type inbox struct {
	items   chan channel.ReceiveResult
	ended   chan struct{}
	aborted chan struct{}

	endOnce   sync.Once
	abortOnce sync.Once
	endErr    error
}

func newInbox(size int) *inbox {
	return &inbox{
		items:   make(chan channel.ReceiveResult, size),
		ended:   make(chan struct{}),
		aborted: make(chan struct{}),
	}
}

// push queues r, blocking while the inbox is full.
func (q *inbox) push(r channel.ReceiveResult) error {
	select {
	case <-q.aborted:
		return channel.ErrAborted
	case <-q.ended:
		return channel.ErrClosed
	default:
	}
	select {
	case q.items <- r:
		return nil
	case <-q.aborted:
		return channel.ErrAborted
	case <-q.ended:
		return channel.ErrClosed
	}
}

// end stops accepting input. A nil err reports end of input once the queue drains; otherwise
// err is returned to every later receive.
func (q *inbox) end(err error) {
	q.endOnce.Do(func() {
		q.endErr = err
		close(q.ended)
	})
}

func (q *inbox) abort() {
	q.abortOnce.Do(func() {
		close(q.aborted)
		for {
			select {
			case r := <-q.items:
				if r.Context != nil {
					r.Context.Abort()
				}
			default:
				return
			}
		}
	})
}

func (q *inbox) next() (channel.ReceiveResult, bool) {
	select {
	case r := <-q.items:
		return r, true
	default:
		return channel.ReceiveResult{}, false
	}
}

func (q *inbox) receive(timeout time.Duration) channel.ReceiveResult {
	select {
	case <-q.aborted:
		return channel.ReceiveResult{Err: channel.ErrAborted}
	default:
	}
	if r, ok := q.next(); ok {
		return r
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-q.items:
		return r
	case <-q.aborted:
		return channel.ReceiveResult{Err: channel.ErrAborted}
	case <-q.ended:
		if r, ok := q.next(); ok {
			return r
		}
		if q.endErr != nil {
			return channel.ReceiveResult{Err: q.endErr}
		}
		return channel.ReceiveResult{OK: true}
	case <-timer.C:
		return channel.ReceiveResult{}
	}
}

func (q *inbox) tryReceive(timeout time.Duration) (channel.RequestContext, bool, error) {
	r := q.receive(timeout)
	return r.Context, r.OK, r.Err
}

// beginTryReceive completes inline when a result is already queued and otherwise waits on a
// new goroutine.
func (q *inbox) beginTryReceive(timeout time.Duration, callback func(channel.ReceiveResult)) (channel.ReceiveResult, bool) {
	if r, ok := q.next(); ok {
		return r, true
	}
	go func() {
		callback(q.receive(timeout))
	}()
	return channel.ReceiveResult{}, false
}
