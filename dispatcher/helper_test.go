package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mini-dispatch/channel"
	"mini-dispatch/message"
)

const waitFor = 2 * time.Second

// fakeBinder is an in-memory Binder. Requests are queued with push; replies are recorded.
type fakeBinder struct {
	session bool
	shape   channel.Shape

	queue   chan *message.Message
	closeCh chan struct{}
	abortCh chan struct{}

	closeOnce sync.Once
	abortOnce sync.Once
	closed    atomic.Bool
	aborted   atomic.Bool

	faultClosed atomic.Int32
	ctxClosed   atomic.Int32
	ctxAborted  atomic.Int32
	acks        atomic.Int32

	mu            sync.Mutex
	replies       []*message.Message
	sentOriginals []*message.Message
	replied       chan *message.Message
}

func newFakeBinder(shape channel.Shape, session bool) *fakeBinder {
	return &fakeBinder{
		session: session,
		shape:   shape,
		queue:   make(chan *message.Message, 64),
		closeCh: make(chan struct{}),
		abortCh: make(chan struct{}),
		replied: make(chan *message.Message, 64),
	}
}

func (b *fakeBinder) push(msg *message.Message) { b.queue <- msg }

func (b *fakeBinder) wrap(msg *message.Message) channel.RequestContext {
	var reply channel.ReplyFunc
	if b.shape != channel.ShapeInput {
		reply = b.sendReply
	}
	return channel.NewReplyContext(msg, reply,
		channel.OnClose(func() { b.ctxClosed.Add(1) }),
		channel.OnAbort(func() { b.ctxAborted.Add(1) }))
}

func (b *fakeBinder) sendReply(reply *message.Message, _ time.Duration) error {
	if reply == nil {
		b.acks.Add(1)
		return nil
	}
	sent, err := wireCopy(reply)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.replies = append(b.replies, sent)
	b.sentOriginals = append(b.sentOriginals, reply)
	b.mu.Unlock()
	b.replied <- sent
	return nil
}

// wireCopy is what the peer would decode; the dispatcher keeps ownership of the original.
func wireCopy(m *message.Message) (*message.Message, error) {
	body, err := m.PeekBody()
	if err != nil {
		return nil, err
	}
	out := message.New(m.Version, m.Headers.Action, body)
	out.Headers = m.Headers
	out.Fault = m.Fault
	return out, nil
}

// originals returns the reply messages the dispatcher handed to the binder.
func (b *fakeBinder) originals() []*message.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*message.Message(nil), b.sentOriginals...)
}

func (b *fakeBinder) TryReceive(timeout time.Duration) (channel.RequestContext, bool, error) {
	if b.aborted.Load() {
		return nil, false, channel.ErrAborted
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-b.queue:
		return b.wrap(msg), true, nil
	case <-b.abortCh:
		return nil, false, channel.ErrAborted
	case <-b.closeCh:
		select {
		case msg := <-b.queue:
			return b.wrap(msg), true, nil
		default:
			return nil, true, nil
		}
	case <-timer.C:
		return nil, false, nil
	}
}

func (b *fakeBinder) Abort() {
	b.abortOnce.Do(func() {
		b.aborted.Store(true)
		close(b.abortCh)
	})
}

func (b *fakeBinder) CloseAfterFault(timeout time.Duration) error {
	b.faultClosed.Add(1)
	return b.Close(timeout)
}

func (b *fakeBinder) Close(time.Duration) error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		close(b.closeCh)
	})
	return nil
}

func (b *fakeBinder) HasSession() bool { return b.session }

func (b *fakeBinder) Shape() channel.Shape { return b.shape }

func (b *fakeBinder) replyCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.replies)
}

// nextReply waits for the next recorded reply.
func (b *fakeBinder) nextReply(t *testing.T) *message.Message {
	t.Helper()
	select {
	case r := <-b.replied:
		return r
	case <-time.After(waitFor):
		t.Fatal("no reply")
		return nil
	}
}

// requestsDone reports whether n request contexts were closed or aborted.
func (b *fakeBinder) requestsDone(n int) func() bool {
	return func() bool { return int(b.ctxClosed.Load()+b.ctxAborted.Load()) >= n }
}

// asyncFakeBinder adds suspendable receives: inline when a request is queued, otherwise on a
// goroutine.
type asyncFakeBinder struct {
	*fakeBinder
	inline atomic.Int32
	later  atomic.Int32
}

func (b *asyncFakeBinder) BeginTryReceive(timeout time.Duration, callback func(channel.ReceiveResult)) (channel.ReceiveResult, bool) {
	select {
	case msg := <-b.queue:
		b.inline.Add(1)
		return channel.ReceiveResult{Context: b.wrap(msg), OK: true}, true
	default:
	}
	b.later.Add(1)
	go func() {
		rc, ok, err := b.TryReceive(timeout)
		callback(channel.ReceiveResult{Context: rc, OK: ok, Err: err})
	}()
	return channel.ReceiveResult{}, false
}

// disposable counts Close calls.
type disposable struct {
	closes atomic.Int32
}

func (d *disposable) Close() error {
	d.closes.Add(1)
	return nil
}

// tracker remembers every disposable it hands out.
type tracker struct {
	mu    sync.Mutex
	items []*disposable
}

func (t *tracker) next() *disposable {
	d := &disposable{}
	t.mu.Lock()
	t.items = append(t.items, d)
	t.mu.Unlock()
	return d
}

func (t *tracker) all() []*disposable {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*disposable(nil), t.items...)
}

// trackingFormatter fills every input slot with a fresh disposable and answers with an empty body.
type trackingFormatter struct {
	tr *tracker
}

func (f trackingFormatter) DeserializeRequest(msg *message.Message, params []any) error {
	if _, err := msg.ReadBody(); err != nil {
		return err
	}
	for i := range params {
		params[i] = f.tr.next()
	}
	return nil
}

func (f trackingFormatter) SerializeReply(v message.Version, _ []any, _ any) (*message.Message, error) {
	return message.New(v, "", []byte("ok")), nil
}

type rawFunc func(ctx context.Context, req *message.Message) (*message.Message, error)

func rawOperation(t *testing.T, action string, oneWay bool, fn rawFunc) *Operation {
	t.Helper()
	op, err := NewOperation(OperationConfig{
		Name:     action,
		Action:   action,
		IsOneWay: oneWay,
		Raw:      true,
		Invoker: SyncInvoker(func(ctx context.Context, _ any, inputs []any) ([]any, any, error) {
			reply, err := fn(ctx, inputs[0].(*message.Message))
			if reply == nil {
				return nil, nil, err
			}
			return nil, reply, err
		}),
	})
	require.NoError(t, err)
	return op
}

// echo answers with the request body.
func echo(_ context.Context, req *message.Message) (*message.Message, error) {
	body, err := req.ReadBody()
	if err != nil {
		return nil, err
	}
	return message.New(req.Version, "", body), nil
}

type runtimeOption func(*testing.T, *Runtime)

func withConcurrency(m ConcurrencyMode) runtimeOption {
	return func(t *testing.T, rt *Runtime) { require.NoError(t, rt.SetConcurrencyMode(m)) }
}

func withInstancing(m InstanceMode) runtimeOption {
	return func(t *testing.T, rt *Runtime) { require.NoError(t, rt.SetInstanceMode(m)) }
}

func withSyncContext(sc SyncContext) runtimeOption {
	return func(t *testing.T, rt *Runtime) { require.NoError(t, rt.SetSyncContext(sc)) }
}

func newTestEndpoint(t *testing.T, name string, ops []*Operation, opts ...runtimeOption) *Endpoint {
	t.Helper()
	rt := NewRuntime()
	require.NoError(t, rt.SetInstanceProvider(SharedInstance(name)))
	for _, op := range ops {
		require.NoError(t, rt.AddOperation(op))
	}
	for _, opt := range opts {
		opt(t, rt)
	}
	return NewEndpoint(name, "", rt)
}

// openDispatcher opens a dispatcher serving ep and closes it when the test ends.
func openDispatcher(t *testing.T, ep *Endpoint, opts ...Option) *Dispatcher {
	t.Helper()
	d := New(opts...)
	require.NoError(t, d.AddEndpoint(ep))
	require.NoError(t, d.Open(context.Background()))
	t.Cleanup(func() { d.Abort() })
	return d
}

func request(action, body string) *message.Message {
	return message.NewRequest(message.Default, action, []byte(body))
}

func recoverError(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err, _ = r.(error)
		}
	}()
	fn()
	return nil
}

// recordingHandler is an ErrorHandler that remembers what it saw.
type recordingHandler struct {
	handle bool
	fault  func(err error, v message.Version) *message.Message

	mu   sync.Mutex
	errs []error
}

func (h *recordingHandler) ProvideFault(err error, v message.Version, fault *message.Message) *message.Message {
	if h.fault != nil {
		if f := h.fault(err, v); f != nil {
			return f
		}
	}
	return fault
}

func (h *recordingHandler) HandleError(err error) bool {
	h.mu.Lock()
	h.errs = append(h.errs, err)
	h.mu.Unlock()
	return h.handle
}

func (h *recordingHandler) seen() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.errs...)
}
