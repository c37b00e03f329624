package dispatcher

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mini-dispatch/channel"
	"mini-dispatch/message"
)

// scriptedBinder returns one canned receive result.
type scriptedBinder struct {
	*fakeBinder
	rc  channel.RequestContext
	ok  bool
	err error
}

func (b *scriptedBinder) TryReceive(time.Duration) (channel.RequestContext, bool, error) {
	return b.rc, b.ok, b.err
}

func TestReceiverClassification(t *testing.T) {
	tests := []struct {
		name     string
		session  bool
		handled  bool
		ok       bool
		withRC   bool
		err      error
		want     receiveOutcome
		reported bool
		aborted  bool
	}{
		{name: "request", ok: true, withRC: true, want: received},
		{name: "timeout", want: timedOut},
		{name: "end of input", ok: true, want: endOfInput},
		{name: "aborted", err: channel.ErrAborted, want: receiveStopped},
		{name: "closed", err: channel.ErrClosed, want: receiveStopped},
		{name: "faulted", err: channel.ErrFaulted, want: receiveStopped, reported: true},
		{name: "receive timeout error", err: channel.ErrTimeout, want: receiveFailed, reported: true},
		{name: "communication", err: &channel.CommunicationError{Op: "read", Err: errors.New("reset")},
			want: receiveFailed, reported: true},
		{name: "other on datagram", err: errors.New("odd"), want: receiveFailed, reported: true},
		{name: "other on session", session: true, err: errors.New("odd"), want: receiveStopped,
			reported: true, aborted: true},
		{name: "other on session handled", session: true, handled: true, err: errors.New("odd"),
			want: receiveFailed, reported: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &recordingHandler{handle: tt.handled}
			d := New(WithErrorHandler(h))
			fb := newFakeBinder(channel.ShapeReply, tt.session)
			b := &scriptedBinder{fakeBinder: fb, ok: tt.ok, err: tt.err}
			if tt.withRC {
				b.rc = fb.wrap(message.NewRequest(message.Default, "urn:a", nil))
			}
			r := newErrorHandlingReceiver(d, b, zap.NewNop())

			rc, outcome := r.tryReceive(time.Second)
			assert.Equal(t, tt.want, outcome, outcome.String())
			assert.Equal(t, tt.want == received, rc != nil)
			if tt.reported {
				assert.Equal(t, []error{tt.err}, h.seen())
			} else {
				assert.Empty(t, h.seen())
			}
			assert.Equal(t, tt.aborted, fb.aborted.Load())
		})
	}
}

func TestReceiverAbortsContextDeliveredWithError(t *testing.T) {
	fb := newFakeBinder(channel.ShapeReply, false)
	rc := fb.wrap(message.NewRequest(message.Default, "urn:a", nil))
	b := &scriptedBinder{fakeBinder: fb, rc: rc, ok: true, err: channel.ErrTimeout}
	r := newErrorHandlingReceiver(New(), b, zap.NewNop())

	got, outcome := r.tryReceive(time.Second)
	assert.Nil(t, got)
	assert.Equal(t, receiveFailed, outcome)
	assert.Equal(t, int32(1), fb.ctxAborted.Load())
}

func TestReceiverFatalPanics(t *testing.T) {
	fb := newFakeBinder(channel.ShapeReply, false)
	b := &scriptedBinder{fakeBinder: fb, err: Fatal(errors.New("corrupt heap"))}
	r := newErrorHandlingReceiver(New(), b, zap.NewNop())
	err := recoverError(func() { r.tryReceive(time.Second) })
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestReceiverAsyncUsesSameRules(t *testing.T) {
	fb := newFakeBinder(channel.ShapeReply, false)
	ab := &asyncFakeBinder{fakeBinder: fb}
	r := newErrorHandlingReceiver(New(), ab, zap.NewNop())
	require.NotNil(t, r.async)

	fb.push(message.NewRequest(message.Default, "urn:a", nil))
	rc, outcome, done := r.beginTryReceive(time.Second, nil)
	require.True(t, done)
	assert.Equal(t, received, outcome)
	assert.NotNil(t, rc)

	results := make(chan receiveOutcome, 1)
	_, _, done = r.beginTryReceive(time.Second, func(_ channel.RequestContext, o receiveOutcome) { results <- o })
	require.False(t, done)
	fb.Abort()
	select {
	case o := <-results:
		assert.Equal(t, receiveStopped, o)
	case <-time.After(waitFor):
		t.Fatal("callback not invoked")
	}
}
