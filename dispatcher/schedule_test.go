package dispatcher

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-dispatch/channel"
)

func TestExecutorContextRunsInOrder(t *testing.T) {
	e := NewExecutorContext(8)
	var (
		mu  sync.Mutex
		got []int
	)
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	e.Close()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got, "Close waits for queued work")
	assert.ErrorIs(t, e.Post(func() {}), ErrExecutorClosed)
	e.Close()
}

func TestDispatchOnExecutorContext(t *testing.T) {
	e := NewExecutorContext(4)
	t.Cleanup(e.Close)
	d := openDispatcher(t, newTestEndpoint(t, "affine", []*Operation{rawOperation(t, "urn:echo", false, echo)},
		withSyncContext(e)))

	b := newFakeBinder(channel.ShapeReply, true)
	b.push(request("urn:echo", "ping"))
	require.NoError(t, d.Register(b))

	body, err := b.nextReply(t).PeekBody()
	require.NoError(t, err)
	assert.Equal(t, "ping", string(body))
}
