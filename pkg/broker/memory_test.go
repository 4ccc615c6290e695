package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/infralink/pkg/types"
)

func connectedMemoryClient(t *testing.T, h *Hub) *MemoryClient {
	t.Helper()
	c := h.NewClient()
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestMemoryPublishSubscribe(t *testing.T) {
	h := NewHub()
	sub := connectedMemoryClient(t, h)
	pub := connectedMemoryClient(t, h)

	got := make(chan string, 3)
	require.NoError(t, sub.Subscribe(context.Background(), "ch", func(channel string, payload []byte) {
		assert.Equal(t, "ch", channel)
		got <- string(payload)
	}))

	for _, p := range []string{"one", "two", "three"} {
		require.NoError(t, pub.Publish(context.Background(), "ch", []byte(p)))
	}

	for _, want := range []string{"one", "two", "three"} {
		select {
		case p := <-got:
			assert.Equal(t, want, p, "deliveries keep publish order")
		case <-time.After(time.Second):
			t.Fatalf("missing delivery %q", want)
		}
	}
}

func TestMemoryPayloadIsCopied(t *testing.T) {
	h := NewHub()
	sub := connectedMemoryClient(t, h)
	pub := connectedMemoryClient(t, h)

	got := make(chan []byte, 1)
	require.NoError(t, sub.Subscribe(context.Background(), "ch", func(_ string, payload []byte) { got <- payload }))

	buf := []byte("abc")
	require.NoError(t, pub.Publish(context.Background(), "ch", buf))
	buf[0] = 'x'

	assert.Equal(t, []byte("abc"), <-got)
}

func TestMemoryNumSubAndUnsubscribe(t *testing.T) {
	h := NewHub()
	a := connectedMemoryClient(t, h)
	b := connectedMemoryClient(t, h)
	noop := func(string, []byte) {}

	n, err := a.NumSub(context.Background(), "ch")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	require.NoError(t, a.Subscribe(context.Background(), "ch", noop))
	require.NoError(t, b.Subscribe(context.Background(), "ch", noop))
	// Resubscribing replaces the handler, it does not add a subscriber
	require.NoError(t, b.Subscribe(context.Background(), "ch", noop))
	assert.Equal(t, int64(2), h.NumSub("ch"))

	require.NoError(t, a.Unsubscribe(context.Background(), "ch"))
	assert.Equal(t, int64(1), h.NumSub("ch"))

	require.NoError(t, b.Close())
	assert.Equal(t, int64(0), h.NumSub("ch"))
}

func TestMemoryOperationsRequireConnect(t *testing.T) {
	c := NewHub().NewClient()
	ctx := context.Background()

	err := c.Publish(ctx, "ch", nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeTransport))
	err = c.Subscribe(ctx, "ch", func(string, []byte) {})
	assert.True(t, types.IsErrCode(err, types.ErrCodeTransport))
	_, err = c.NumSub(ctx, "ch")
	assert.True(t, types.IsErrCode(err, types.ErrCodeTransport))

	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	err = c.Connect(ctx)
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
	err = c.Unsubscribe(ctx, "ch")
	assert.True(t, types.IsErrCode(err, types.ErrCodeTransport))
}

func TestMemoryFailReportsErrors(t *testing.T) {
	c := connectedMemoryClient(t, NewHub())

	var got []error
	c.OnError(func(err error) { got = append(got, err) })
	c.OnError(func(err error) { got = append(got, err) })

	boom := errors.New("boom")
	c.Fail(boom)

	assert.Equal(t, []error{boom, boom}, got)
}

func TestLookupHub(t *testing.T) {
	assert.Same(t, LookupHub("lookup-test"), LookupHub("lookup-test"))
	assert.NotSame(t, LookupHub("lookup-test"), LookupHub("lookup-other"))
}
