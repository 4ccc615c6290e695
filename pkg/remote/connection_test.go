package remote

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/billm/infralink/internal/config"
	"github.com/billm/infralink/internal/logger"
	"github.com/billm/infralink/pkg/broker"
	"github.com/billm/infralink/pkg/frame"
	"github.com/billm/infralink/pkg/types"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stderr"})
	require.NoError(t, err)
	return log
}

// mockedConnection wires a Connection to two mock broker sessions
type mockedConnection struct {
	conn    *Connection
	sub     *MockClient
	pub     *MockClient
	inbound broker.Handler
	subErr  broker.ErrorHandler
	pubErr  broker.ErrorHandler
}

func newMockedConnection(t *testing.T, name string) *mockedConnection {
	t.Helper()
	ctrl := gomock.NewController(t)

	m := &mockedConnection{
		sub: NewMockClient(ctrl),
		pub: NewMockClient(ctrl),
	}

	conn, err := New(name, Options{
		Dial: func(side Side, rawURL string, opts broker.Options) (broker.Client, error) {
			assert.Equal(t, "memory://mock", rawURL)
			assert.Equal(t, broker.DefaultReconnectDelay, opts.ReconnectDelay)
			if side == SideSub {
				return m.sub, nil
			}
			return m.pub, nil
		},
	}, testLogger(t))
	require.NoError(t, err)
	m.conn = conn
	return m
}

// expectConnect sets up the calls of a successful Connect with subscribers
// already on the inbound channel
func (m *mockedConnection) expectConnect(subscribers int64) {
	m.sub.EXPECT().OnError(gomock.Any()).Do(func(fn broker.ErrorHandler) { m.subErr = fn })
	m.pub.EXPECT().OnError(gomock.Any()).Do(func(fn broker.ErrorHandler) { m.pubErr = fn })
	m.sub.EXPECT().Connect(gomock.Any()).Return(nil)
	m.pub.EXPECT().Connect(gomock.Any()).Return(nil)
	m.pub.EXPECT().NumSub(gomock.Any(), frame.ReceiverChannel(m.conn.ProcessName())).Return(subscribers, nil)
	if subscribers == 0 {
		m.sub.EXPECT().
			Subscribe(gomock.Any(), frame.ReceiverChannel(m.conn.ProcessName()), gomock.Any()).
			DoAndReturn(func(_ context.Context, _ string, h broker.Handler) error {
				m.inbound = h
				return nil
			})
	}
}

func (m *mockedConnection) connect(t *testing.T) {
	t.Helper()
	m.expectConnect(0)
	require.NoError(t, m.conn.Connect(context.Background(), "memory://mock"))
	require.Equal(t, StateConnected, m.conn.State())

	m.sub.EXPECT().Close().Return(nil).AnyTimes()
	m.pub.EXPECT().Close().Return(nil).AnyTimes()
}

func TestNewRequiresName(t *testing.T) {
	_, err := New("", Options{}, testLogger(t))
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestConnect(t *testing.T) {
	m := newMockedConnection(t, "p1")
	assert.Equal(t, StateUnconnected, m.conn.State())
	assert.False(t, m.conn.IsConnected())

	m.connect(t)

	assert.True(t, m.conn.IsConnected())
	assert.Equal(t, ":receiver/p1", m.conn.InboundChannel())
	assert.NotEmpty(t, m.conn.ID())

	err := m.conn.Connect(context.Background(), "memory://mock")
	assert.True(t, types.IsErrCode(err, types.ErrCodeFailedPrecondition))
}

func TestConnectDuplicateIdentity(t *testing.T) {
	m := newMockedConnection(t, "tfm:BT800")
	m.expectConnect(1)
	m.sub.EXPECT().Close().Return(nil)
	m.pub.EXPECT().Close().Return(nil)

	err := m.conn.Connect(context.Background(), "memory://mock")
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeDuplicateIdentity))
	assert.Contains(t, err.Error(), ":receiver/tfm:BT800")
	assert.Equal(t, StateFailed, m.conn.State())

	// Failed connections still refuse work
	err = m.conn.SendMessage(context.Background(), "x", "ping", nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeNotConnected))
}

func TestConnectDialFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := NewMockClient(ctrl)
	pub.EXPECT().OnError(gomock.Any())
	pub.EXPECT().Connect(gomock.Any()).Return(nil)
	pub.EXPECT().Close().Return(nil)

	conn, err := New("p1", Options{
		Dial: func(side Side, rawURL string, opts broker.Options) (broker.Client, error) {
			if side == SideSub {
				return nil, types.ErrTransport("connection refused", nil)
			}
			return pub, nil
		},
	}, testLogger(t))
	require.NoError(t, err)

	err = conn.Connect(context.Background(), "memory://mock")
	assert.True(t, types.IsErrCode(err, types.ErrCodeTransport))
	assert.Equal(t, StateFailed, conn.State())
}

func TestOperationsBeforeConnect(t *testing.T) {
	// No expectations: any broker call fails the test
	m := newMockedConnection(t, "p1")
	ctx := context.Background()

	err := m.conn.SendMessage(ctx, "p2", "ping", []byte{1})
	assert.True(t, types.IsErrCode(err, types.ErrCodeNotConnected), "send: %v", err)

	err = m.conn.BroadcastMessage(ctx, "news", nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeNotConnected), "broadcast: %v", err)

	sub, err := m.conn.SubscribeBroadcast(ctx, "news")
	assert.Nil(t, sub)
	assert.True(t, types.IsErrCode(err, types.ErrCodeNotConnected), "subscribe: %v", err)

	err = m.conn.UnsubscribeBroadcast(ctx, "news")
	assert.True(t, types.IsErrCode(err, types.ErrCodeNotConnected), "unsubscribe: %v", err)
}

func TestSendMessage(t *testing.T) {
	m := newMockedConnection(t, "p1")
	m.connect(t)

	want, err := (&frame.DirectFrame{Sender: "p1", Event: "ping", Body: []byte{1, 2, 3}}).Encode()
	require.NoError(t, err)
	m.pub.EXPECT().Publish(gomock.Any(), ":receiver/p2", want).Return(nil)

	require.NoError(t, m.conn.SendMessage(context.Background(), "p2", "ping", []byte{1, 2, 3}))
	assert.Equal(t, int64(1), m.conn.Stats().MessagesSent)
}

func TestSendMessageWithoutBody(t *testing.T) {
	m := newMockedConnection(t, "p1")
	m.connect(t)

	m.pub.EXPECT().Publish(gomock.Any(), ":receiver/p2", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, payload []byte) error {
			// Body length is the last two bytes
			assert.Equal(t, []byte{0, 0}, payload[len(payload)-2:])
			return nil
		})

	require.NoError(t, m.conn.SendMessage(context.Background(), "p2", "ping", nil))
}

func TestSendMessageTooLarge(t *testing.T) {
	m := newMockedConnection(t, "p1")
	m.connect(t)

	err := m.conn.SendMessage(context.Background(), "p2", "ping", make([]byte, frame.MaxBodySize+1))
	assert.True(t, types.IsErrCode(err, types.ErrCodePayloadTooLarge))

	err = m.conn.BroadcastMessage(context.Background(), "news", make([]byte, frame.MaxBodySize+1))
	assert.True(t, types.IsErrCode(err, types.ErrCodePayloadTooLarge))
}

func TestBroadcastMessage(t *testing.T) {
	m := newMockedConnection(t, "p1")
	m.connect(t)

	want, err := (&frame.BroadcastFrame{Sender: "p1", Body: []byte("hello")}).Encode()
	require.NoError(t, err)
	m.pub.EXPECT().Publish(gomock.Any(), ":broadcast/news", want).Return(nil)

	require.NoError(t, m.conn.BroadcastMessage(context.Background(), "news", []byte("hello")))
	assert.Equal(t, int64(1), m.conn.Stats().BroadcastsSent)
}

func TestPublishFailureReportsClientError(t *testing.T) {
	m := newMockedConnection(t, "p1")
	m.connect(t)

	var got []ClientError
	m.conn.OnClientError(func(e ClientError) { got = append(got, e) })

	m.pub.EXPECT().Publish(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(types.ErrTransport("broken pipe", nil))

	err := m.conn.SendMessage(context.Background(), "p2", "ping", nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeTransport))
	require.Len(t, got, 1)
	assert.Equal(t, SidePub, got[0].Side)
	assert.Equal(t, int64(1), m.conn.Stats().ClientErrors)
}

func TestBrokerErrorsBecomeClientErrors(t *testing.T) {
	m := newMockedConnection(t, "p1")
	m.connect(t)

	var got []ClientError
	m.conn.OnClientError(func(e ClientError) { got = append(got, e) })

	m.subErr(errors.New("sub lost"))
	m.pubErr(errors.New("pub lost"))

	require.Len(t, got, 2)
	assert.Equal(t, SideSub, got[0].Side)
	assert.EqualError(t, got[0].Err, "sub lost")
	assert.Equal(t, SidePub, got[1].Side)
	assert.True(t, m.conn.IsConnected(), "transport errors are not fatal")
}

func TestInboundMessage(t *testing.T) {
	m := newMockedConnection(t, "B")
	m.connect(t)

	var got []Message
	id := m.conn.OnMessage(func(msg Message) { got = append(got, msg) })

	data, err := (&frame.DirectFrame{Sender: "A", Event: "request/whisper", Body: []byte{9}}).Encode()
	require.NoError(t, err)
	m.inbound(":receiver/B", data)

	// Malformed frames are dropped
	m.inbound(":receiver/B", []byte{0, 5, 'x'})

	require.Len(t, got, 1)
	assert.Equal(t, Message{Sender: "A", Event: "request/whisper", Content: []byte{9}}, got[0])

	stats := m.conn.Stats()
	assert.Equal(t, int64(1), stats.MessagesReceived)
	assert.Equal(t, int64(1), stats.DecodeErrors)

	assert.True(t, m.conn.OffMessage(id))
	m.inbound(":receiver/B", data)
	assert.Len(t, got, 1)
}

func TestSubscribeBroadcastIsIdempotent(t *testing.T) {
	m := newMockedConnection(t, "p1")
	m.connect(t)

	m.sub.EXPECT().Subscribe(gomock.Any(), ":broadcast/x", gomock.Any()).Return(nil).Times(1)

	first, err := m.conn.SubscribeBroadcast(context.Background(), "x")
	require.NoError(t, err)
	second, err := m.conn.SubscribeBroadcast(context.Background(), "x")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, "x", first.Topic())
	assert.Equal(t, ":broadcast/x", first.Channel())
	assert.Equal(t, []string{"x"}, m.conn.Subscriptions())
}

func TestConcurrentSubscribeBroadcast(t *testing.T) {
	m := newMockedConnection(t, "p1")
	m.connect(t)

	m.sub.EXPECT().Subscribe(gomock.Any(), ":broadcast/x", gomock.Any()).
		DoAndReturn(func(context.Context, string, broker.Handler) error {
			time.Sleep(20 * time.Millisecond)
			return nil
		}).Times(1)

	const n = 16
	results := make([]*Subscription, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.conn.SubscribeBroadcast(context.Background(), "x")
			assert.NoError(t, err)
			results[i] = s
		}(i)
	}
	wg.Wait()

	for _, s := range results {
		assert.Same(t, results[0], s)
	}
}

func TestSubscribeBroadcastFailure(t *testing.T) {
	m := newMockedConnection(t, "p1")
	m.connect(t)

	m.sub.EXPECT().Subscribe(gomock.Any(), ":broadcast/x", gomock.Any()).
		Return(types.ErrTransport("refused", nil))

	s, err := m.conn.SubscribeBroadcast(context.Background(), "x")
	assert.Nil(t, s)
	assert.True(t, types.IsErrCode(err, types.ErrCodeTransport))
	assert.Empty(t, m.conn.Subscriptions())
}

func TestBroadcastDelivery(t *testing.T) {
	m := newMockedConnection(t, "p1")
	m.connect(t)

	var handler broker.Handler
	m.sub.EXPECT().Subscribe(gomock.Any(), ":broadcast/news", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, h broker.Handler) error {
			handler = h
			return nil
		})

	s, err := m.conn.SubscribeBroadcast(context.Background(), "news")
	require.NoError(t, err)

	var perTopic, global []Broadcast
	s.OnMessage(func(b Broadcast) { perTopic = append(perTopic, b) })
	m.conn.OnBroadcast(func(b Broadcast) { global = append(global, b) })

	data, err := (&frame.BroadcastFrame{Sender: "p9", Body: []byte("hi")}).Encode()
	require.NoError(t, err)
	handler(":broadcast/news", data)

	want := Broadcast{Topic: "news", Channel: ":broadcast/news", Sender: "p9", Body: []byte("hi")}
	assert.Equal(t, []Broadcast{want}, perTopic)
	assert.Equal(t, []Broadcast{want}, global)
	assert.Equal(t, int64(1), m.conn.Stats().BroadcastsReceived)
}

func TestUnsubscribeUnknownTopicIsNoop(t *testing.T) {
	m := newMockedConnection(t, "p1")
	m.connect(t)

	// No Unsubscribe expectation: a broker call fails the test
	assert.NoError(t, m.conn.UnsubscribeBroadcast(context.Background(), "y"))
}

func TestUnsubscribeBroadcast(t *testing.T) {
	m := newMockedConnection(t, "p1")
	m.connect(t)

	m.sub.EXPECT().Subscribe(gomock.Any(), ":broadcast/x", gomock.Any()).Return(nil)
	m.sub.EXPECT().Unsubscribe(gomock.Any(), ":broadcast/x").Return(nil).Times(1)

	s, err := m.conn.SubscribeBroadcast(context.Background(), "x")
	require.NoError(t, err)

	closed := 0
	s.OnClosed(func() { closed++ })

	require.NoError(t, m.conn.UnsubscribeBroadcast(context.Background(), "x"))
	assert.Equal(t, 1, closed)
	assert.True(t, s.Closed())
	assert.Empty(t, m.conn.Subscriptions())

	// Second unsubscribe is a no-op
	require.NoError(t, m.conn.UnsubscribeBroadcast(context.Background(), "x"))
	assert.Equal(t, 1, closed)
}

func TestResubscribeAfterUnsubscribe(t *testing.T) {
	m := newMockedConnection(t, "p1")
	m.connect(t)

	m.sub.EXPECT().Subscribe(gomock.Any(), ":broadcast/x", gomock.Any()).Return(nil).Times(2)
	m.sub.EXPECT().Unsubscribe(gomock.Any(), ":broadcast/x").Return(nil)

	first, err := m.conn.SubscribeBroadcast(context.Background(), "x")
	require.NoError(t, err)
	require.NoError(t, m.conn.UnsubscribeBroadcast(context.Background(), "x"))

	second, err := m.conn.SubscribeBroadcast(context.Background(), "x")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.False(t, second.Closed())
}

func TestClose(t *testing.T) {
	m := newMockedConnection(t, "p1")
	m.expectConnect(0)
	require.NoError(t, m.conn.Connect(context.Background(), "memory://mock"))

	m.sub.EXPECT().Subscribe(gomock.Any(), ":broadcast/x", gomock.Any()).Return(nil)
	m.sub.EXPECT().Close().Return(nil).Times(1)
	m.pub.EXPECT().Close().Return(nil).Times(1)

	s, err := m.conn.SubscribeBroadcast(context.Background(), "x")
	require.NoError(t, err)
	closed := false
	s.OnClosed(func() { closed = true })

	require.NoError(t, m.conn.Close())
	require.NoError(t, m.conn.Close())

	assert.True(t, closed)
	assert.Equal(t, StateClosed, m.conn.State())
	assert.Empty(t, m.conn.Subscriptions())

	err = m.conn.SendMessage(context.Background(), "p2", "ping", nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeNotConnected))

	err = m.conn.Connect(context.Background(), "memory://mock")
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
}

func TestStats(t *testing.T) {
	m := newMockedConnection(t, "stats-proc")
	stats := m.conn.Stats()
	assert.Equal(t, "stats-proc", stats.ProcessName)
	assert.Equal(t, StateUnconnected, stats.State)
	assert.True(t, strings.TrimSpace(stats.ID) != "")
}

func TestCloseWhileDialing(t *testing.T) {
	ctrl := gomock.NewController(t)
	sub, pub := NewMockClient(ctrl), NewMockClient(ctrl)
	for _, cl := range []*MockClient{sub, pub} {
		cl.EXPECT().OnError(gomock.Any())
		cl.EXPECT().Connect(gomock.Any()).Return(nil)
		cl.EXPECT().Close().Return(nil).Times(1)
	}

	dialing := make(chan struct{})
	release := make(chan struct{})
	conn, err := New("p1", Options{
		Dial: func(side Side, rawURL string, opts broker.Options) (broker.Client, error) {
			if side == SideSub {
				close(dialing)
				<-release
				return sub, nil
			}
			return pub, nil
		},
	}, testLogger(t))
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- conn.Connect(context.Background(), "memory://mock") }()

	<-dialing
	require.NoError(t, conn.Close())
	close(release)

	err = <-errc
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable), "connect: %v", err)
	assert.Equal(t, StateClosed, conn.State())

	err = conn.Connect(context.Background(), "memory://mock")
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
}

func TestCloseWhileCheckingIdentity(t *testing.T) {
	m := newMockedConnection(t, "p1")

	checking := make(chan struct{})
	release := make(chan struct{})
	m.sub.EXPECT().OnError(gomock.Any())
	m.pub.EXPECT().OnError(gomock.Any())
	m.sub.EXPECT().Connect(gomock.Any()).Return(nil)
	m.pub.EXPECT().Connect(gomock.Any()).Return(nil)
	m.pub.EXPECT().NumSub(gomock.Any(), ":receiver/p1").
		DoAndReturn(func(context.Context, string) (int64, error) {
			close(checking)
			<-release
			return 0, nil
		})
	m.sub.EXPECT().Subscribe(gomock.Any(), ":receiver/p1", gomock.Any()).Return(nil)
	// Closing the sub session releases the inbound subscription
	m.sub.EXPECT().Close().Return(nil).Times(1)
	m.pub.EXPECT().Close().Return(nil).Times(1)

	errc := make(chan error, 1)
	go func() { errc <- m.conn.Connect(context.Background(), "memory://mock") }()

	<-checking
	require.NoError(t, m.conn.Close())
	close(release)

	err := <-errc
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable), "connect: %v", err)
	assert.Equal(t, StateClosed, m.conn.State())
	assert.False(t, m.conn.IsConnected())
}

func TestSubscribeBroadcastOutlivesCallerCancel(t *testing.T) {
	m := newMockedConnection(t, "p1")
	m.connect(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	m.sub.EXPECT().Subscribe(gomock.Any(), ":broadcast/x", gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ string, _ broker.Handler) error {
			close(entered)
			<-release
			assert.NoError(t, ctx.Err(), "the shared call is not cancelled with the first caller")
			return nil
		}).Times(1)

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := m.conn.SubscribeBroadcast(firstCtx, "x")
		firstErr <- err
	}()
	<-entered

	second := make(chan *Subscription, 1)
	go func() {
		s, err := m.conn.SubscribeBroadcast(context.Background(), "x")
		assert.NoError(t, err)
		second <- s
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	s := <-second
	require.NotNil(t, s)
	assert.False(t, s.Closed())
	assert.Equal(t, []string{"x"}, m.conn.Subscriptions())
}

func TestCloseDuringFirstSubscribe(t *testing.T) {
	m := newMockedConnection(t, "p1")
	m.connect(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	m.sub.EXPECT().Subscribe(gomock.Any(), ":broadcast/x", gomock.Any()).
		DoAndReturn(func(context.Context, string, broker.Handler) error {
			close(entered)
			<-release
			return nil
		})

	errc := make(chan error, 1)
	go func() {
		_, err := m.conn.SubscribeBroadcast(context.Background(), "x")
		errc <- err
	}()

	<-entered
	require.NoError(t, m.conn.Close())
	close(release)

	err := <-errc
	assert.True(t, types.IsErrCode(err, types.ErrCodeNotConnected), "subscribe: %v", err)
	assert.Empty(t, m.conn.Subscriptions())
	assert.Zero(t, m.conn.Stats().Subscriptions)
}

func TestUnsubscribeDuringFirstSubscribe(t *testing.T) {
	m := newMockedConnection(t, "p1")
	m.connect(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	m.sub.EXPECT().Subscribe(gomock.Any(), ":broadcast/x", gomock.Any()).
		DoAndReturn(func(context.Context, string, broker.Handler) error {
			close(entered)
			<-release
			return nil
		})
	m.sub.EXPECT().Unsubscribe(gomock.Any(), ":broadcast/x").Return(nil).Times(1)

	errc := make(chan error, 1)
	go func() {
		_, err := m.conn.SubscribeBroadcast(context.Background(), "x")
		errc <- err
	}()

	<-entered
	require.NoError(t, m.conn.UnsubscribeBroadcast(context.Background(), "x"))
	close(release)

	err := <-errc
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable), "subscribe: %v", err)
	assert.Empty(t, m.conn.Subscriptions())

	// A later subscribe starts afresh
	m.sub.EXPECT().Subscribe(gomock.Any(), ":broadcast/x", gomock.Any()).Return(nil)
	s, err := m.conn.SubscribeBroadcast(context.Background(), "x")
	require.NoError(t, err)
	assert.False(t, s.Closed())
	assert.Equal(t, []string{"x"}, m.conn.Subscriptions())
}
