package remote

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/billm/infralink/internal/logger"
	"github.com/billm/infralink/pkg/broker"
	"github.com/billm/infralink/pkg/events"
	"github.com/billm/infralink/pkg/frame"
	"github.com/billm/infralink/pkg/types"
)

// Connection-wide event names
const (
	EventMessageReceived   = "messageReceived"
	EventBroadcastReceived = "broadcastReceived"
	EventClientError       = "clientError"
)

// State is the lifecycle state of a Connection
type State string

const (
	StateUnconnected State = "unconnected"
	StateConnecting  State = "connecting"
	StateConnected   State = "connected"
	StateFailed      State = "failed"
	StateClosed      State = "closed"
)

// Side names one of the two broker sessions
type Side string

const (
	SideSub Side = "sub"
	SidePub Side = "pub"
)

// Message is an inbound direct message
type Message struct {
	Sender  string
	Event   string
	Content []byte
}

// Broadcast is an inbound broadcast. Topic is the name passed to
// SubscribeBroadcast; Channel is the broker channel it arrived on.
type Broadcast struct {
	Topic   string
	Channel string
	Sender  string
	Body    []byte
}

// ClientError is a transport failure on one broker session
type ClientError struct {
	Side Side
	Err  error
}

// DialFunc creates an unconnected broker client for one side of a connection
type DialFunc func(side Side, rawURL string, opts broker.Options) (broker.Client, error)

// Options configures a Connection
type Options struct {
	// ReconnectDelay is the fixed delay between broker reconnect attempts
	ReconnectDelay time.Duration
	// ConnectTimeout bounds Connect; zero means only ctx bounds it
	ConnectTimeout time.Duration
	// Libp2p configures p2p:// broker urls
	Libp2p broker.Libp2pOptions
	// Dial overrides broker.NewClient
	Dial DialFunc
}

// Stats holds connection counters
type Stats struct {
	ID                 string `json:"id"`
	ProcessName        string `json:"process_name"`
	State              State  `json:"state"`
	MessagesSent       int64  `json:"messages_sent"`
	BroadcastsSent     int64  `json:"broadcasts_sent"`
	MessagesReceived   int64  `json:"messages_received"`
	BroadcastsReceived int64  `json:"broadcasts_received"`
	DecodeErrors       int64  `json:"decode_errors"`
	ClientErrors       int64  `json:"client_errors"`
	Subscriptions      int    `json:"subscriptions"`
}

type counters struct {
	messagesSent       atomic.Int64
	broadcastsSent     atomic.Int64
	messagesReceived   atomic.Int64
	broadcastsReceived atomic.Int64
	decodeErrors       atomic.Int64
	clientErrors       atomic.Int64
}

//go:generate mockgen -destination "mock_broker_test.go" -package $GOPACKAGE -write_package_comment=false github.com/billm/infralink/pkg/broker Client

// Connection is the addressable endpoint of one process. It owns two broker
// sessions against the same url: sub only subscribes, pub only publishes.
type Connection struct {
	id     string
	name   string
	opts   Options
	logger *logger.Logger

	mu            sync.RWMutex
	state         State
	sub           broker.Client
	pub           broker.Client
	subscriptions map[string]*Subscription
	// pending holds topics with a first subscribe in flight; false once an
	// unsubscribe has cancelled it
	pending  map[string]bool
	inflight singleflight.Group

	messages   *events.Emitter[Message]
	broadcasts *events.Emitter[Broadcast]
	errors     *events.Emitter[ClientError]

	stats counters
}

// New creates an unconnected Connection for processName
func New(processName string, opts Options, log *logger.Logger) (*Connection, error) {
	if processName == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "process name cannot be empty")
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = broker.DefaultReconnectDelay
	}

	id := xid.New().String()
	return &Connection{
		id:            id,
		name:          processName,
		opts:          opts,
		logger:        log.With("component", "process_connection", "process", processName, "connection_id", id),
		state:         StateUnconnected,
		subscriptions: make(map[string]*Subscription),
		pending:       make(map[string]bool),
		messages:      events.NewEmitter[Message](),
		broadcasts:    events.NewEmitter[Broadcast](),
		errors:        events.NewEmitter[ClientError](),
	}, nil
}

// ID returns the connection's unique id
func (c *Connection) ID() string { return c.id }

// ProcessName returns the process identity
func (c *Connection) ProcessName() string { return c.name }

// InboundChannel returns the channel direct messages to this process arrive on
func (c *Connection) InboundChannel() string { return frame.ReceiverChannel(c.name) }

// State returns the lifecycle state
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected reports whether the connection is ready for use
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// Connect opens both broker sessions concurrently, refuses to proceed if
// another process already listens on this identity's inbound channel, then
// subscribes to it.
func (c *Connection) Connect(ctx context.Context, rawURL string) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateConnected:
		c.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition, "connection already "+string(c.state))
	case StateClosed:
		c.mu.Unlock()
		return types.NewError(types.ErrCodeUnavailable, "connection is closed")
	}
	c.state = StateConnecting
	c.mu.Unlock()

	if c.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.ConnectTimeout)
		defer cancel()
	}

	// Both sides of a p2p:// connection run on one libp2p host
	node := broker.NewLibp2pNode()

	var sub, pub broker.Client
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sub, err = c.dial(gctx, SideSub, rawURL, node)
		return err
	})
	g.Go(func() error {
		var err error
		pub, err = c.dial(gctx, SidePub, rawURL, node)
		return err
	})
	if err := g.Wait(); err != nil {
		c.fail(sub, pub)
		return err
	}
	if !c.stillConnecting() {
		c.fail(sub, pub)
		return errClosedWhileConnecting()
	}

	inbound := c.InboundChannel()
	n, err := pub.NumSub(ctx, inbound)
	if err != nil {
		c.fail(sub, pub)
		return err
	}
	if n > 0 {
		c.fail(sub, pub)
		c.logger.Error("Duplicated process identity", "channel", inbound, "subscribers", n)
		return types.ErrDuplicateIdentity(inbound, n)
	}

	if err := sub.Subscribe(ctx, inbound, c.handleInbound); err != nil {
		c.fail(sub, pub)
		return err
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		c.fail(sub, pub)
		return errClosedWhileConnecting()
	}
	c.sub = sub
	c.pub = pub
	c.state = StateConnected
	c.mu.Unlock()

	c.logger.Info("Connected successfully", "channel", inbound)
	return nil
}

func (c *Connection) dial(ctx context.Context, side Side, rawURL string, node *broker.Libp2pNode) (broker.Client, error) {
	opts := broker.Options{
		ReconnectDelay: c.opts.ReconnectDelay,
		ConnectTimeout: c.opts.ConnectTimeout,
		Libp2p:         c.opts.Libp2p,
		Libp2pNode:     node,
		Logger:         c.logger.With("side", string(side)),
	}

	var client broker.Client
	var err error
	if c.opts.Dial != nil {
		client, err = c.opts.Dial(side, rawURL, opts)
	} else {
		client, err = broker.NewClient(rawURL, opts)
	}
	if err != nil {
		return nil, err
	}

	client.OnError(func(err error) { c.reportClientError(side, err) })
	if err := client.Connect(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// fail closes whichever sessions were opened and moves to Failed. A Close
// that raced the attempt keeps the connection Closed.
func (c *Connection) fail(clients ...broker.Client) {
	for _, cl := range clients {
		if cl != nil {
			_ = cl.Close()
		}
	}
	c.mu.Lock()
	if c.state != StateClosed {
		c.state = StateFailed
	}
	c.mu.Unlock()
}

func (c *Connection) stillConnecting() bool {
	return c.State() == StateConnecting
}

func errClosedWhileConnecting() error {
	return types.NewError(types.ErrCodeUnavailable, "connection closed while connecting")
}

// publisher returns the pub session or NOT_CONNECTED
func (c *Connection) publisher(op, detail string) (broker.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateConnected {
		return nil, types.ErrNotConnected(op, detail)
	}
	return c.pub, nil
}

// SendMessage publishes a direct message to target's inbound channel.
// body may be nil.
func (c *Connection) SendMessage(ctx context.Context, target, event string, body []byte) error {
	pub, err := c.publisher("send", "message")
	if err != nil {
		return err
	}

	f := frame.DirectFrame{Sender: c.name, Event: event, Body: body}
	data, err := f.Encode()
	if err != nil {
		return err
	}

	channel := frame.ReceiverChannel(target)
	if err := pub.Publish(ctx, channel, data); err != nil {
		c.reportClientError(SidePub, err)
		return err
	}

	c.stats.messagesSent.Add(1)
	c.logger.Debug("Message sent", "target", target, "event", event, "size", len(body))
	return nil
}

// BroadcastMessage publishes to every subscriber of topic. body may be nil.
func (c *Connection) BroadcastMessage(ctx context.Context, topic string, body []byte) error {
	pub, err := c.publisher("send", "broadcast")
	if err != nil {
		return err
	}

	f := frame.BroadcastFrame{Sender: c.name, Body: body}
	data, err := f.Encode()
	if err != nil {
		return err
	}

	if err := pub.Publish(ctx, frame.BroadcastChannel(topic), data); err != nil {
		c.reportClientError(SidePub, err)
		return err
	}

	c.stats.broadcastsSent.Add(1)
	c.logger.Debug("Broadcast sent", "topic", topic, "size", len(body))
	return nil
}

// SubscribeBroadcast returns the subscription for topic, creating it and the
// broker subscription on first use. Concurrent first calls share one broker
// call, which is not tied to any single caller's cancellation.
func (c *Connection) SubscribeBroadcast(ctx context.Context, topic string) (*Subscription, error) {
	c.mu.RLock()
	state, sub := c.state, c.sub
	existing := c.subscriptions[topic]
	c.mu.RUnlock()

	if state != StateConnected {
		return nil, types.ErrNotConnected("subscribe", "to broadcast")
	}
	if existing != nil {
		return existing, nil
	}

	shared := context.WithoutCancel(ctx)
	ch := c.inflight.DoChan(topic, func() (any, error) {
		sctx := shared
		if c.opts.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			sctx, cancel = context.WithTimeout(shared, c.opts.ConnectTimeout)
			defer cancel()
		}
		return c.subscribeBroadcast(sctx, sub, topic)
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Subscription), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// subscribeBroadcast performs the broker call for the first subscription to
// topic and registers it unless the connection closed or an unsubscribe
// arrived in the meantime.
func (c *Connection) subscribeBroadcast(ctx context.Context, sub broker.Client, topic string) (*Subscription, error) {
	c.mu.Lock()
	if s := c.subscriptions[topic]; s != nil {
		c.mu.Unlock()
		return s, nil
	}
	c.pending[topic] = true
	c.mu.Unlock()

	s := newSubscription(topic)
	err := sub.Subscribe(ctx, s.Channel(), c.broadcastHandler(s))

	c.mu.Lock()
	wanted := c.pending[topic]
	delete(c.pending, topic)
	state := c.state
	if err == nil && state == StateConnected && wanted {
		c.subscriptions[topic] = s
	}
	c.mu.Unlock()

	switch {
	case err != nil:
		return nil, err
	case state != StateConnected:
		s.close()
		return nil, types.ErrNotConnected("subscribe", "to broadcast")
	case !wanted:
		s.close()
		if err := sub.Unsubscribe(ctx, s.Channel()); err != nil {
			c.reportClientError(SideSub, err)
		}
		return nil, types.NewError(types.ErrCodeUnavailable, "subscription to "+topic+" cancelled by unsubscribe")
	}

	c.logger.Debug("Subscribed to broadcast", "topic", topic)
	return s, nil
}

// UnsubscribeBroadcast closes the subscription for topic. Unknown topics are a
// no-op; a first subscribe still in flight is cancelled.
func (c *Connection) UnsubscribeBroadcast(ctx context.Context, topic string) error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return types.ErrNotConnected("unsubscribe", "from broadcast")
	}
	s, ok := c.subscriptions[topic]
	if !ok {
		if _, inflight := c.pending[topic]; inflight {
			c.pending[topic] = false
		}
		c.mu.Unlock()
		return nil
	}
	delete(c.subscriptions, topic)
	sub := c.sub
	c.mu.Unlock()

	s.close()

	if err := sub.Unsubscribe(ctx, s.Channel()); err != nil {
		c.reportClientError(SideSub, err)
		return err
	}
	c.logger.Debug("Unsubscribed from broadcast", "topic", topic)
	return nil
}

// Subscriptions returns the subscribed topics, sorted
func (c *Connection) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	topics := make([]string, 0, len(c.subscriptions))
	for t := range c.subscriptions {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// OnMessage registers fn for every inbound direct message
func (c *Connection) OnMessage(fn events.Handler[Message]) events.ListenerID {
	return c.messages.On(EventMessageReceived, fn)
}

// OffMessage removes a listener registered with OnMessage
func (c *Connection) OffMessage(id events.ListenerID) bool {
	return c.messages.Off(EventMessageReceived, id)
}

// OnBroadcast registers fn for broadcasts on every subscribed topic
func (c *Connection) OnBroadcast(fn events.Handler[Broadcast]) events.ListenerID {
	return c.broadcasts.On(EventBroadcastReceived, fn)
}

// OffBroadcast removes a listener registered with OnBroadcast
func (c *Connection) OffBroadcast(id events.ListenerID) bool {
	return c.broadcasts.Off(EventBroadcastReceived, id)
}

// OnClientError registers fn for transport failures on either session
func (c *Connection) OnClientError(fn events.Handler[ClientError]) events.ListenerID {
	return c.errors.On(EventClientError, fn)
}

// OffClientError removes a listener registered with OnClientError
func (c *Connection) OffClientError(id events.ListenerID) bool {
	return c.errors.Off(EventClientError, id)
}

// Messages exposes the messageReceived surface, e.g. as a waiter source
func (c *Connection) Messages() *events.Emitter[Message] { return c.messages }

// Broadcasts exposes the broadcastReceived surface
func (c *Connection) Broadcasts() *events.Emitter[Broadcast] { return c.broadcasts }

func (c *Connection) handleInbound(channel string, payload []byte) {
	var f frame.DirectFrame
	if err := f.Decode(payload); err != nil {
		c.stats.decodeErrors.Add(1)
		c.logger.Warn("Dropping undecodable message", "channel", channel, "error", err)
		return
	}

	c.stats.messagesReceived.Add(1)
	c.logger.Debug("Message received", "sender", f.Sender, "event", f.Event, "size", len(f.Body))
	c.messages.Emit(EventMessageReceived, Message{Sender: f.Sender, Event: f.Event, Content: f.Body})
}

func (c *Connection) broadcastHandler(s *Subscription) broker.Handler {
	return func(channel string, payload []byte) {
		var f frame.BroadcastFrame
		if err := f.Decode(payload); err != nil {
			c.stats.decodeErrors.Add(1)
			c.logger.Warn("Dropping undecodable broadcast", "channel", channel, "error", err)
			return
		}

		b := Broadcast{Topic: s.Topic(), Channel: channel, Sender: f.Sender, Body: f.Body}
		c.stats.broadcastsReceived.Add(1)
		c.logger.Debug("Broadcast received", "topic", b.Topic, "sender", b.Sender, "size", len(b.Body))

		s.deliver(b)
		c.broadcasts.Emit(EventBroadcastReceived, b)
	}
}

func (c *Connection) reportClientError(side Side, err error) {
	c.stats.clientErrors.Add(1)
	c.logger.Error("Client error", "side", strings.ToUpper(string(side)), "error", err)
	c.errors.Emit(EventClientError, ClientError{Side: side, Err: err})
}

// Stats returns a snapshot of the connection counters
func (c *Connection) Stats() Stats {
	c.mu.RLock()
	state := c.state
	subs := len(c.subscriptions)
	c.mu.RUnlock()

	return Stats{
		ID:                 c.id,
		ProcessName:        c.name,
		State:              state,
		MessagesSent:       c.stats.messagesSent.Load(),
		BroadcastsSent:     c.stats.broadcastsSent.Load(),
		MessagesReceived:   c.stats.messagesReceived.Load(),
		BroadcastsReceived: c.stats.broadcastsReceived.Load(),
		DecodeErrors:       c.stats.decodeErrors.Load(),
		ClientErrors:       c.stats.clientErrors.Load(),
		Subscriptions:      subs,
	}
}

// Close closes every subscription and both broker sessions. Further calls
// fail with NOT_CONNECTED.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	subs := c.subscriptions
	c.subscriptions = make(map[string]*Subscription)
	sub, pub := c.sub, c.pub
	c.sub, c.pub = nil, nil
	c.mu.Unlock()

	for _, s := range subs {
		s.close()
	}

	var firstErr error
	for _, cl := range []broker.Client{sub, pub} {
		if cl == nil {
			continue
		}
		if err := cl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	c.logger.Info("Connection closed")
	return firstErr
}
