package remote

import (
	"sync/atomic"

	"github.com/billm/infralink/pkg/events"
	"github.com/billm/infralink/pkg/frame"
)

// Subscription event names
const (
	EventMessage = "message"
	EventClosed  = "closed"
)

// Subscription is the local record of one broadcast topic. Any number of
// listeners can attach without another broker subscription.
type Subscription struct {
	topic   string
	channel string
	emitter *events.Emitter[Broadcast]
	closed  atomic.Bool
}

func newSubscription(topic string) *Subscription {
	return &Subscription{
		topic:   topic,
		channel: frame.BroadcastChannel(topic),
		emitter: events.NewEmitter[Broadcast](),
	}
}

// Topic returns the topic name
func (s *Subscription) Topic() string { return s.topic }

// Channel returns the broker channel
func (s *Subscription) Channel() string { return s.channel }

// Closed reports whether the subscription has been closed
func (s *Subscription) Closed() bool { return s.closed.Load() }

// OnMessage registers fn for broadcasts on this topic
func (s *Subscription) OnMessage(fn events.Handler[Broadcast]) events.ListenerID {
	return s.emitter.On(EventMessage, fn)
}

// OnClosed registers fn to run once when the subscription closes
func (s *Subscription) OnClosed(fn func()) events.ListenerID {
	return s.emitter.Once(EventClosed, func(Broadcast) { fn() })
}

// Off removes a listener registered for event
func (s *Subscription) Off(event string, id events.ListenerID) bool {
	return s.emitter.Off(event, id)
}

// Events exposes the subscription's event surface, e.g. as a waiter source
func (s *Subscription) Events() *events.Emitter[Broadcast] { return s.emitter }

func (s *Subscription) deliver(b Broadcast) {
	if s.closed.Load() {
		return
	}
	s.emitter.Emit(EventMessage, b)
}

// close emits closed once, then drops every listener
func (s *Subscription) close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.emitter.Emit(EventClosed, Broadcast{Topic: s.topic, Channel: s.channel})
	s.emitter.RemoveAll("")
}
