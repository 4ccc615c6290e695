package remote

import (
	"context"
	"time"

	"github.com/billm/infralink/pkg/events"
	"github.com/billm/infralink/pkg/waiter"
)

// MessageSource is the inbound side of a Connection
type MessageSource interface {
	OnMessage(fn events.Handler[Message]) events.ListenerID
	OffMessage(id events.ListenerID) bool
}

// MessageReceiver re-emits inbound direct messages under their frame's event
// name, so callers can listen for one event instead of filtering every message.
type MessageReceiver struct {
	source  MessageSource
	emitter *events.Emitter[Message]
	waiter  *waiter.Waiter[Message]
	id      events.ListenerID
}

// NewMessageReceiver attaches a receiver to source. defaultTimeout applies to
// waits that do not set their own.
func NewMessageReceiver(source MessageSource, defaultTimeout time.Duration) *MessageReceiver {
	r := &MessageReceiver{
		source:  source,
		emitter: events.NewEmitter[Message](),
	}
	r.waiter = waiter.New[Message](r.emitter, defaultTimeout)
	r.id = source.OnMessage(func(m Message) {
		r.emitter.Emit(m.Event, m)
	})
	return r
}

// On registers fn for messages carrying event
func (r *MessageReceiver) On(event string, fn events.Handler[Message]) events.ListenerID {
	return r.emitter.On(event, fn)
}

// Once registers fn for the next message carrying event
func (r *MessageReceiver) Once(event string, fn events.Handler[Message]) events.ListenerID {
	return r.emitter.Once(event, fn)
}

// Off removes a listener
func (r *MessageReceiver) Off(event string, id events.ListenerID) bool {
	return r.emitter.Off(event, id)
}

// WaitForMessage blocks until a message carrying event satisfies opts
func (r *MessageReceiver) WaitForMessage(ctx context.Context, event string, opts waiter.WaitOptions[Message]) (Message, error) {
	return r.waiter.WaitFor(ctx, event, opts)
}

// Expect registers a wait for event now and returns it
func (r *MessageReceiver) Expect(event string, opts waiter.WaitOptions[Message]) *waiter.Pending[Message] {
	return r.waiter.Expect(event, opts)
}

// Close detaches the receiver from its source and drops its listeners
func (r *MessageReceiver) Close() {
	r.source.OffMessage(r.id)
	r.emitter.RemoveAll("")
}
