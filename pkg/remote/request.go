package remote

import (
	"context"
	"time"

	"github.com/billm/infralink/pkg/waiter"
)

// Sender publishes direct messages
type Sender interface {
	SendMessage(ctx context.Context, target, event string, body []byte) error
}

// Request sends event to target and waits for replyEvent from the same target.
// The wait is registered before sending so a fast reply cannot be missed.
// A zero timeout uses the receiver's default.
func Request(ctx context.Context, sender Sender, recv *MessageReceiver, target, event string, body []byte, replyEvent string, timeout time.Duration) (Message, error) {
	p := recv.Expect(replyEvent, waiter.WaitOptions[Message]{
		Timeout:   timeout,
		Condition: func(m Message) bool { return m.Sender == target },
	})

	if err := sender.SendMessage(ctx, target, event, body); err != nil {
		p.Cancel()
		return Message{}, err
	}
	return p.Wait(ctx)
}
