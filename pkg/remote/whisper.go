package remote

import (
	"context"
	"time"

	"github.com/billm/infralink/internal/logger"
	"github.com/billm/infralink/pkg/codec"
	"github.com/billm/infralink/pkg/events"
	"github.com/billm/infralink/pkg/types"
)

// Whisper event names
const (
	EventWhisperRequest = "request/whisper"
	EventWhisperReply   = "reply/whisper"
)

// WhisperPayload is the body of whisper requests and replies
type WhisperPayload struct {
	Recipient string
	Message   string
}

// Encode writes UTF(recipient) UTF(message)
func (w WhisperPayload) Encode() ([]byte, error) {
	b := codec.New()
	if err := b.WriteUTF(w.Recipient); err != nil {
		return nil, err
	}
	if err := b.WriteUTF(w.Message); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// DecodeWhisper reads a WhisperPayload
func DecodeWhisper(data []byte) (WhisperPayload, error) {
	b := codec.FromBytes(data)
	recipient, err := b.ReadUTF()
	if err != nil {
		return WhisperPayload{}, types.ErrProtocol("malformed whisper recipient", err)
	}
	message, err := b.ReadUTF()
	if err != nil {
		return WhisperPayload{}, types.ErrProtocol("malformed whisper message", err)
	}
	return WhisperPayload{Recipient: recipient, Message: message}, nil
}

// Whisper asks target to deliver message to recipient and waits for its
// acknowledgement. A TIMEOUT error means the whisper was not delivered.
func Whisper(ctx context.Context, sender Sender, recv *MessageReceiver, target string, w WhisperPayload, timeout time.Duration) (WhisperPayload, error) {
	body, err := w.Encode()
	if err != nil {
		return WhisperPayload{}, err
	}
	reply, err := Request(ctx, sender, recv, target, EventWhisperRequest, body, EventWhisperReply, timeout)
	if err != nil {
		return WhisperPayload{}, err
	}
	return DecodeWhisper(reply.Content)
}

// WhisperHandler delivers a whisper and returns the payload to acknowledge with
type WhisperHandler func(from string, w WhisperPayload) (WhisperPayload, error)

// ServeWhispers answers whisper requests arriving on recv with handler's
// result. A nil handler echoes the request back. The returned id removes the
// listener via recv.Off(EventWhisperRequest, id).
func ServeWhispers(sender Sender, recv *MessageReceiver, handler WhisperHandler, log *logger.Logger) events.ListenerID {
	if handler == nil {
		handler = func(_ string, w WhisperPayload) (WhisperPayload, error) { return w, nil }
	}
	if log == nil {
		log = logger.Global()
	}
	log = log.With("component", "whisper_server")

	return recv.On(EventWhisperRequest, func(m Message) {
		req, err := DecodeWhisper(m.Content)
		if err != nil {
			log.Warn("Ignoring malformed whisper", "sender", m.Sender, "error", err)
			return
		}

		ack, err := handler(m.Sender, req)
		if err != nil {
			log.Warn("Whisper not delivered", "sender", m.Sender, "recipient", req.Recipient, "error", err)
			return
		}

		body, err := ack.Encode()
		if err != nil {
			log.Warn("Failed to encode whisper reply", "error", err)
			return
		}

		// Reply off the delivery goroutine
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := sender.SendMessage(ctx, m.Sender, EventWhisperReply, body); err != nil {
				log.Warn("Failed to send whisper reply", "target", m.Sender, "error", err)
			}
		}()
	})
}
