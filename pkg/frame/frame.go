// Package frame defines the two wire layouts carried over the broker and the
// channel names they travel on.
//
// All string fields are UTF-8 with a 16-bit big-endian byte-length prefix.
//
//	Direct frame:    [u16 len][sender] [u16 len][event] [u16 len][body]
//	Broadcast frame: [u16 len][sender] [u16 len][body]
package frame

import (
	"fmt"

	"github.com/billm/infralink/pkg/codec"
	"github.com/billm/infralink/pkg/types"
)

const (
	// MaxBodySize is the largest body a frame can carry
	MaxBodySize = codec.MaxUTFLength

	receiverPrefix  = ":receiver/"
	broadcastPrefix = ":broadcast/"
)

// ReceiverChannel returns the inbound channel of a process
func ReceiverChannel(processName string) string {
	return receiverPrefix + processName
}

// BroadcastChannel returns the channel of a broadcast topic
func BroadcastChannel(topic string) string {
	return broadcastPrefix + topic
}

// DirectFrame is a point-to-point message
type DirectFrame struct {
	Sender string
	Event  string
	Body   []byte
}

// BroadcastFrame is a fan-out message
type BroadcastFrame struct {
	Sender string
	Body   []byte
}

// ValidateBody rejects bodies that do not fit the 16-bit length field
func ValidateBody(body []byte) error {
	if len(body) > MaxBodySize {
		return types.ErrPayloadTooLarge("message body", len(body), MaxBodySize)
	}
	return nil
}

// Encode encodes the frame. Oversized fields fail with PAYLOAD_TOO_LARGE.
func (f *DirectFrame) Encode() ([]byte, error) {
	if err := ValidateBody(f.Body); err != nil {
		return nil, err
	}
	b := codec.New()
	if err := b.WriteUTF(f.Sender); err != nil {
		return nil, err
	}
	if err := b.WriteUTF(f.Event); err != nil {
		return nil, err
	}
	writeBody(b, f.Body)
	return b.Bytes(), nil
}

// Decode decodes a direct frame. Trailing bytes are a protocol error.
func (f *DirectFrame) Decode(data []byte) error {
	b := codec.FromBytes(data)

	sender, err := b.ReadUTF()
	if err != nil {
		return types.ErrProtocol("failed to read sender", err)
	}
	event, err := b.ReadUTF()
	if err != nil {
		return types.ErrProtocol("failed to read event", err)
	}
	body, err := readBody(b)
	if err != nil {
		return err
	}

	f.Sender = sender
	f.Event = event
	f.Body = body
	return nil
}

// Encode encodes the frame. Oversized fields fail with PAYLOAD_TOO_LARGE.
func (f *BroadcastFrame) Encode() ([]byte, error) {
	if err := ValidateBody(f.Body); err != nil {
		return nil, err
	}
	b := codec.New()
	if err := b.WriteUTF(f.Sender); err != nil {
		return nil, err
	}
	writeBody(b, f.Body)
	return b.Bytes(), nil
}

// Decode decodes a broadcast frame. Trailing bytes are a protocol error.
func (f *BroadcastFrame) Decode(data []byte) error {
	b := codec.FromBytes(data)

	sender, err := b.ReadUTF()
	if err != nil {
		return types.ErrProtocol("failed to read sender", err)
	}
	body, err := readBody(b)
	if err != nil {
		return err
	}

	f.Sender = sender
	f.Body = body
	return nil
}

// writeBody writes the length prefix and the body; a nil body encodes a zero length
func writeBody(b *codec.Buffer, body []byte) {
	b.WriteUint16(uint16(len(body)))
	b.WriteBufBytes(body)
}

func readBody(b *codec.Buffer) ([]byte, error) {
	size, err := b.ReadUint16()
	if err != nil {
		return nil, types.ErrProtocol("failed to read body length", err)
	}
	body, err := b.ReadBufBytes(int(size))
	if err != nil {
		return nil, types.ErrProtocol("truncated body", err)
	}
	if rest := b.BytesAvailable(); rest != 0 {
		return nil, types.ErrProtocol(fmt.Sprintf("%d unexpected trailing byte(s)", rest), nil)
	}
	if body == nil {
		body = []byte{}
	}
	return body, nil
}
