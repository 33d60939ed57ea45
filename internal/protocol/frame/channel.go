package frame

import (
	"bytes"
	"errors"
	"fmt"
)

// Channel flag bits carried in CH_OPEN. Higher bits are reserved for
// delivery-priority hints and are preserved untouched.
const (
	FlagRead  byte = 0x01
	FlagWrite byte = 0x02
)

var ErrInvalidChannelPayload = errors.New("frame: invalid channel payload")

// ChannelOpen is the decoded CH_OPEN payload: [fd][flags][topic].
type ChannelOpen struct {
	FD    int
	Flags byte
	Topic string
}

func (c ChannelOpen) Readable() bool { return c.Flags&FlagRead != 0 }
func (c ChannelOpen) Writable() bool { return c.Flags&FlagWrite != 0 }

func DecodeChannelOpen(payload []byte) (ChannelOpen, error) {
	if len(payload) < 2 {
		return ChannelOpen{}, fmt.Errorf("%w: open len=%d", ErrInvalidChannelPayload, len(payload))
	}
	topic := bytes.TrimRight(payload[2:], "\x00")
	if len(topic) == 0 {
		return ChannelOpen{}, fmt.Errorf("%w: empty topic", ErrInvalidChannelPayload)
	}
	return ChannelOpen{FD: int(payload[0]), Flags: payload[1], Topic: string(topic)}, nil
}

func EncodeChannelOpen(c ChannelOpen) ([]byte, error) {
	if c.FD < 0 || c.FD >= MaxChannels {
		return nil, fmt.Errorf("%w: fd=%d", ErrInvalidChannelPayload, c.FD)
	}
	out := make([]byte, 0, 2+len(c.Topic))
	out = append(out, byte(c.FD), c.Flags)
	return append(out, c.Topic...), nil
}

// DecodeChannelClose returns the fd carried by a CH_CLOSE payload.
func DecodeChannelClose(payload []byte) (int, error) {
	if len(payload) < 1 {
		return 0, fmt.Errorf("%w: close len=0", ErrInvalidChannelPayload)
	}
	return int(payload[0]), nil
}
