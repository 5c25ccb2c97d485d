// Package serial talks to external hashing boards over a serial line.
//
// Frames are {type u8, length u8, value[length]} with no delimiter or
// checksum; the Decoder reassembles them from an arbitrary byte stream.
package serial

import (
	"fmt"

	"github.com/bardlex/gominer/pkg/errors"
)

// MessageType identifies a frame
type MessageType uint8

const (
	TypeAck      MessageType = 2
	TypeNack     MessageType = 4
	TypePing     MessageType = 8
	TypeInfo     MessageType = 18
	TypeNewWork  MessageType = 19
	TypeRestart  MessageType = 20
	TypeTestWork MessageType = 21
	TypeResult   MessageType = 22
	TypeError    MessageType = 0xFE
)

func (t MessageType) String() string {
	switch t {
	case TypeAck:
		return "ack"
	case TypeNack:
		return "nack"
	case TypePing:
		return "ping"
	case TypeInfo:
		return "info"
	case TypeNewWork:
		return "new_work"
	case TypeRestart:
		return "restart"
	case TypeTestWork:
		return "test_work"
	case TypeResult:
		return "result"
	case TypeError:
		return "error"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// MaxValueSize is the largest payload a one-byte length can carry
const MaxValueSize = 255

// Message is one frame
type Message struct {
	Type  MessageType
	Value []byte
}

// Encode returns the wire form of m
func (m Message) Encode() ([]byte, error) {
	if len(m.Value) > MaxValueSize {
		return nil, errors.New(errors.KindInternal, "encode_frame", "payload too large").
			With("type", m.Type.String()).With("length", len(m.Value))
	}
	out := make([]byte, 2+len(m.Value))
	out[0] = byte(m.Type)
	out[1] = byte(len(m.Value))
	copy(out[2:], m.Value)
	return out, nil
}

// Decoder reassembles frames from a byte stream. It is not safe for
// concurrent use.
type Decoder struct {
	buf []byte
}

// Feed appends p to the buffer and returns every frame now complete, in
// order. Incomplete trailing bytes stay buffered for the next call.
func (d *Decoder) Feed(p []byte) []Message {
	d.buf = append(d.buf, p...)

	var out []Message
	for len(d.buf) >= 2 {
		n := int(d.buf[1])
		if len(d.buf) < 2+n {
			break
		}
		msg := Message{Type: MessageType(d.buf[0])}
		if n > 0 {
			msg.Value = append([]byte(nil), d.buf[2:2+n]...)
		}
		out = append(out, msg)
		d.buf = d.buf[2+n:]
	}

	if len(d.buf) == 0 {
		d.buf = nil
	}
	return out
}

// buffered returns the number of bytes waiting for a complete frame
func (d *Decoder) buffered() int {
	return len(d.buf)
}

// TestWork returns the board self-test frame: an 80-byte payload of zeros
// with each prime below 80 written at the frame offset equal to itself.
func TestWork() Message {
	frame := make([]byte, 2+80)
	for _, p := range []int{7, 11, 13, 17, 19, 23, 29, 31, 37, 41, 43, 47, 53, 59, 61, 67, 71, 73, 79} {
		frame[p] = byte(p)
	}
	return Message{Type: TypeTestWork, Value: frame[2:]}
}
