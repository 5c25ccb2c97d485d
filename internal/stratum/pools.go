// Package stratum implements the client side of the Stratum V1 mining
// protocol: connection handling, message parsing and request encoding.
package stratum

import (
	"sync"
)

const (
	// initialLineSize is the read buffer a connection starts with
	initialLineSize = 4096

	// maxLineSize bounds one JSON line from the pool
	maxLineSize = 256 * 1024
)

// Object pools for the read path
var (
	// messagePool reuses decoded inbound messages
	messagePool = sync.Pool{
		New: func() any {
			return &Message{}
		},
	}

	// linePool holds the initial scanner buffers of closed connections
	linePool = sync.Pool{
		New: func() any {
			b := make([]byte, initialLineSize)
			return &b
		},
	}
)

// acquireMessage returns a zeroed Message
func acquireMessage() *Message {
	msg := messagePool.Get().(*Message)
	*msg = Message{}
	return msg
}

// ReleaseMessage returns msg to the pool. msg must not be used afterwards.
func ReleaseMessage(msg *Message) {
	if msg != nil {
		messagePool.Put(msg)
	}
}

func acquireLine() *[]byte {
	return linePool.Get().(*[]byte)
}

func releaseLine(b *[]byte) {
	if b != nil && cap(*b) == initialLineSize {
		*b = (*b)[:initialLineSize]
		linePool.Put(b)
	}
}
