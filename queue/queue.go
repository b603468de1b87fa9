// Package queue implements the per-session outgoing message queue
// (section 4.3): a small capability set - next/enqueue/enqueue_block/
// dequeue/contains/reset - with two concrete variants, Preset and
// Dynamic, rather than one type that switches behavior at runtime.
package queue

import (
	"math/rand"

	"github.com/lobaro/coap-go/coapmsg"
)

// Queue is the capability set shared by Preset and Dynamic. Prefer
// asserting to the concrete type when a caller needs variant-specific
// behavior; most callers only need this interface.
type Queue interface {
	// Token the queue's messages carry.
	Token() []byte
	// Next returns the front message still pending delivery, or ok=false
	// if the queue is empty.
	Next() (m coapmsg.Message, ok bool)
	// Dequeue removes the message with the given message id, if present.
	Dequeue(messageID uint16)
	// EnqueueBlock asks the queue to produce and enqueue the outgoing
	// message for block number num at block-size exponent szx. A no-op
	// on a Preset queue.
	EnqueueBlock(num uint32, szx uint8) error
	// Enqueue adds an already-built message to the back of the queue.
	Enqueue(m coapmsg.Message)
	// Contains reports whether a message with the given id is queued.
	Contains(messageID uint16) bool
	// Reset clears the queue (and, for Dynamic, the cut position).
	Reset()
}

// NewMessageID draws a fresh message id from a uniform random 16-bit
// source, per section 4.3's message-id policy.
func NewMessageID() uint16 {
	return uint16(rand.Intn(1 << 16))
}
