package queue

import "github.com/lobaro/coap-go/coapmsg"

// Preset holds a caller-provided ordered list of already-built messages,
// used by Connection.RequestRaw (section 6) where the application
// constructs every outgoing message itself.
type Preset struct {
	token        []byte
	messages     []coapmsg.Message
	acknowledged map[uint16]bool
}

func NewPreset(token []byte, messages []coapmsg.Message) *Preset {
	return &Preset{
		token:        token,
		messages:     messages,
		acknowledged: make(map[uint16]bool),
	}
}

func (q *Preset) Token() []byte { return q.token }

// Next returns the first message whose id has not yet been acknowledged.
func (q *Preset) Next() (coapmsg.Message, bool) {
	for _, m := range q.messages {
		if !q.acknowledged[m.MessageID] {
			return m, true
		}
	}
	return coapmsg.Message{}, false
}

// Dequeue marks messageID as acknowledged so Next skips it.
func (q *Preset) Dequeue(messageID uint16) {
	q.acknowledged[messageID] = true
}

// EnqueueBlock is a no-op: the caller already owns chunking for a preset
// queue.
func (q *Preset) EnqueueBlock(num uint32, szx uint8) error {
	return nil
}

func (q *Preset) Enqueue(m coapmsg.Message) {
	q.messages = append(q.messages, m)
}

func (q *Preset) Contains(messageID uint16) bool {
	for _, m := range q.messages {
		if m.MessageID == messageID && !q.acknowledged[m.MessageID] {
			return true
		}
	}
	return false
}

func (q *Preset) Reset() {
	q.messages = nil
	q.acknowledged = make(map[uint16]bool)
}
