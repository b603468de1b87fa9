package queue

import "github.com/lobaro/coap-go/coapmsg"

// RequestTemplate is the logical request a Dynamic queue slices into one
// or more wire messages: the method, the URI and other request options,
// and the payload to be split across Block1 blocks if it doesn't fit in
// one.
type RequestTemplate struct {
	Token         []byte
	Type          coapmsg.COAPType
	Code          coapmsg.COAPCode
	UriHost       string
	UriPort       uint16
	UriPath       []string
	UriQuery      []string
	IfMatch       [][]byte
	IfNoneMatch   bool
	ContentFormat uint16
	HasContentFmt bool
	Accept        uint16
	HasAccept     bool
	Observe       bool
	Payload       []byte
}

// Dynamic builds messages on demand from a RequestTemplate, slicing the
// payload into Block1-sized chunks as the session advances through block
// numbers (section 4.3).
type Dynamic struct {
	req         RequestTemplate
	messages    []coapmsg.Message
	cutPosition int
}

func NewDynamic(req RequestTemplate) *Dynamic {
	return &Dynamic{req: req}
}

func (q *Dynamic) Token() []byte { return q.req.Token }

func (q *Dynamic) Next() (coapmsg.Message, bool) {
	if len(q.messages) == 0 {
		return coapmsg.Message{}, false
	}
	return q.messages[0], true
}

func (q *Dynamic) Dequeue(messageID uint16) {
	for i, m := range q.messages {
		if m.MessageID == messageID {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			return
		}
	}
}

func (q *Dynamic) Enqueue(m coapmsg.Message) {
	q.messages = append(q.messages, m)
}

func (q *Dynamic) Contains(messageID uint16) bool {
	for _, m := range q.messages {
		if m.MessageID == messageID {
			return true
		}
	}
	return false
}

func (q *Dynamic) Reset() {
	q.messages = nil
	q.cutPosition = 0
}

// EnqueueBlock builds and enqueues the outgoing message for block number
// num at size exponent szx, per section 4.3's Dynamic queue rules.
func (q *Dynamic) EnqueueBlock(num uint32, szx uint8) error {
	if num == 0 {
		return q.enqueueHead(szx)
	}

	blockSize := 1 << (szx + 4)
	if q.cutPosition >= len(q.req.Payload) {
		return nil // payload fully sent
	}

	end := q.cutPosition + blockSize
	more := end < len(q.req.Payload)
	if end > len(q.req.Payload) {
		end = len(q.req.Payload)
	}
	chunk := q.req.Payload[q.cutPosition:end]

	m := q.newMessage()
	m.Payload = chunk
	bv, err := coapmsg.NewBlockValue(num, more, szx)
	if err != nil {
		return err
	}
	if err := m.SetBlock1(bv); err != nil {
		return err
	}

	q.Enqueue(m)
	q.cutPosition = end
	return nil
}

func (q *Dynamic) enqueueHead(szx uint8) error {
	m := q.newMessage()
	q.setUriOptions(&m)

	if q.req.Observe {
		m.SetObserve(coapmsg.ObserveRegister)
	}

	spansMultiple := len(q.req.Payload) > (1 << (szx + 4))
	if spansMultiple {
		blockSize := 1 << (szx + 4)
		end := blockSize
		more := end < len(q.req.Payload)
		if end > len(q.req.Payload) {
			end = len(q.req.Payload)
		}
		m.Payload = q.req.Payload[:end]
		bv, err := coapmsg.NewBlockValue(0, more, szx)
		if err != nil {
			return err
		}
		if err := m.SetBlock1(bv); err != nil {
			return err
		}
		q.cutPosition = end
	} else {
		m.Payload = q.req.Payload
		q.cutPosition = len(q.req.Payload)
	}

	q.Enqueue(m)
	return nil
}

func (q *Dynamic) newMessage() coapmsg.Message {
	m := coapmsg.NewMessage()
	m.Type = q.req.Type
	m.Code = q.req.Code
	m.MessageID = NewMessageID()
	m.Token = q.req.Token
	return m
}

func (q *Dynamic) setUriOptions(m *coapmsg.Message) {
	if q.req.UriHost != "" {
		m.Options().Set(coapmsg.URIHost, q.req.UriHost)
	}
	if q.req.UriPort != 0 {
		m.Options().Set(coapmsg.URIPort, uint32(q.req.UriPort))
	}
	for _, p := range q.req.UriPath {
		m.Options().Add(coapmsg.URIPath, p)
	}
	for _, qr := range q.req.UriQuery {
		m.Options().Add(coapmsg.URIQuery, qr)
	}
	for _, etag := range q.req.IfMatch {
		m.Options().Add(coapmsg.IfMatch, etag)
	}
	if q.req.IfNoneMatch {
		m.Options().Set(coapmsg.IfNoneMatch, nil)
	}
	if q.req.HasContentFmt {
		m.Options().Set(coapmsg.ContentFormat, uint32(q.req.ContentFormat))
	}
	if q.req.HasAccept {
		m.Options().Set(coapmsg.Accept, uint32(q.req.Accept))
	}
}
