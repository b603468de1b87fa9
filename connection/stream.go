package connection

import (
	"github.com/lobaro/coap-go/coapmsg"
	"github.com/lobaro/coap-go/session"
)

// ResponseMessage is one item in a Stream: either a decoded inbound
// message, or, once Done is true, the terminal outcome (section 6/7).
//
// Body/Reassembled carry the session's Block2-reassembled payload for
// Message (section 6/8): for a non-blockwise message this is just its
// own payload; for a blockwise one it is only populated, with
// Reassembled true, once every block through the final one has
// arrived with no gap in NUM. Callers must not use Message.Payload
// directly as a response/notification body, since that is only one
// fragment of a possibly multi-block response.
type ResponseMessage struct {
	Message     coapmsg.Message
	Body        []byte
	Reassembled bool
	Done        bool
	Kind        session.CompletionKind
	Err         error
}

// Stream is what Connection.Request/RequestRaw return: a channel of
// ResponseMessage terminated by exactly one Done message, and a Cancel
// that triggers session cancellation (section 4.4/6).
type Stream struct {
	messages chan ResponseMessage
	cancel   func()
}

func (s *Stream) Messages() <-chan ResponseMessage { return s.messages }

// Cancel triggers cooperative session cancellation; in-flight
// retransmissions for this token are discarded on the next tick.
func (s *Stream) Cancel() { s.cancel() }

// streamSink adapts a Session's Sink calls onto a Stream's channel.
type streamSink struct {
	out chan ResponseMessage
}

func newStreamSink() *streamSink {
	return &streamSink{out: make(chan ResponseMessage, 16)}
}

func (s *streamSink) Deliver(m coapmsg.Message, body []byte, reassembled bool) {
	s.out <- ResponseMessage{Message: m, Body: body, Reassembled: reassembled}
}

func (s *streamSink) Complete(c session.Completion) {
	s.out <- ResponseMessage{
		Done:        true,
		Kind:        c.Kind,
		Err:         c.Err,
		Body:        c.Body,
		Reassembled: c.Reassembled,
	}
	close(s.out)
}
