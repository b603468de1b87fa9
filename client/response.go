package client

import (
	"bytes"
	"io"
	"io/ioutil"

	"github.com/lobaro/coap-go/coapmsg"
)

// A Response is the result of a non-observing Request (section 6): the
// status code, the options the server attached to the final message,
// and the fully reassembled Block2 body.
type Response struct {
	StatusCode coapmsg.COAPCode
	Status     string
	Options    coapmsg.CoapOptions
	Body       io.ReadCloser
	Request    *Request
}

func newResponse(last coapmsg.Message, body []byte, req *Request) *Response {
	return &Response{
		StatusCode: last.Code,
		Status:     last.Code.String(),
		Options:    last.Options(),
		Body:       ioutil.NopCloser(bytes.NewReader(body)),
		Request:    req,
	}
}

// Notification is one inbound message of an Observation (section 4.4,
// RFC 7641): a reassembled notification body plus the sequence number
// from the Observe option, when present.
type Notification struct {
	StatusCode coapmsg.COAPCode
	Options    coapmsg.CoapOptions
	Body       []byte
	Sequence   uint32
	HasSeq     bool
}

// Observation is returned by Client.Observe: a channel of notifications
// terminated by a closed channel when the server, the transport or the
// caller ends the registration.
type Observation struct {
	notifications chan Notification
	cancel        func()
	err           error
}

func (o *Observation) Notifications() <-chan Notification { return o.notifications }

// Cancel sends the RFC 7641 deregistration GET and stops the
// Observation.
func (o *Observation) Cancel() { o.cancel() }

// Err returns the reason the Observation ended, once its channel is
// closed. Nil if it ended because Cancel was called.
func (o *Observation) Err() error { return o.err }
