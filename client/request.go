package client

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"net/url"
	"strings"

	"github.com/lobaro/coap-go/coapmsg"
	"github.com/lobaro/coap-go/queue"
)

// A Request represents a CoAP request to be sent by a Client. Shaped
// after net/http.Request so developers used to HTTP feel at home with
// it (section 6).
type Request struct {
	// Method is GET, POST, PUT or DELETE. An empty Method means GET.
	Method string

	// Confirmable requests are sent as CON and retransmitted per
	// section 4.4 until acknowledged; non-confirmable requests are
	// fire-and-forget NON messages.
	Confirmable bool

	// URL's scheme selects the transport: coap+udp, coap+ws or
	// coap+uart. Host (and optional :port) names the endpoint; Path
	// and RawQuery become Uri-Path/Uri-Query options.
	URL *url.URL

	ContentFormat uint16
	HasContentFmt bool
	Accept        uint16
	HasAccept     bool
	IfMatch       [][]byte
	IfNoneMatch   bool

	// Observe requests registration (RFC 7641) on a GET.
	Observe bool

	// Body is the request payload. A nil Body means no payload.
	Body io.Reader
}

// NewRequest builds a Request for method against urlStr. An empty
// method defaults to GET, mirroring net/http.
func NewRequest(method, urlStr string, body io.Reader) (*Request, error) {
	if method == "" {
		method = "GET"
	}
	if !validMethod(method) {
		return nil, fmt.Errorf("client: invalid method %q", method)
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, err
	}
	u.Host = removeEmptyPort(u.Host)
	return &Request{
		Method:      method,
		Confirmable: true,
		URL:         u,
		Body:        body,
	}, nil
}

func validMethod(m string) bool {
	switch strings.ToUpper(m) {
	case "GET", "POST", "PUT", "DELETE":
		return true
	}
	return false
}

func (r *Request) code() coapmsg.COAPCode {
	switch strings.ToUpper(r.Method) {
	case "POST":
		return coapmsg.POST
	case "PUT":
		return coapmsg.PUT
	case "DELETE":
		return coapmsg.DELETE
	default:
		return coapmsg.GET
	}
}

func (r *Request) payload() ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	if b, ok := r.Body.(*bytes.Buffer); ok {
		return b.Bytes(), nil
	}
	return ioutil.ReadAll(r.Body)
}

func (r *Request) uriPath() []string {
	trimmed := strings.Trim(r.URL.Path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func (r *Request) uriQuery() []string {
	if r.URL.RawQuery == "" {
		return nil
	}
	return strings.Split(r.URL.RawQuery, "&")
}

// template builds the queue.RequestTemplate a Connection uses to slice
// this Request into one or more wire messages (section 4.3). Token is
// left empty; the Connection fills it from its TokenGenerator.
func (r *Request) template() (queue.RequestTemplate, error) {
	payload, err := r.payload()
	if err != nil {
		return queue.RequestTemplate{}, err
	}
	msgType := coapmsg.NonConfirmable
	if r.Confirmable {
		msgType = coapmsg.Confirmable
	}
	return queue.RequestTemplate{
		Type:          msgType,
		Code:          r.code(),
		UriHost:       r.URL.Hostname(),
		UriPort:       uriPort(r.URL),
		UriPath:       r.uriPath(),
		UriQuery:      r.uriQuery(),
		IfMatch:       r.IfMatch,
		IfNoneMatch:   r.IfNoneMatch,
		ContentFormat: r.ContentFormat,
		HasContentFmt: r.HasContentFmt,
		Accept:        r.Accept,
		HasAccept:     r.HasAccept,
		Observe:       r.Observe,
		Payload:       payload,
	}, nil
}

func uriPort(u *url.URL) uint16 {
	port := u.Port()
	if port == "" {
		return 0
	}
	var n uint16
	fmt.Sscanf(port, "%d", &n)
	return n
}

var portMap = map[string]string{
	"coap":      "5683",
	"coaps":     "5684",
	"coap+udp":  "5683",
	"coap+ws":   "80",
	"coap+uart": "",
}

func hasPort(s string) bool { return strings.LastIndex(s, ":") > strings.LastIndex(s, "]") }

func removeEmptyPort(host string) string {
	if hasPort(host) {
		return strings.TrimSuffix(host, ":")
	}
	return host
}
