// Package client is the application-facing API (section 6): a Client
// manages one Connection per endpoint and turns a Request into either a
// blocking Response (reassembling Block2 automatically) or a streaming
// Observation. Modeled on the teacher's coap.Client/coap.Request, with
// its RoundTripper swapped for the session-based Connection beneath it.
package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/lobaro/coap-go/coapmsg"
	"github.com/lobaro/coap-go/connection"
	"github.com/lobaro/coap-go/errkind"
	"github.com/lobaro/coap-go/transport"
)

// Dialer builds the transport.Transport for a scheme+host pair the
// first time a Client needs to talk to it. The default dialer covers
// coap+udp, coap+ws and coap+uart.
type Dialer func(scheme string) (transport.Transport, error)

func defaultDialer(scheme string) (transport.Transport, error) {
	switch scheme {
	case "coap", "coap+udp", "coaps":
		return transport.NewUDP(), nil
	case "coap+ws", "coaps+ws":
		return transport.NewWebSocket(), nil
	case "coap+uart":
		return transport.NewSerial(), nil
	default:
		return nil, fmt.Errorf("client: unsupported scheme %q", scheme)
	}
}

// Client is a CoAP client reused across requests, the way an
// http.Client is. Its zero value is usable.
type Client struct {
	// MaxParallelRequests is NSTART (RFC 7252 section 4.7): the number
	// of outstanding interactions allowed per endpoint. 0 means no
	// limit. Defaults to 1 in DefaultClient.
	MaxParallelRequests int32

	// Settings customizes every Connection this Client opens: ping
	// interval, security, token generator.
	Settings connection.Settings

	// Dial builds the transport for a scheme the first time it is
	// needed. Defaults to defaultDialer.
	Dial Dialer

	mu    sync.Mutex
	conns map[string]*endpointConn
}

type endpointConn struct {
	conn    *connection.Connection
	running int32
}

// DefaultClient mirrors the RFC 7252 default NSTART of 1.
var DefaultClient = &Client{MaxParallelRequests: 1}

// Get issues a GET to urlStr using DefaultClient.
func Get(ctx context.Context, urlStr string) (*Response, error) {
	return DefaultClient.Get(ctx, urlStr)
}

func (c *Client) Get(ctx context.Context, urlStr string) (*Response, error) {
	req, err := NewRequest("GET", urlStr, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

// Do sends req and blocks until the full (Block2-reassembled) response
// arrives, ctx is cancelled, or the session fails.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	ec, err := c.endpoint(req.URL)
	if err != nil {
		return nil, err
	}

	if !ec.acquire(c.MaxParallelRequests) {
		return nil, errkind.New(errkind.TransportError, fmt.Sprintf("MaxParallelRequests exhausted: %d", c.MaxParallelRequests))
	}
	defer ec.release()

	tmpl, err := req.template()
	if err != nil {
		return nil, err
	}

	stream, err := ec.conn.Request(tmpl)
	if err != nil {
		return nil, err
	}

	// body only ever takes the session's own Block2-reassembled bytes
	// (ResponseMessage.Body), never a raw per-message payload: a gappy
	// Block2 chain leaves Reassembled false on every delivery, so body
	// stays nil rather than holding a partial concatenation (section 8).
	var body []byte
	var last coapmsg.Message
	for {
		select {
		case msg, ok := <-stream.Messages():
			if !ok {
				return newResponse(last, body, req), nil
			}
			if msg.Done {
				if msg.Err != nil {
					return nil, msg.Err
				}
				if msg.Reassembled {
					body = msg.Body
				}
				return newResponse(last, body, req), nil
			}
			last = msg.Message
			if msg.Reassembled {
				body = msg.Body
			}
		case <-ctx.Done():
			stream.Cancel()
			return nil, errkind.Wrap(ctx.Err(), errkind.Cancelled, "request cancelled")
		}
	}
}

// Observe issues a GET with Observe registration and streams every
// notification the server sends until ctx is cancelled or the
// Observation is explicitly cancelled (RFC 7641, section 4.4 scenario 6).
func (c *Client) Observe(ctx context.Context, urlStr string) (*Observation, error) {
	req, err := NewRequest("GET", urlStr, nil)
	if err != nil {
		return nil, err
	}
	req.Observe = true

	ec, err := c.endpoint(req.URL)
	if err != nil {
		return nil, err
	}

	tmpl, err := req.template()
	if err != nil {
		return nil, err
	}

	stream, err := ec.conn.Request(tmpl)
	if err != nil {
		return nil, err
	}

	obs := &Observation{
		notifications: make(chan Notification, 16),
		cancel:        stream.Cancel,
	}

	go func() {
		defer close(obs.notifications)
		for {
			select {
			case msg, ok := <-stream.Messages():
				if !ok {
					return
				}
				if msg.Done {
					obs.err = msg.Err
					return
				}
				// A mid-chain Block2 fragment, or a chain with a gap,
				// leaves Reassembled false: wait for the rest rather
				// than surfacing a partial notification body.
				if !msg.Reassembled {
					continue
				}
				n := Notification{
					StatusCode: msg.Message.Code,
					Options:    msg.Message.Options(),
					Body:       append([]byte(nil), msg.Body...),
				}
				if seq, ok := msg.Message.Observe(); ok {
					n.Sequence = uint32(seq)
					n.HasSeq = true
				}
				obs.notifications <- n
			case <-ctx.Done():
				stream.Cancel()
			}
		}
	}()

	return obs, nil
}

func (c *Client) endpoint(u *url.URL) (*endpointConn, error) {
	key := u.Scheme + "://" + canonicalAddr(u)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conns == nil {
		c.conns = make(map[string]*endpointConn)
	}
	if ec, ok := c.conns[key]; ok {
		return ec, nil
	}

	dial := c.Dial
	if dial == nil {
		dial = defaultDialer
	}
	tr, err := dial(u.Scheme)
	if err != nil {
		return nil, err
	}

	settings := c.Settings
	settings.Endpoint = canonicalAddr(u)
	settings.Transport = tr

	conn, err := connection.Open(settings)
	if err != nil {
		return nil, err
	}

	ec := &endpointConn{conn: conn}
	c.conns[key] = ec
	return ec, nil
}

func (ec *endpointConn) acquire(max int32) bool {
	if max == 0 {
		return true
	}
	for {
		cur := atomic.LoadInt32(&ec.running)
		if cur >= max {
			return false
		}
		if atomic.CompareAndSwapInt32(&ec.running, cur, cur+1) {
			return true
		}
	}
}

func (ec *endpointConn) release() {
	atomic.AddInt32(&ec.running, -1)
}

// canonicalAddr returns u.Host with a ":port" suffix, defaulting per
// scheme the way net/http's transport does for "http"/"https". A host
// without a port is returned unchanged when its scheme has no default
// port in portMap (e.g. coap+uart).
func canonicalAddr(u *url.URL) string {
	addr := u.Host
	if !hasPort(addr) {
		if port := portMap[u.Scheme]; port != "" {
			return addr + ":" + port
		}
		return addr
	}
	return addr
}
