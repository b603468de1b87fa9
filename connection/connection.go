// Package connection implements the Connection component (section 4.5):
// it owns the transport, the session table, a ping/keepalive timer and
// the inbound dispatcher that routes decoded messages to the right
// Session by token.
package connection

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lobaro/coap-go/coapmsg"
	"github.com/lobaro/coap-go/errkind"
	"github.com/lobaro/coap-go/queue"
	"github.com/lobaro/coap-go/session"
	"github.com/lobaro/coap-go/transport"
)

// Connection is the process-level owner described in section 3: the
// transport handle, the active session tokens, and the connection-wide
// Block1 SZX preference updated from any incoming Block1 option.
type Connection struct {
	settings Settings
	tr       transport.Transport
	tokenGen TokenGenerator
	log      *logrus.Entry

	mu            sync.Mutex
	sessions      map[string]*session.Session
	block1SZX     uint8
	lastInboundTs time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// Open starts the transport named in settings and begins the
// Connection's event loop (read dispatch + periodic tick + keepalive).
func Open(settings Settings) (*Connection, error) {
	ctx, cancel := context.WithCancel(context.Background())

	tokenGen := settings.TokenGenerator
	if tokenGen == nil {
		tokenGen = NewRandomTokenGenerator()
	}

	c := &Connection{
		settings: settings,
		tr:       settings.Transport,
		tokenGen: tokenGen,
		log:      logrus.WithField("endpoint", settings.Endpoint),
		sessions: make(map[string]*session.Session),
		ctx:      ctx,
		cancel:   cancel,
	}

	params := transport.Params{Security: settings.Security}
	events, err := c.tr.Start(ctx, settings.Endpoint, params)
	if err != nil {
		cancel()
		return nil, errkind.Wrap(err, errkind.TransportError, "failed to start transport")
	}

	ready := make(chan struct{})
	go c.watchState(events, ready)
	select {
	case <-ready:
	case <-ctx.Done():
		return nil, errkind.New(errkind.Cancelled, "connection cancelled before becoming ready")
	}

	go c.readLoop()
	go c.tickLoop()

	return c, nil
}

func (c *Connection) watchState(events <-chan transport.Event, ready chan struct{}) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.State {
			case transport.Ready:
				select {
				case <-ready:
				default:
					close(ready)
				}
			case transport.Failed:
				c.failAll(errkind.Wrap(ev.Err, errkind.TransportError, "transport failed"))
				return
			case transport.Cancelled:
				c.failAll(errkind.New(errkind.Cancelled, "transport cancelled"))
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) readLoop() {
	for {
		raw, err := c.tr.Receive()
		if err != nil {
			select {
			case <-c.ctx.Done():
				return
			default:
			}
			c.failAll(errkind.Wrap(err, errkind.TransportError, "transport read failed"))
			return
		}

		var m coapmsg.Message
		if err := m.UnmarshalBinary(raw); err != nil {
			c.log.WithError(err).Warn("dropping malformed inbound datagram")
			continue
		}

		c.mu.Lock()
		c.lastInboundTs = time.Now()
		c.mu.Unlock()

		c.dispatch(m)
	}
}

// dispatch routes one decoded message to its Session by token, or - if
// the token is unknown - sends an RST to quench server retransmissions
// (section 4.5/6a-c).
func (c *Connection) dispatch(m coapmsg.Message) {
	c.mu.Lock()
	s, ok := c.sessions[string(m.Token)]
	if !ok {
		for _, candidate := range c.sessions {
			if candidate.Matches(m) {
				s = candidate
				ok = true
				break
			}
		}
	}
	c.mu.Unlock()

	if !ok {
		c.log.WithField("token", m.Token).WithField("messageId", m.MessageID).
			Warn("no session for inbound message, sending RST")
		rst := coapmsg.NewRst(m.MessageID)
		if err := c.Send(rst); err != nil {
			c.log.WithError(err).Warn("failed to send RST")
		}
		return
	}

	if err := s.HandleInbound(m); err != nil {
		c.log.WithError(err).WithField("token", m.Token).Warn("session failed to handle inbound message")
	}
}

// tickLoop runs the 1 Hz retransmission sweep and the keepalive check.
func (c *Connection) tickLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var keepalive <-chan time.Time
	if pingEvery := c.settings.pingEvery(); pingEvery > 0 {
		kt := time.NewTicker(pingEvery)
		defer kt.Stop()
		keepalive = kt.C
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.tickSessions()
		case <-keepalive:
			c.checkKeepalive()
		}
	}
}

func (c *Connection) tickSessions() {
	c.mu.Lock()
	sessions := make([]*session.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		if err := s.Tick(); err != nil {
			c.log.WithError(err).Warn("session tick failed")
		}
	}
}

func (c *Connection) checkKeepalive() {
	pingEvery := c.settings.pingEvery()
	if pingEvery <= 0 {
		return
	}

	c.mu.Lock()
	last := c.lastInboundTs
	c.mu.Unlock()
	if last.IsZero() {
		return
	}

	threshold := pingEvery * time.Duration(c.settings.keepaliveMultiplier())
	if time.Since(last) > threshold {
		c.failAll(errkind.New(errkind.TimedOut, "keepalive timeout"))
		return
	}

	ping := coapmsg.NewMessage()
	ping.Type = coapmsg.Confirmable
	ping.Code = coapmsg.Empty
	ping.MessageID = queue.NewMessageID()
	if err := c.Send(ping); err != nil {
		c.log.WithError(err).Warn("failed to send keepalive ping")
	}
}

// Send encodes m and writes it to the transport (section 4.5 send path).
// It implements session.Sender.
func (c *Connection) Send(m coapmsg.Message) error {
	raw, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	if err := c.tr.Send(raw); err != nil {
		err = errkind.Wrap(err, errkind.TransportError, "transport write failed")
		c.failAll(err)
		return err
	}
	return nil
}

// Block1SZX/SetBlock1SZX implement session.Registry.
func (c *Connection) Block1SZX() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.block1SZX
}

func (c *Connection) SetBlock1SZX(szx uint8) {
	c.mu.Lock()
	c.block1SZX = szx
	c.mu.Unlock()
}

func (c *Connection) Unregister(token string) {
	c.mu.Lock()
	delete(c.sessions, token)
	c.mu.Unlock()
}

func (c *Connection) failAll(err error) {
	c.mu.Lock()
	sessions := make([]*session.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = make(map[string]*session.Session)
	c.mu.Unlock()

	for _, s := range sessions {
		s.Fail(err)
	}
	c.cancel()
}

// Request opens a Session for a logical request built from a
// RequestTemplate whose Token is filled in by the Connection's token
// generator (section 6).
func (c *Connection) Request(req queue.RequestTemplate) (*Stream, error) {
	req.Token = c.tokenGen.NextToken()
	return c.startSession(req.Token, req.Type, queue.NewDynamic(req))
}

// RequestRaw opens a Session from an already-built sequence of messages
// sharing one token, bypassing the Dynamic queue entirely.
func (c *Connection) RequestRaw(token []byte, reqType coapmsg.COAPType, messages []coapmsg.Message) (*Stream, error) {
	return c.startSession(token, reqType, queue.NewPreset(token, messages))
}

func (c *Connection) startSession(token []byte, reqType coapmsg.COAPType, q queue.Queue) (*Stream, error) {
	sink := newStreamSink()
	s, err := session.New(token, reqType, q, sink, c, c)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.sessions[string(token)] = s
	c.mu.Unlock()

	if err := s.Start(); err != nil {
		c.Unregister(string(token))
		return nil, err
	}

	return &Stream{
		messages: sink.out,
		cancel: func() {
			if err := s.Cancel(); err != nil {
				c.log.WithError(err).Warn("session cancel failed")
			}
		},
	}, nil
}

// Close cancels the transport and fails every open session: each one
// reports a failed completion whose error is of kind cancelled.
func (c *Connection) Close() error {
	c.failAll(errkind.New(errkind.Cancelled, "connection closed"))
	return c.tr.Cancel()
}
