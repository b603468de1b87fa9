package transport

import (
	"context"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WebSocket is a CoAP-over-WebSocket transport: each Send/Receive is one
// binary WebSocket message carrying exactly one CoAP datagram. Grounded
// on the teacher's wsSocket (socket/wssocket.go), which ran the gorilla
// websocket server side of the same mirror; this is the client dialer
// half the teacher never wrote.
type WebSocket struct {
	conn   *websocket.Conn
	events chan Event
	log    *logrus.Entry
}

func NewWebSocket() *WebSocket {
	return &WebSocket{events: make(chan Event, 4), log: logrus.WithField("transport", "websocket")}
}

func (t *WebSocket) Start(ctx context.Context, endpoint string, params Params) (<-chan Event, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		t.events <- Event{State: Failed, Err: err}
		return t.events, err
	}
	t.conn = conn

	go func() {
		<-ctx.Done()
		t.Cancel()
	}()

	t.events <- Event{State: Ready}
	return t.events, nil
}

func (t *WebSocket) Send(b []byte) error {
	return t.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (t *WebSocket) Receive() ([]byte, error) {
	for {
		mt, b, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.BinaryMessage {
			t.log.WithField("messageType", mt).Warn("dropping non-binary websocket frame")
			continue
		}
		return b, nil
	}
}

func (t *WebSocket) Cancel() error {
	err := t.conn.Close()
	t.events <- Event{State: Cancelled}
	return err
}
