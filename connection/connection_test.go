package connection

import (
	"testing"
	"time"

	"github.com/lobaro/coap-go/coapmsg"
	"github.com/lobaro/coap-go/queue"
	"github.com/lobaro/coap-go/transport/transporttest"
)

func waitMessage(t *testing.T, stream *Stream) ResponseMessage {
	t.Helper()
	select {
	case m := <-stream.Messages():
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return ResponseMessage{}
	}
}

func TestRequestPiggybackedResponse(t *testing.T) {
	pipe := transporttest.NewPipe()
	c, err := Open(Settings{
		Endpoint:       "pipe",
		Transport:      pipe,
		TokenGenerator: NewCountingTokenGenerator(),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	stream, err := c.Request(queue.RequestTemplate{
		Type:    coapmsg.Confirmable,
		Code:    coapmsg.GET,
		UriPath: []string{"sensors", "temp"},
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	raw, err := pipe.ServerReceive()
	if err != nil {
		t.Fatalf("ServerReceive: %v", err)
	}
	var req coapmsg.Message
	if err := req.UnmarshalBinary(raw); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if req.Code != coapmsg.GET {
		t.Fatalf("expected GET, got %v", req.Code)
	}

	resp := coapmsg.NewAck(req.MessageID)
	resp.Code = coapmsg.Content
	resp.Token = req.Token
	resp.Payload = []byte("21.5")
	pipe.ServerSend(resp.MustMarshalBinary())

	msg := waitMessage(t, stream)
	if msg.Done {
		t.Fatalf("expected data message first, got terminal %+v", msg)
	}
	if string(msg.Message.Payload) != "21.5" {
		t.Fatalf("unexpected payload %q", msg.Message.Payload)
	}

	done := waitMessage(t, stream)
	if !done.Done || done.Kind != "finished" {
		t.Fatalf("expected finished completion, got %+v", done)
	}
}

func TestUnknownTokenGetsReset(t *testing.T) {
	pipe := transporttest.NewPipe()
	c, err := Open(Settings{Endpoint: "pipe", Transport: pipe})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	stray := coapmsg.NewMessage()
	stray.Type = coapmsg.Confirmable
	stray.Code = coapmsg.Content
	stray.MessageID = 9001
	stray.Token = []byte{0xAB}
	pipe.ServerSend(stray.MustMarshalBinary())

	raw, err := pipe.ServerReceive()
	if err != nil {
		t.Fatalf("ServerReceive: %v", err)
	}
	var rst coapmsg.Message
	if err := rst.UnmarshalBinary(raw); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if rst.Type != coapmsg.Reset || rst.MessageID != 9001 {
		t.Fatalf("expected RST for message 9001, got %+v", rst)
	}
}
