package session

import (
	"testing"
	"time"

	"github.com/lobaro/coap-go/coapmsg"
	"github.com/lobaro/coap-go/queue"
)

type fakeSink struct {
	delivered  []coapmsg.Message
	bodies     [][]byte
	reassembly []bool
	completion *Completion
}

func (f *fakeSink) Deliver(m coapmsg.Message, body []byte, reassembled bool) {
	f.delivered = append(f.delivered, m)
	f.bodies = append(f.bodies, body)
	f.reassembly = append(f.reassembly, reassembled)
}
func (f *fakeSink) Complete(c Completion) { cp := c; f.completion = &cp }

type fakeSender struct {
	sent []coapmsg.Message
	err  error
}

func (f *fakeSender) Send(m coapmsg.Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m)
	return nil
}

type fakeRegistry struct {
	szx          uint8
	unregistered []string
}

func (f *fakeRegistry) Block1SZX() uint8       { return f.szx }
func (f *fakeRegistry) SetBlock1SZX(szx uint8) { f.szx = szx }
func (f *fakeRegistry) Unregister(token string) {
	f.unregistered = append(f.unregistered, token)
}

func newTestSession(t *testing.T, req queue.RequestTemplate) (*Session, *fakeSink, *fakeSender, *fakeRegistry) {
	t.Helper()
	q := queue.NewDynamic(req)
	sink := &fakeSink{}
	sender := &fakeSender{}
	registry := &fakeRegistry{}
	s, err := New(req.Token, req.Type, q, sink, sender, registry)
	if err != nil {
		t.Fatal(err)
	}
	return s, sink, sender, registry
}

func TestPiggybackedResponseCompletes(t *testing.T) {
	req := queue.RequestTemplate{
		Token:   []byte{0xAA},
		Type:    coapmsg.Confirmable,
		Code:    coapmsg.GET,
		UriPath: []string{"sensors", "temp"},
	}
	s, sink, _, registry := newTestSession(t, req)

	front, ok := s.queue.(*queue.Dynamic).Next()
	if !ok {
		t.Fatal("expected an initial queued message")
	}

	resp := coapmsg.NewMessage()
	resp.Type = coapmsg.Acknowledgement
	resp.Code = coapmsg.Content
	resp.MessageID = front.MessageID
	resp.Token = req.Token
	resp.Payload = []byte("21.5")

	if err := s.HandleInbound(resp); err != nil {
		t.Fatal(err)
	}

	if len(sink.delivered) != 1 {
		t.Fatalf("expected one delivery, got %d", len(sink.delivered))
	}
	if s.State() != Completed {
		t.Errorf("expected Completed, got %s", s.State())
	}
	if len(registry.unregistered) != 1 {
		t.Errorf("expected token to be unregistered on completion")
	}
}

func TestSeparateResponseFlow(t *testing.T) {
	req := queue.RequestTemplate{
		Token: []byte{0x01},
		Type:  coapmsg.Confirmable,
		Code:  coapmsg.GET,
	}
	s, sink, _, _ := newTestSession(t, req)

	front, _ := s.queue.(*queue.Dynamic).Next()

	emptyAck := coapmsg.NewAck(front.MessageID)
	if err := s.HandleInbound(emptyAck); err != nil {
		t.Fatal(err)
	}
	if len(sink.delivered) != 0 {
		t.Fatalf("empty ack must not be delivered, got %d deliveries", len(sink.delivered))
	}
	if s.State() != Awaiting {
		t.Errorf("expected Awaiting after empty ack, got %s", s.State())
	}

	resp := coapmsg.NewMessage()
	resp.Type = coapmsg.Confirmable
	resp.Code = coapmsg.Content
	resp.MessageID = front.MessageID + 1
	resp.Token = req.Token
	resp.Payload = []byte("ok")

	if err := s.HandleInbound(resp); err != nil {
		t.Fatal(err)
	}

	if len(sink.delivered) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(sink.delivered))
	}
	if s.State() != Completed {
		t.Errorf("expected Completed, got %s", s.State())
	}
}

func TestObserveCancelSendsDeregister(t *testing.T) {
	req := queue.RequestTemplate{
		Token:   []byte{0x09},
		Type:    coapmsg.Confirmable,
		Code:    coapmsg.GET,
		Observe: true,
	}
	s, _, sender, registry := newTestSession(t, req)

	if !s.isObserve {
		t.Fatal("expected session to record is_observe from the head message")
	}

	if err := s.Cancel(); err != nil {
		t.Fatal(err)
	}

	if len(sender.sent) != 1 {
		t.Fatalf("expected one deregister message to be sent, got %d", len(sender.sent))
	}
	msg := sender.sent[0]
	if msg.Type != coapmsg.NonConfirmable {
		t.Errorf("expected NON deregister, got %s", msg.Type)
	}
	d, ok := msg.Observe()
	if !ok || d != coapmsg.ObserveDeregister {
		t.Errorf("expected Observe=Deregister, got %v ok=%v", d, ok)
	}
	if s.State() != Cancelled {
		t.Errorf("expected Cancelled, got %s", s.State())
	}
	if len(registry.unregistered) != 1 {
		t.Error("expected cancel to unregister the token")
	}
}

func TestBlock2ContinuationRequested(t *testing.T) {
	req := queue.RequestTemplate{
		Token: []byte{0x05},
		Type:  coapmsg.Confirmable,
		Code:  coapmsg.GET,
	}
	s, sink, _, _ := newTestSession(t, req)
	front, _ := s.queue.(*queue.Dynamic).Next()

	ack := coapmsg.NewAck(front.MessageID)
	if err := s.HandleInbound(ack); err != nil {
		t.Fatal(err)
	}

	resp := coapmsg.NewMessage()
	resp.Type = coapmsg.Confirmable
	resp.Code = coapmsg.Content
	resp.MessageID = front.MessageID + 1
	resp.Token = req.Token
	resp.Payload = []byte("chunk-0")
	if err := resp.SetBlock2(coapmsg.BlockValue{Num: 0, More: true, SZX: 2}); err != nil {
		t.Fatal(err)
	}

	if err := s.HandleInbound(resp); err != nil {
		t.Fatal(err)
	}

	if len(sink.delivered) != 1 {
		t.Fatalf("expected the block response to be delivered, got %d", len(sink.delivered))
	}
	if s.State() == Completed {
		t.Error("session must not complete while more Block2 fragments are expected")
	}

	next, ok := s.queue.Next()
	if !ok {
		t.Fatal("expected a continuation request to be queued")
	}
	bv, ok, err := next.Block2()
	if err != nil || !ok {
		t.Fatalf("expected continuation to carry Block2, err=%v ok=%v", err, ok)
	}
	if bv.Num != 1 || bv.More {
		t.Errorf("expected Block2 num=1, more=false, got %+v", bv)
	}
}

func TestBlock2ReassemblyConcatenatesInOrder(t *testing.T) {
	req := queue.RequestTemplate{
		Token: []byte{0x06},
		Type:  coapmsg.Confirmable,
		Code:  coapmsg.GET,
	}
	s, sink, _, _ := newTestSession(t, req)
	front, _ := s.queue.(*queue.Dynamic).Next()

	ack := coapmsg.NewAck(front.MessageID)
	if err := s.HandleInbound(ack); err != nil {
		t.Fatal(err)
	}

	block0 := coapmsg.NewMessage()
	block0.Type = coapmsg.Confirmable
	block0.Code = coapmsg.Content
	block0.MessageID = front.MessageID + 1
	block0.Token = req.Token
	block0.Payload = []byte("AB")
	if err := block0.SetBlock2(coapmsg.BlockValue{Num: 0, More: true, SZX: 2}); err != nil {
		t.Fatal(err)
	}
	if err := s.HandleInbound(block0); err != nil {
		t.Fatal(err)
	}
	if sink.reassembly[len(sink.reassembly)-1] {
		t.Fatal("expected reassembled=false while more blocks are outstanding")
	}

	block1 := coapmsg.NewMessage()
	block1.Type = coapmsg.Confirmable
	block1.Code = coapmsg.Content
	block1.MessageID = front.MessageID + 2
	block1.Token = req.Token
	block1.Payload = []byte("CD")
	if err := block1.SetBlock2(coapmsg.BlockValue{Num: 1, More: false, SZX: 2}); err != nil {
		t.Fatal(err)
	}
	if err := s.HandleInbound(block1); err != nil {
		t.Fatal(err)
	}

	last := len(sink.bodies) - 1
	if !sink.reassembly[last] {
		t.Fatal("expected reassembled=true on the final block")
	}
	if got := string(sink.bodies[last]); got != "ABCD" {
		t.Errorf("expected reassembled body %q, got %q", "ABCD", got)
	}
}

func TestBlock2ReassemblyGapNeverEmits(t *testing.T) {
	req := queue.RequestTemplate{
		Token: []byte{0x08},
		Type:  coapmsg.Confirmable,
		Code:  coapmsg.GET,
	}
	s, sink, _, _ := newTestSession(t, req)
	front, _ := s.queue.(*queue.Dynamic).Next()

	ack := coapmsg.NewAck(front.MessageID)
	if err := s.HandleInbound(ack); err != nil {
		t.Fatal(err)
	}

	// Only block 1 ever arrives; block 0 is missing, so the final block
	// (More=false) must still report reassembled=false.
	block1 := coapmsg.NewMessage()
	block1.Type = coapmsg.Confirmable
	block1.Code = coapmsg.Content
	block1.MessageID = front.MessageID + 1
	block1.Token = req.Token
	block1.Payload = []byte("CD")
	if err := block1.SetBlock2(coapmsg.BlockValue{Num: 1, More: false, SZX: 2}); err != nil {
		t.Fatal(err)
	}
	if err := s.HandleInbound(block1); err != nil {
		t.Fatal(err)
	}

	last := len(sink.bodies) - 1
	if sink.reassembly[last] {
		t.Fatal("expected reassembled=false when NUM 0 never arrived")
	}
	if sink.bodies[last] != nil {
		t.Error("expected no body when reassembly gap is detected")
	}
}

func TestDuplicateConsecutiveInboundCoalesced(t *testing.T) {
	req := queue.RequestTemplate{
		Token: []byte{0x02},
		Type:  coapmsg.NonConfirmable,
		Code:  coapmsg.GET,
	}
	s, sink, _, _ := newTestSession(t, req)

	notif := coapmsg.NewMessage()
	notif.Type = coapmsg.NonConfirmable
	notif.Code = coapmsg.Content
	notif.MessageID = 42
	notif.Token = req.Token
	notif.Payload = []byte("v1")

	if err := s.HandleInbound(notif); err != nil {
		t.Fatal(err)
	}
	if err := s.HandleInbound(notif); err != nil {
		t.Fatal(err)
	}

	if len(sink.delivered) != 1 {
		t.Fatalf("expected duplicate consecutive inbound to coalesce into one delivery, got %d", len(sink.delivered))
	}
}

func TestTickRetransmitsConfirmableUntilMaxRetransmit(t *testing.T) {
	req := queue.RequestTemplate{
		Token: []byte{0x07},
		Type:  coapmsg.Confirmable,
		Code:  coapmsg.GET,
	}
	s, sink, sender, _ := newTestSession(t, req)

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected Start to send the head message once, got %d", len(sender.sent))
	}

	// Before the armed timeout elapses, Tick must not resend.
	if err := s.Tick(); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected no retransmit before ack timeout, got %d sends", len(sender.sent))
	}

	s.nextRetransmitAt = s.nextRetransmitAt.Add(-time.Hour)
	for i := 0; i < maxRetransmit; i++ {
		if err := s.Tick(); err != nil {
			t.Fatal(err)
		}
		s.nextRetransmitAt = s.nextRetransmitAt.Add(-time.Hour)
	}
	if len(sender.sent) != 1+maxRetransmit {
		t.Fatalf("expected %d total sends after %d retransmits, got %d", 1+maxRetransmit, maxRetransmit, len(sender.sent))
	}

	if err := s.Tick(); err != nil {
		t.Fatal(err)
	}
	if s.State() != Failed {
		t.Fatalf("expected session to fail once MAX_RETRANSMIT is exceeded, got %s", s.State())
	}
	if sink.completion == nil || sink.completion.Kind != CompletionFailed {
		t.Error("expected a failed completion to be reported")
	}
}

func TestResetTerminatesSession(t *testing.T) {
	req := queue.RequestTemplate{
		Token: []byte{0x03},
		Type:  coapmsg.Confirmable,
		Code:  coapmsg.GET,
	}
	s, sink, _, _ := newTestSession(t, req)
	front, _ := s.queue.(*queue.Dynamic).Next()

	rst := coapmsg.NewRst(front.MessageID)
	rst.Token = req.Token
	if err := s.HandleInbound(rst); err != nil {
		t.Fatal(err)
	}

	if s.State() != Completed {
		t.Errorf("expected Completed after RST, got %s", s.State())
	}
	if sink.completion == nil || sink.completion.Kind != CompletionFinished {
		t.Error("expected a finished completion to be reported")
	}
}
