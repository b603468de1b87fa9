// Package session implements the per-token request state machine
// (section 4.4): it drives retransmission of outgoing confirmable
// messages, reassembly of Block2 responses, issuance of Block2
// continuation requests, acknowledgement of server-initiated
// confirmables, Observe lifecycle and termination.
package session

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lobaro/coap-go/coapmsg"
	"github.com/lobaro/coap-go/errkind"
	"github.com/lobaro/coap-go/queue"
)

// Retransmission timing from RFC 7252 section 4.8: the first timeout is
// randomized between ACK_TIMEOUT and ACK_TIMEOUT*ACK_RANDOM_FACTOR, then
// doubles on every retransmit up to MAX_RETRANSMIT attempts.
const (
	ackTimeoutBase  = 2 * time.Second
	ackRandomFactor = 1.5
	maxRetransmit   = 4
)

func initialAckTimeout() time.Duration {
	factor := 1 + rand.Float64()*(ackRandomFactor-1)
	return time.Duration(float64(ackTimeoutBase) * factor)
}

// State is one of the lifecycle states from section 3/4.4.
type State int

const (
	Idle State = iota
	Sending
	Awaiting
	Completed
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Sending:
		return "Sending"
	case Awaiting:
		return "Awaiting"
	case Completed:
		return "Completed"
	case Cancelled:
		return "Cancelled"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

func (s State) Terminal() bool {
	return s == Completed || s == Cancelled || s == Failed
}

// CompletionKind is the application-visible outcome a Session reports
// when it terminates (section 7).
type CompletionKind string

const (
	CompletionFinished  CompletionKind = "finished"
	CompletionFailed    CompletionKind = "failed"
	CompletionCancelled CompletionKind = "cancelled"
)

type Completion struct {
	Kind CompletionKind
	Err  error

	// Body/Reassembled carry the Block2 fragments recorded over the
	// session's lifetime, concatenated in ascending NUM order (section
	// 6/8). Reassembled is false if any NUM in [0, highest] never
	// arrived, in which case Body is nil and callers must not treat a
	// partial concatenation as the response body.
	Body        []byte
	Reassembled bool
}

// Sink is the application-facing subscription a Session delivers
// messages and its terminal completion to. body/reassembled accompany
// every Deliver call with the best currently-known reassembled payload
// for m (section 6/8): for a plain, non-blockwise message this is just
// m.Payload with reassembled true; for a Block2-chunked message it is
// only true on the final block (More==false) and only if every NUM in
// [0, highest] has been recorded, so a caller never sees a body built
// from a partial or gappy fragment set.
type Sink interface {
	Deliver(m coapmsg.Message, body []byte, reassembled bool)
	Complete(c Completion)
}

// Sender is how a Session asks its owning Connection to put a message
// on the wire right now, outside of the retransmission queue (used for
// ACKs, block continuation and one-shot deregister messages).
type Sender interface {
	Send(m coapmsg.Message) error
}

// Registry is the slice of Connection a Session needs: reading and
// updating the connection-wide Block1 size preference, and dropping its
// own token on termination.
type Registry interface {
	Block1SZX() uint8
	SetBlock1SZX(szx uint8)
	Unregister(token string)
}

// Session owns one logical request: its queue of outgoing messages, its
// lifecycle state and its Block2 reassembly buffer.
//
// HandleInbound, Tick and Cancel are each called from a different
// goroutine (the connection's read loop, its 1 Hz tick loop, and
// whichever goroutine holds the returned Stream), so every field below
// mu guards is only ever touched with mu held.
type Session struct {
	mu sync.Mutex

	token       []byte
	reqType     coapmsg.COAPType
	isObserve   bool
	state       State
	queue       queue.Queue
	sink        Sink
	sender      Sender
	registry    Registry
	log         *logrus.Entry
	fragments   map[uint32][]byte
	haveLastB2  bool
	moreBlock2  bool
	lastMsgID   uint16
	haveLastMsg bool

	retransmitMsgID   uint16
	haveRetransmitMsg bool
	retransmitCount   int
	currentTimeout    time.Duration
	nextRetransmitAt  time.Time
}

// New constructs a Session for a request already loaded into q and
// records isObserve by inspecting the head message's Observe option
// (section 4.4 construction). Call Start once the Session is
// registered with its owning Connection to send the head message.
func New(token []byte, reqType coapmsg.COAPType, q queue.Queue, sink Sink, sender Sender, registry Registry) (*Session, error) {
	s := &Session{
		token:     token,
		reqType:   reqType,
		queue:     q,
		sink:      sink,
		sender:    sender,
		registry:  registry,
		state:     Idle,
		fragments: make(map[uint32][]byte),
		log:       logrus.WithField("token", token),
	}

	if err := q.EnqueueBlock(0, registry.Block1SZX()); err != nil {
		return nil, err
	}

	s.state = Sending

	if head, ok := q.Next(); ok {
		if d, isSet := head.Observe(); isSet {
			s.isObserve = d == coapmsg.ObserveRegister
		}
	}

	return s, nil
}

// Start sends the head message. Callers register the Session (so
// inbound dispatch can find it by token) before calling Start, so a
// reply racing the send always finds a registered session.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	head, ok := s.queue.Next()
	if !ok {
		return nil
	}
	return s.sendFront(head)
}

// sendFront puts m on the wire and arms its retransmission clock if it
// is Confirmable, or dequeues it immediately if it is Non-confirmable
// (fire-and-forget, section 4.4).
func (s *Session) sendFront(m coapmsg.Message) error {
	if err := s.sender.Send(m); err != nil {
		return errkind.Wrap(err, errkind.TransportError, "failed to send message")
	}
	if m.Type == coapmsg.Confirmable {
		s.armRetransmit(m.MessageID)
	} else {
		s.queue.Dequeue(m.MessageID)
	}
	return nil
}

func (s *Session) armRetransmit(msgID uint16) {
	s.retransmitMsgID = msgID
	s.haveRetransmitMsg = true
	s.retransmitCount = 0
	s.currentTimeout = initialAckTimeout()
	s.nextRetransmitAt = time.Now().Add(s.currentTimeout)
}

// Token is immutable after New, so it is safe to read without mu.
func (s *Session) Token() []byte { return s.token }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Matches reports whether an inbound message belongs to this session:
// same token, or an empty token whose message id is one of our
// currently queued outgoing messages (section 4.4).
func (s *Session) Matches(m coapmsg.Message) bool {
	if tokenEqual(m.Token, s.token) {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(m.Token) == 0 && s.queue.Contains(m.MessageID)
}

func tokenEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// HandleInbound runs the seven inbound steps of section 4.4 for one
// decoded message already routed to this session.
func (s *Session) HandleInbound(m coapmsg.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return nil
	}

	duplicate := s.haveLastMsg && m.MessageID == s.lastMsgID && tokenEqual(m.Token, s.token)

	// 1. Auto-ack inbound confirmables.
	if m.Type == coapmsg.Confirmable {
		ack := coapmsg.NewAck(m.MessageID)
		if err := s.sender.Send(ack); err != nil {
			return errkind.Wrap(err, errkind.TransportError, "failed to send ack")
		}
	}

	// 2. Reconcile against our own retransmission queue.
	if s.reqType == coapmsg.Confirmable && m.Type == coapmsg.Acknowledgement {
		s.queue.Dequeue(m.MessageID)
		if m.Code == coapmsg.Empty {
			s.state = Awaiting
			return nil // separate-response pattern: keep waiting
		}
	}

	// 3. RST terminates the session.
	if m.Type == coapmsg.Reset {
		s.complete(Completion{Kind: CompletionFinished})
		return nil
	}

	if duplicate {
		return nil
	}

	// 4. Record any Block2 fragment before delivery, so the sink
	// receives the reassembled body (if any) alongside the raw message
	// instead of having to reassemble fragments itself (section 6/8).
	bv, hasBlock2, block2Err := m.Block2()
	var body []byte
	var reassembled bool
	switch {
	case block2Err != nil:
		s.log.WithError(block2Err).Warn("dropping malformed Block2 option")
		body, reassembled = m.Payload, true
	case hasBlock2:
		s.recordFragment(bv, m.Payload)
		if !bv.More {
			body, reassembled = s.reassembledLocked()
		}
	default:
		body, reassembled = m.Payload, true
	}

	s.sink.Deliver(m, body, reassembled)
	s.lastMsgID = m.MessageID
	s.haveLastMsg = true

	// 5. Block2 continuation: ask for the next block if more remain.
	if block2Err == nil && hasBlock2 && bv.More {
		if err := s.requestNextBlock2(bv); err != nil {
			return err
		}
	}

	// 6. Block1 acknowledgement advances the request's own chunking.
	if bv, ok, err := m.Block1(); err != nil {
		s.log.WithError(err).Warn("dropping malformed Block1 option")
	} else if ok {
		s.registry.SetBlock1SZX(bv.SZX)
		if err := s.queue.EnqueueBlock(bv.Num+1, bv.SZX); err != nil {
			return err
		}
	}

	// 7. Termination.
	if !s.isObserve && !s.moreBlock2Expected() && s.queueEmpty() {
		s.complete(Completion{Kind: CompletionFinished})
	}

	return nil
}

func (s *Session) recordFragment(bv coapmsg.BlockValue, payload []byte) {
	s.fragments[bv.Num] = append([]byte(nil), payload...)
	s.haveLastB2 = true
	s.moreBlock2 = bv.More
}

func (s *Session) moreBlock2Expected() bool {
	return s.haveLastB2 && s.moreBlock2
}

func (s *Session) queueEmpty() bool {
	_, ok := s.queue.Next()
	return !ok
}

func (s *Session) requestNextBlock2(received coapmsg.BlockValue) error {
	next := coapmsg.NewMessage()
	next.Type = s.reqType
	next.Code = coapmsg.GET
	next.Token = s.token
	next.MessageID = queue.NewMessageID()
	bv, err := coapmsg.NewBlockValue(received.Num+1, false, received.SZX)
	if err != nil {
		return err
	}
	if err := next.SetBlock2(bv); err != nil {
		return err
	}

	if next.Type == coapmsg.Confirmable {
		s.queue.Enqueue(next)
		return s.sendFront(next)
	}
	return s.sender.Send(next)
}

// Reassembled concatenates every recorded Block2 fragment in ascending
// NUM order. ok is false if any NUM in [0, highest] is missing.
func (s *Session) Reassembled() (payload []byte, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reassembledLocked()
}

// reassembledLocked is Reassembled's body, callable from paths that
// already hold mu (complete, on its way to reporting a Completion).
func (s *Session) reassembledLocked() (payload []byte, ok bool) {
	if len(s.fragments) == 0 {
		return nil, false
	}
	nums := make([]int, 0, len(s.fragments))
	for n := range s.fragments {
		nums = append(nums, int(n))
	}
	sort.Ints(nums)
	for i, n := range nums {
		if i != n {
			return nil, false
		}
	}
	var out []byte
	for _, n := range nums {
		out = append(out, s.fragments[uint32(n)]...)
	}
	return out, true
}

// Tick is the 1 Hz periodic sweep of section 4.4: send any newly queued
// front message, retransmit the armed CON once its ACK_TIMEOUT elapses
// (doubling the timeout per RFC 7252 section 4.8), and fail the session
// once MAX_RETRANSMIT is exceeded without an ACK.
func (s *Session) Tick() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return nil
	}
	front, ok := s.queue.Next()
	if !ok {
		s.haveRetransmitMsg = false
		return nil
	}

	if front.Type == coapmsg.NonConfirmable {
		if err := s.sender.Send(front); err != nil {
			return errkind.Wrap(err, errkind.TransportError, "failed to send queued message")
		}
		s.queue.Dequeue(front.MessageID)
		return nil
	}

	if !s.haveRetransmitMsg || front.MessageID != s.retransmitMsgID {
		return s.sendFront(front)
	}

	if time.Now().Before(s.nextRetransmitAt) {
		return nil
	}

	if s.retransmitCount >= maxRetransmit {
		s.failLocked(errkind.New(errkind.TimedOut, "max retransmissions exceeded"))
		return nil
	}

	if err := s.sender.Send(front); err != nil {
		return errkind.Wrap(err, errkind.TransportError, "failed to send queued message")
	}
	s.retransmitCount++
	s.currentTimeout *= 2
	s.nextRetransmitAt = time.Now().Add(s.currentTimeout)
	return nil
}

// Cancel implements section 4.4's cancellation: deregister observation
// with a one-shot NON if we were observing, then free resources.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return nil
	}
	if s.isObserve {
		deregister := coapmsg.NewMessage()
		deregister.Type = coapmsg.NonConfirmable
		deregister.Code = coapmsg.GET
		deregister.Token = s.token
		deregister.MessageID = queue.NewMessageID()
		deregister.SetObserve(coapmsg.ObserveDeregister)
		if err := s.sender.Send(deregister); err != nil {
			s.log.WithError(err).Warn("failed to send observe deregister")
		}
	}
	s.complete(Completion{Kind: CompletionCancelled})
	return nil
}

// Fail transitions to Failed and reports the cause to the sink, used by
// the Connection when a transport error or keepalive timeout cascades
// to every open session.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLocked(err)
}

// failLocked is Fail's body, callable from paths that already hold mu
// (Tick, once MAX_RETRANSMIT is exceeded).
func (s *Session) failLocked(err error) {
	if s.state.Terminal() {
		return
	}
	s.state = Failed
	s.registry.Unregister(string(s.token))
	s.queue.Reset()
	body, ok := s.reassembledLocked()
	s.sink.Complete(Completion{Kind: CompletionFailed, Err: err, Body: body, Reassembled: ok})
}

// complete is called with mu held, from HandleInbound/Cancel.
func (s *Session) complete(c Completion) {
	s.state = Completed
	if c.Kind == CompletionCancelled {
		s.state = Cancelled
	}
	s.registry.Unregister(string(s.token))
	s.queue.Reset()
	c.Body, c.Reassembled = s.reassembledLocked()
	s.sink.Complete(c)
}
