// Package transporttest provides an in-memory transport.Transport for
// exercising Connection/Session logic without a real socket, modeled on
// the teacher's TestConnector/PacketBuffer pair (coap/connector_test.go).
package transporttest

import (
	"context"
	"io"
	"sync"

	"github.com/lobaro/coap-go/transport"
)

// packetBuffer is a small FIFO of whole datagrams, guarded by a mutex
// the way the teacher's PacketBuffer was.
type packetBuffer struct {
	mu      sync.Mutex
	cond    *sync.Cond
	packets [][]byte
	closed  bool
}

func newPacketBuffer() *packetBuffer {
	b := &packetBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *packetBuffer) push(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.packets = append(b.packets, p)
	b.cond.Signal()
}

func (b *packetBuffer) pop() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.packets) == 0 && !b.closed {
		b.cond.Wait()
	}
	if len(b.packets) == 0 {
		return nil, io.EOF
	}
	p := b.packets[0]
	b.packets = b.packets[1:]
	return p, nil
}

func (b *packetBuffer) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}

// Pipe is a loopback Transport pairing a client side (the Connection
// under test holds this) with a server side the test drives directly by
// calling ServerSend/ServerReceive.
type Pipe struct {
	toClient *packetBuffer
	toServer *packetBuffer
	events   chan transport.Event
}

// NewPipe constructs a connected client/server pair of in-memory
// datagram queues.
func NewPipe() *Pipe {
	return &Pipe{
		toClient: newPacketBuffer(),
		toServer: newPacketBuffer(),
		events:   make(chan transport.Event, 4),
	}
}

func (p *Pipe) Start(ctx context.Context, endpoint string, params transport.Params) (<-chan transport.Event, error) {
	p.events <- transport.Event{State: transport.Ready}
	return p.events, nil
}

func (p *Pipe) Send(b []byte) error {
	cp := append([]byte(nil), b...)
	p.toServer.push(cp)
	return nil
}

func (p *Pipe) Receive() ([]byte, error) {
	return p.toClient.pop()
}

func (p *Pipe) Cancel() error {
	p.toClient.close()
	p.toServer.close()
	p.events <- transport.Event{State: transport.Cancelled}
	return nil
}

// ServerSend delivers raw to the client's Receive, as if the remote
// endpoint had written it.
func (p *Pipe) ServerSend(raw []byte) {
	cp := append([]byte(nil), raw...)
	p.toClient.push(cp)
}

// ServerReceive returns the next datagram the client sent, blocking
// until one is available.
func (p *Pipe) ServerReceive() ([]byte, error) {
	return p.toServer.pop()
}

// Fail pushes a Failed event, simulating a transport-error.
func (p *Pipe) Fail(err error) {
	p.events <- transport.Event{State: transport.Failed, Err: err}
}
