package transport

import (
	"context"
	"net"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv6"
)

// UDP is the default client transport: a connected UDP socket to one
// CoAP endpoint, grounded on the teacher's udp6socket (socket/udp6socket.go)
// and main.go's plain net.ListenUDP usage. Unlike the teacher, which
// used golang.org/x/net/ipv6 exclusively to join a multicast group, UDP
// here uses the same package to set the traffic class and hop limit on
// an ordinary unicast IPv6 destination - multicast group communication
// is an explicit non-goal.
type UDP struct {
	// TrafficClass, if non-zero, is set via ipv6.PacketConn.SetTrafficClass
	// on IPv6 destinations.
	TrafficClass int
	// HopLimit, if non-zero, is set via ipv6.PacketConn.SetHopLimit on
	// IPv6 destinations.
	HopLimit int

	conn   *net.UDPConn
	pktv6  *ipv6.PacketConn
	events chan Event
	log    *logrus.Entry
}

func NewUDP() *UDP {
	return &UDP{events: make(chan Event, 4), log: logrus.WithField("transport", "udp")}
}

func (t *UDP) Start(ctx context.Context, endpoint string, params Params) (<-chan Event, error) {
	raddr, err := net.ResolveUDPAddr("udp", endpoint)
	if err != nil {
		t.events <- Event{State: Failed, Err: err}
		return t.events, err
	}

	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		t.events <- Event{State: Failed, Err: err}
		return t.events, err
	}
	t.conn = conn

	if raddr.IP.To4() == nil {
		t.pktv6 = ipv6.NewPacketConn(conn)
		if t.TrafficClass != 0 {
			if err := t.pktv6.SetTrafficClass(t.TrafficClass); err != nil {
				t.log.WithError(err).Warn("failed to set IPv6 traffic class")
			}
		}
		if t.HopLimit != 0 {
			if err := t.pktv6.SetHopLimit(t.HopLimit); err != nil {
				t.log.WithError(err).Warn("failed to set IPv6 hop limit")
			}
		}
	}

	go func() {
		<-ctx.Done()
		t.Cancel()
	}()

	t.events <- Event{State: Ready}
	return t.events, nil
}

func (t *UDP) Send(b []byte) error {
	_, err := t.conn.Write(b)
	return err
}

func (t *UDP) Receive() ([]byte, error) {
	buf := make([]byte, 1500)
	n, err := t.conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (t *UDP) Cancel() error {
	err := t.conn.Close()
	t.events <- Event{State: Cancelled}
	return err
}
