package connection

import (
	"time"

	"github.com/lobaro/coap-go/transport"
)

// Settings configures a Connection (section 6). Transport is the
// datagram collaborator to use - transport.NewUDP(), transport.NewWebSocket()
// or transport.NewSerial() cover the built-in schemes; any other
// transport.Transport implementation is the "raw transport parameters
// for advanced use" the spec allows.
type Settings struct {
	Endpoint string

	// PingEverySeconds is the keepalive interval; 0 disables it.
	PingEverySeconds int
	// KeepaliveMultiplier is K in "timed-out if now-last_inbound > ping_every*K".
	// Defaults to 3 when left zero.
	KeepaliveMultiplier int

	Transport transport.Transport
	Security  *transport.Security

	// TokenGenerator defaults to NewRandomTokenGenerator() when nil.
	TokenGenerator TokenGenerator
}

func (s Settings) keepaliveMultiplier() int {
	if s.KeepaliveMultiplier == 0 {
		return 3
	}
	return s.KeepaliveMultiplier
}

func (s Settings) pingEvery() time.Duration {
	if s.PingEverySeconds <= 0 {
		return 0
	}
	return time.Duration(s.PingEverySeconds) * time.Second
}
