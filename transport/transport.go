// Package transport defines the datagram collaborator the engine talks
// to (section 6): CoAP's Connection does not know whether it is running
// over UDP, a WebSocket, or a SLIP-framed serial line. It asks a
// Transport to start, send, receive and cancel, and listens on a state
// stream for ready/failed/cancelled, the same small-interface shape the
// teacher used for its Socket/RoundTripper collaborators.
package transport

import "context"

// State is one entry in a Transport's state stream.
type State int

const (
	Init State = iota
	Ready
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Init:
		return "Init"
	case Ready:
		return "Ready"
	case Failed:
		return "Failed"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Event is one state transition, carrying the error that caused it when
// State is Failed.
type Event struct {
	State State
	Err   error
}

// Security carries DTLS-PSK parameters by value only; the core never
// interprets them (section 6).
type Security struct {
	PSK         []byte
	PSKHint     string
	CipherSuite string
}

// Params are the raw parameters a Transport.Start needs beyond the
// endpoint string.
type Params struct {
	Security *Security
}

// Transport is the datagram interface owned exclusively by a
// Connection. Implementations must be safe for one reader, one writer
// and one state-stream reader running concurrently.
type Transport interface {
	// Start begins connecting to endpoint and returns a channel of state
	// events; the first ready event means Send/Receive may be called.
	Start(ctx context.Context, endpoint string, params Params) (<-chan Event, error)
	// Send writes one datagram. A non-nil error is a transport-error
	// (section 7) and fails the owning Connection.
	Send(b []byte) error
	// Receive blocks for the next inbound datagram.
	Receive() ([]byte, error)
	// Cancel tears the transport down; Receive unblocks with an error.
	Cancel() error
}
