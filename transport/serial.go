package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/Lobaro/slip"
	"github.com/tarm/serial"
)

// Serial is a SLIP-framed serial port transport: each datagram is one
// SLIP packet over a tarm/serial port. Grounded on the teacher's
// TransportUart (coap/transport_uart.go) and its "any" port resolution
// (openComPort), generalized from a synchronous RoundTrip into the
// Start/Send/Receive/Cancel shape every Transport implements here.
//
// The host in a coap+uart:// request URL names the serial device - on
// non-Windows systems "/dev/" is prepended implicitly, and "any" tries
// each ttySN/COMN port in turn.
type Serial struct {
	Baud        int
	ReadTimeout time.Duration
	Parity      serial.Parity
	Size        byte
	StopBits    serial.StopBits

	port   *serial.Port
	reader *slip.SlipReader
	writer *slip.SlipWriter
	events chan Event
}

func NewSerial() *Serial {
	return &Serial{
		Baud:     115200,
		Parity:   serial.ParityNone,
		StopBits: serial.Stop1,
		events:   make(chan Event, 4),
	}
}

// Start opens the named serial device. endpoint is the bare device name
// as it appears in a coap+uart:// host (e.g. "COM3", "ttyS2", or "any").
func (t *Serial) Start(ctx context.Context, endpoint string, params Params) (<-chan Event, error) {
	cfg := &serial.Config{
		Name:        resolveDeviceName(endpoint),
		Baud:        t.Baud,
		Parity:      t.Parity,
		Size:        t.Size,
		ReadTimeout: t.ReadTimeout,
		StopBits:    t.StopBits,
	}

	port, err := openComPort(cfg)
	if err != nil {
		t.events <- Event{State: Failed, Err: err}
		return t.events, err
	}
	t.port = port
	t.reader = slip.NewReader(port)
	t.writer = slip.NewWriter(port)

	go func() {
		<-ctx.Done()
		t.Cancel()
	}()

	t.events <- Event{State: Ready}
	return t.events, nil
}

func (t *Serial) Send(b []byte) error {
	return t.writer.WritePacket(b)
}

func (t *Serial) Receive() ([]byte, error) {
	buf := &bytes.Buffer{}
	for {
		p, isPrefix, err := t.reader.ReadPacket()
		if err != nil {
			return nil, err
		}
		buf.Write(p)
		if !isPrefix {
			return buf.Bytes(), nil
		}
	}
}

func (t *Serial) Cancel() error {
	err := t.port.Close()
	t.events <- Event{State: Cancelled}
	return err
}

func resolveDeviceName(host string) string {
	if host == "any" || isWindows() {
		return host
	}
	return "/dev/" + host
}

func isWindows() bool {
	return runtime.GOOS == "windows"
}

// lastAny remembers the most recently resolved "any" port so repeated
// connects don't re-scan every device.
var lastAny string

func openComPort(cfg *serial.Config) (*serial.Port, error) {
	if cfg.Name != "any" {
		return serial.OpenPort(cfg)
	}

	if lastAny != "" {
		cfg.Name = lastAny
		if port, err := serial.OpenPort(cfg); err == nil {
			return port, nil
		}
	}

	prefix := "/dev/ttyS"
	if isWindows() {
		prefix = "COM"
	}
	for i := 0; i < 99; i++ {
		cfg.Name = fmt.Sprintf("%s%d", prefix, i)
		if port, err := serial.OpenPort(cfg); err == nil {
			lastAny = cfg.Name
			return port, nil
		}
	}
	return nil, errors.New("transport: failed to find a usable serial port")
}
