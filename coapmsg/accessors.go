package coapmsg

import (
	"fmt"

	"github.com/lobaro/coap-go/errkind"
)

// Typed accessors for recognized options (section 4.2). Each single-valued
// accessor returns the zero value and ok=false when the option is absent,
// a decoded typed value and ok=true otherwise; the repeatable ones
// (UriPath, UriQuery, IfMatch) return an empty slice when absent, and
// IfNoneMatch reports presence. They are plain total functions rather than
// runtime type assertions, so callers never need a type switch.

func (m *Message) UriHost() (string, bool) {
	opt := m.Options().Get(URIHost)
	if opt.IsNotSet() {
		return "", false
	}
	return opt.AsString(), true
}

func (m *Message) UriPort() (uint16, bool) {
	opt := m.Options().Get(URIPort)
	if opt.IsNotSet() {
		return 0, false
	}
	return opt.AsUInt16(), true
}

func (m *Message) UriPath() []string {
	return m.Path()
}

func (m *Message) UriQuery() []string {
	opts := m.Options()[URIQuery]
	out := make([]string, 0, len(opts.values))
	for _, v := range opts.values {
		out = append(out, v.AsString())
	}
	return out
}

// ObserveDirective is carried in the Observe option: Register (0) asks a
// server to start sending notifications, Deregister (1) cancels them.
type ObserveDirective uint32

const (
	ObserveRegister   ObserveDirective = 0
	ObserveDeregister ObserveDirective = 1
)

func (m *Message) Observe() (ObserveDirective, bool) {
	opt := m.Options().Get(Observe)
	if opt.IsNotSet() {
		return 0, false
	}
	return ObserveDirective(opt.AsUInt32()), true
}

func (m *Message) SetObserve(d ObserveDirective) {
	m.Options().Set(Observe, uint32(d))
}

func (m *Message) Block1() (BlockValue, bool, error) {
	return blockOption(m, Block1)
}

func (m *Message) Block2() (BlockValue, bool, error) {
	return blockOption(m, Block2)
}

func blockOption(m *Message, id OptionId) (BlockValue, bool, error) {
	opt := m.Options().Get(id)
	if opt.IsNotSet() {
		return BlockValue{}, false, nil
	}
	bv, err := DecodeBlockValue(opt.AsBytes())
	if err != nil {
		return BlockValue{}, true, err
	}
	return bv, true, nil
}

// SetBlock1/SetBlock2 encode and install the given block value,
// overwriting any previous Block1/Block2 option.
func (m *Message) SetBlock1(b BlockValue) error {
	return setBlockOption(m, Block1, b)
}

func (m *Message) SetBlock2(b BlockValue) error {
	return setBlockOption(m, Block2, b)
}

func setBlockOption(m *Message, id OptionId, b BlockValue) error {
	enc, err := b.Encode()
	if err != nil {
		return err
	}
	return m.Options().Set(id, enc)
}

func (m *Message) IfMatch() [][]byte {
	opts := m.Options()[IfMatch]
	out := make([][]byte, 0, len(opts.values))
	for _, v := range opts.values {
		out = append(out, v.AsBytes())
	}
	return out
}

func (m *Message) IfNoneMatch() bool {
	return m.Options().Get(IfNoneMatch).IsSet()
}

func (m *Message) ContentFormat() (uint16, bool) {
	opt := m.Options().Get(ContentFormat)
	if opt.IsNotSet() {
		return 0, false
	}
	return opt.AsUInt16(), true
}

func (m *Message) Accept() (uint16, bool) {
	opt := m.Options().Get(Accept)
	if opt.IsNotSet() {
		return 0, false
	}
	return opt.AsUInt16(), true
}

func (m *Message) Size1() (uint32, bool) {
	opt := m.Options().Get(Size1)
	if opt.IsNotSet() {
		return 0, false
	}
	return opt.AsUInt32(), true
}

func (m *Message) Size2() (uint32, bool) {
	opt := m.Options().Get(Size2)
	if opt.IsNotSet() {
		return 0, false
	}
	return opt.AsUInt32(), true
}

func (m *Message) MaxAge() (uint32, bool) {
	opt := m.Options().Get(MaxAge)
	if opt.IsNotSet() {
		return 0, false
	}
	return opt.AsUInt32(), true
}

// Constructors below enforce the length/value constraints spec.md's
// option helpers require, instead of silently accepting garbage that
// the codec would then refuse to round-trip.

func NewUriHost(host string) (OptionId, string, error) {
	if len(host) < 1 || len(host) > 255 {
		return 0, "", errkind.New(errkind.FormatError, fmt.Sprintf("Uri-Host length %d out of range 1..255", len(host)))
	}
	return URIHost, host, nil
}

func validPathOrQuerySegment(s string) error {
	if len(s) > 255 {
		return errkind.New(errkind.FormatError, fmt.Sprintf("segment %q exceeds 255 bytes", s))
	}
	if s == "." || s == ".." {
		return errkind.New(errkind.FormatError, fmt.Sprintf("segment %q is not a valid Uri-Path/Uri-Query segment", s))
	}
	return nil
}

func NewUriPath(segments []string) ([]string, error) {
	for _, s := range segments {
		if err := validPathOrQuerySegment(s); err != nil {
			return nil, err
		}
	}
	return segments, nil
}

func NewUriQuery(segments []string) ([]string, error) {
	for _, s := range segments {
		if err := validPathOrQuerySegment(s); err != nil {
			return nil, err
		}
	}
	return segments, nil
}

func NewBlockValue(num uint32, more bool, szx uint8) (BlockValue, error) {
	if num > MaxBlockNum {
		return BlockValue{}, errkind.New(errkind.FormatError, fmt.Sprintf("block num %d exceeds 2^20", num))
	}
	if szx > 6 {
		return BlockValue{}, errkind.New(errkind.FormatError, fmt.Sprintf("block SZX %d must be <= 6", szx))
	}
	return BlockValue{Num: num, More: more, SZX: szx}, nil
}
