package coapmsg

import (
	"fmt"

	"github.com/lobaro/coap-go/errkind"
)

// BlockValue is the decoded form of a Block1/Block2 option (RFC 7959
// section 2.2): a block number, a "more blocks follow" flag and a block
// size exponent, packed on the wire into a 1-3 byte unsigned integer.
//
//	 0
//	 0 1 2 3 4 5 6 7
//	+-+-+-+-+-+-+-+-+
//	|  NUM  |M| SZX |
//	+-+-+-+-+-+-+-+-+
type BlockValue struct {
	Num  uint32 // block number, < 2^20
	More bool   // M: more blocks follow
	SZX  uint8  // block size exponent, 0..6 (size = 1 << (SZX+4))
}

// MaxBlockNum is the largest representable block number (NUM is a 20-bit
// field once M and SZX are packed into the low 4 bits).
const MaxBlockNum = 1<<20 - 1

// Size returns the block size in bytes this SZX encodes.
func (b BlockValue) Size() int {
	return 1 << (b.SZX + 4)
}

// Encode packs the block value into its minimal-length big-endian wire
// form, the same triple the option's uint OptionValue carries.
func (b BlockValue) Encode() ([]byte, error) {
	if b.SZX > 6 {
		return nil, errkind.New(errkind.FormatError, fmt.Sprintf("block SZX %d reserved, must be 0..6", b.SZX))
	}
	if b.Num > MaxBlockNum {
		return nil, errkind.New(errkind.FormatError, fmt.Sprintf("block num %d exceeds 20 bits", b.Num))
	}

	packed := b.Num << 4
	if b.More {
		packed |= 1 << 3
	}
	packed |= uint32(b.SZX)

	switch {
	case packed == 0:
		return nil, nil
	case packed < 1<<8:
		return []byte{byte(packed)}, nil
	case packed < 1<<16:
		return []byte{byte(packed >> 8), byte(packed)}, nil
	default:
		return []byte{byte(packed >> 16), byte(packed >> 8), byte(packed)}, nil
	}
}

// DecodeBlockValue unpacks a Block1/Block2 option value. A 7 in the SZX
// position (reserved by RFC 7959) is a format error.
func DecodeBlockValue(raw []byte) (BlockValue, error) {
	if len(raw) > 3 {
		return BlockValue{}, errkind.New(errkind.FormatError, fmt.Sprintf("block option too long: %d bytes", len(raw)))
	}

	var packed uint32
	for _, b := range raw {
		packed = (packed << 8) | uint32(b)
	}

	szx := uint8(packed & 0x7)
	if szx == 7 {
		return BlockValue{}, errkind.New(errkind.FormatError, "block SZX 7 is reserved")
	}

	return BlockValue{
		Num:  packed >> 4,
		More: packed&(1<<3) != 0,
		SZX:  szx,
	}, nil
}
