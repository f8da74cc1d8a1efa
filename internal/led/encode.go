package led

import (
	"errors"
	"fmt"
	"strings"
)

// Each protocol bit is a 4-bit pattern shifted out at the bit clock:
//
//	1 1 1 0 -- 1
//	1 0 0 0 -- 0
//
// Two protocol bits pack into one byte, so a 24 bit pixel takes 12 bytes.
const BytesPerLED = 12

// Nibbles maps two protocol bits (low bit first on the wire of the packed
// word) to the serializer byte that reproduces them.
var Nibbles = [4]byte{0x88, 0x8E, 0xE8, 0xEE}

// ErrBadSymbol is returned by Decode for a byte outside of Nibbles.
var ErrBadSymbol = errors.New("led: byte is not a valid nibble pair")

// Pixel is a caller supplied RGB word. The top byte is ignored.
type Pixel uint32

// ChannelOrder holds the bit offsets in a Pixel of the three channels in the
// order the string expects them on the wire. It is a board wiring parameter.
type ChannelOrder [3]uint8

// DefaultChannelOrder sends bits 8-15, then bits 0-7, then bits 16-23. For a
// 0x00RRGGBB word that is "GBR".
var DefaultChannelOrder = ChannelOrder{8, 0, 16}

var channelShift = map[byte]uint8{'R': 16, 'G': 8, 'B': 0}

// ParseChannelOrder parses a permutation of "RGB" (case insensitive) where
// the letters name the channels of a 0x00RRGGBB word.
func ParseChannelOrder(s string) (ChannelOrder, error) {
	var o ChannelOrder
	if len(s) != 3 {
		return o, fmt.Errorf("led: color order %q must have 3 letters", s)
	}
	seen := map[byte]bool{}
	for i := 0; i < 3; i++ {
		c := strings.ToUpper(s[i : i+1])[0]
		sh, ok := channelShift[c]
		if !ok || seen[c] {
			return o, fmt.Errorf("led: color order %q is not a permutation of RGB", s)
		}
		seen[c] = true
		o[i] = sh
	}
	return o, nil
}

// Valid reports whether o is a permutation of the three channel offsets.
func (o ChannelOrder) Valid() bool {
	var seen [3]bool
	for _, sh := range o {
		if sh%8 != 0 || sh > 16 || seen[sh/8] {
			return false
		}
		seen[sh/8] = true
	}
	return true
}

func (o ChannelOrder) String() string {
	var b strings.Builder
	for _, sh := range o {
		switch sh {
		case 16:
			b.WriteByte('R')
		case 8:
			b.WriteByte('G')
		case 0:
			b.WriteByte('B')
		default:
			b.WriteByte('?')
		}
	}
	return b.String()
}

// Encoder turns pixels into serializer bytes.
type Encoder struct {
	Brightness uint8
	Order      ChannelOrder
}

// Append encodes p and appends exactly BytesPerLED bytes to dst.
//
// Gamma correction happens per channel before the bits are laid out; the
// packed word is then emitted two bits at a time, lowest bits first.
func (e *Encoder) Append(dst []byte, p Pixel) []byte {
	a := Correct(e.Brightness, uint8(p>>e.Order[0]))
	b := Correct(e.Brightness, uint8(p>>e.Order[1]))
	c := Correct(e.Brightness, uint8(p>>e.Order[2]))
	packed := uint32(a) | uint32(b)<<8 | uint32(c)<<16
	for i := 0; i < BytesPerLED; i++ {
		dst = append(dst, Nibbles[packed&3])
		packed >>= 2
	}
	return dst
}

// Decode reverses the nibble encoding of whole pixels in frame, ignoring any
// trailing partial pixel. The returned pixels carry the corrected channel
// values, placed back at their Order offsets.
func Decode(frame []byte, order ChannelOrder) ([]Pixel, error) {
	out := make([]Pixel, 0, len(frame)/BytesPerLED)
	for off := 0; off+BytesPerLED <= len(frame); off += BytesPerLED {
		var packed uint32
		for i := 0; i < BytesPerLED; i++ {
			sym, ok := symbol(frame[off+i])
			if !ok {
				return out, fmt.Errorf("%w: 0x%02X at offset %d", ErrBadSymbol, frame[off+i], off+i)
			}
			packed |= sym << (2 * i)
		}
		p := Pixel(packed&0xFF)<<order[0] |
			Pixel((packed>>8)&0xFF)<<order[1] |
			Pixel((packed>>16)&0xFF)<<order[2]
		out = append(out, p)
	}
	return out, nil
}

func symbol(b byte) (uint32, bool) {
	for i, n := range Nibbles {
		if n == b {
			return uint32(i), true
		}
	}
	return 0, false
}
