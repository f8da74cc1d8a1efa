package led

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/physic"
)

const (
	// DefaultBitRate is the serializer clock. At 2.4MHz a nibble lasts
	// 1.66µs, within the WS2812 1.25µs±600ns bit period.
	DefaultBitRate = 2400 * physic.KiloHertz
	// DefaultResetGap is the low period that latches the chain.
	DefaultResetGap = 50 * time.Microsecond
)

// ResetBytes returns how many zero bytes cover gap at bitRate, rounded up.
//
// At the default 2.4MHz and 50µs that is 120 bit periods, i.e. 15 bytes.
func ResetBytes(bitRate physic.Frequency, gap time.Duration) int {
	hz := int64(bitRate / physic.Hertz)
	if hz <= 0 || gap <= 0 {
		return 0
	}
	bits := (gap.Nanoseconds()*hz + int64(time.Second) - 1) / int64(time.Second)
	return int((bits + 7) / 8)
}

// FrameSize is the byte length of a full frame for numLeds pixels.
func FrameSize(numLeds, resetBytes int) int {
	return numLeds*BytesPerLED + resetBytes
}

// Frame owns the buffer holding one encoded frame plus its reset tail.
//
// The buffer capacity is fixed at construction.
type Frame struct {
	numLeds    int
	resetBytes int
	buf        []byte
}

// NewFrame returns a Frame for numLeds pixels. backing may be nil, in which
// case ordinary memory is allocated; otherwise it must hold at least
// FrameSize bytes, typically DMA-capable memory.
func NewFrame(numLeds, resetBytes int, backing []byte) (*Frame, error) {
	if numLeds <= 0 {
		return nil, fmt.Errorf("led: invalid LED count: %d", numLeds)
	}
	if resetBytes < 0 {
		return nil, fmt.Errorf("led: invalid reset length: %d", resetBytes)
	}
	size := FrameSize(numLeds, resetBytes)
	if backing == nil {
		backing = make([]byte, size)
	}
	if len(backing) < size {
		return nil, fmt.Errorf("led: backing buffer holds %d bytes, need %d", len(backing), size)
	}
	return &Frame{numLeds: numLeds, resetBytes: resetBytes, buf: backing[:size:size]}, nil
}

// NumLeds is the pixel capacity.
func (f *Frame) NumLeds() int { return f.numLeds }

// ResetBytes is the length of the zero tail.
func (f *Frame) ResetBytes() int { return f.resetBytes }

// Cap is the full buffer length.
func (f *Frame) Cap() int { return len(f.buf) }

// Bytes exposes the whole owned buffer.
func (f *Frame) Bytes() []byte { return f.buf }

// Build encodes up to NumLeds pixels in order, zero fills the reset tail
// right after them and returns the bytes to transfer,
// accepted*BytesPerLED+ResetBytes long.
//
// Pixels past NumLeds are ignored. When fewer pixels are given the rest of
// the strip is not driven and keeps whatever it showed before.
func (f *Frame) Build(enc *Encoder, pixels []Pixel) []byte {
	if len(pixels) > f.numLeds {
		pixels = pixels[:f.numLeds]
	}
	out := f.buf[:0]
	for _, p := range pixels {
		out = enc.Append(out, p)
	}
	n := len(out)
	tail := f.buf[n : n+f.resetBytes]
	for i := range tail {
		tail[i] = 0
	}
	return f.buf[:n+f.resetBytes]
}

// Clear builds a frame of NumLeds black pixels through the normal path.
func (f *Frame) Clear(enc *Encoder) []byte {
	return f.Build(enc, make([]Pixel, f.numLeds))
}
