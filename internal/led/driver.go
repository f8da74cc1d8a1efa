package led

import (
	"encoding/binary"
	"io"
)

// Driver abstracts an LED output sink fed with raw pixel words.
type Driver interface {
	// Write pushes little-endian 32-bit pixel words to hardware. Words past
	// the strip length are ignored.
	io.Writer
	// Close releases resources.
	io.Closer
}

// PixelsFromWords decodes up to max little-endian words from raw into dst,
// reusing its storage. A trailing partial word is ignored.
func PixelsFromWords(dst []Pixel, raw []byte, max int) []Pixel {
	n := len(raw) / 4
	if n > max {
		n = max
	}
	dst = dst[:0]
	for i := 0; i < n; i++ {
		dst = append(dst, Pixel(binary.LittleEndian.Uint32(raw[i*4:])))
	}
	return dst
}

// WordsFromPixels is the inverse of PixelsFromWords.
func WordsFromPixels(pixels []Pixel) []byte {
	out := make([]byte, len(pixels)*4)
	for i, p := range pixels {
		binary.LittleEndian.PutUint32(out[i*4:], uint32(p))
	}
	return out
}
