package led

import (
	"context"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/devices/v3/nrzled"
)

// NRZ drives the strip through periph's nrzled SPI encoder. It is the
// fallback for boards where the PWM serializer is unavailable; brightness and
// gamma still go through Correct so colors match the PWM path.
type NRZ struct {
	mu         sync.Mutex
	dev        *nrzled.Dev
	count      int
	brightness uint8
	pixels     []Pixel
	rgb        []byte
}

// NewNRZ opens an nrzled device of count pixels on p.
func NewNRZ(p spi.Port, count int, brightness uint8) (*NRZ, error) {
	if count <= 0 {
		return nil, fmt.Errorf("led: invalid LED count: %d", count)
	}
	opts := nrzled.Opts{
		NumPixels: count,
		Channels:  3,
		Freq:      2500 * physic.KiloHertz,
	}
	d, err := nrzled.NewSPI(p, &opts)
	if err != nil {
		return nil, fmt.Errorf("led: nrzled: %w", err)
	}
	return &NRZ{
		dev:        d,
		count:      count,
		brightness: brightness,
		pixels:     make([]Pixel, 0, count),
		rgb:        make([]byte, 0, count*3),
	}, nil
}

// NumLeds is the string length.
func (n *NRZ) NumLeds() int { return n.count }

// SetBrightness changes the scale applied to subsequent writes.
func (n *NRZ) SetBrightness(b uint8) {
	n.mu.Lock()
	n.brightness = b
	n.mu.Unlock()
}

func (n *NRZ) Brightness() uint8 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.brightness
}

// Write accepts 0x00RRGGBB little-endian words.
func (n *NRZ) Write(raw []byte) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pixels = PixelsFromWords(n.pixels, raw, n.count)
	if err := n.send(n.pixels); err != nil {
		return 0, err
	}
	return len(raw), nil
}

// WritePixels sends up to NumLeds pixels. nrzled writes synchronously, so
// ctx is only checked before the transfer.
func (n *NRZ) WritePixels(ctx context.Context, pixels []Pixel) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(pixels) > n.count {
		pixels = pixels[:n.count]
	}
	return n.send(pixels)
}

// ClearAll turns every LED off.
func (n *NRZ) ClearAll(ctx context.Context) error {
	return n.WritePixels(ctx, make([]Pixel, n.count))
}

// send must be called with n.mu held.
func (n *NRZ) send(pixels []Pixel) error {
	if n.dev == nil {
		return fmt.Errorf("led: nrz closed")
	}
	n.rgb = n.rgb[:0]
	for _, p := range pixels {
		n.rgb = append(n.rgb,
			Correct(n.brightness, uint8(p>>16)),
			Correct(n.brightness, uint8(p>>8)),
			Correct(n.brightness, uint8(p)))
	}
	if _, err := n.dev.Write(n.rgb); err != nil {
		return fmt.Errorf("led: nrz write: %w", err)
	}
	return nil
}

// Close turns the strip off.
func (n *NRZ) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.dev == nil {
		return nil
	}
	err := n.dev.Halt()
	n.dev = nil
	return err
}
