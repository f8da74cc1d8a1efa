// Package preview shows what a string would display by decoding the
// encoded frames a channel sends.
package preview

import (
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/rs/zerolog"
	"periph.io/x/conn/v3/display"
	"periph.io/x/extra/devices/screen"

	"github.com/coreman2200/ws2812dma/internal/dma/dmatest"
	"github.com/coreman2200/ws2812dma/internal/led"
)

// Preview mirrors a string on a display.Drawer. LEDs a frame does not reach
// keep their last color, as they do on a real string.
type Preview struct {
	mu     sync.Mutex
	drawer display.Drawer
	order  led.ChannelOrder
	img    *image.NRGBA
	log    zerolog.Logger
}

func New(d display.Drawer, numLeds int, order led.ChannelOrder, log zerolog.Logger) *Preview {
	img := image.NewNRGBA(image.Rect(0, 0, numLeds, 1))
	for i := 0; i < numLeds; i++ {
		img.SetNRGBA(i, 0, color.NRGBA{A: 255})
	}
	return &Preview{drawer: d, order: order, img: img, log: log}
}

// Console previews on the terminal.
func Console(numLeds int, order led.ChannelOrder, log zerolog.Logger) *Preview {
	return New(screen.New(numLeds), numLeds, order, log)
}

// Frame decodes the pixels at the start of an encoded frame and draws them.
// The zero reset tail is skipped.
func (p *Preview) Frame(frame []byte) error {
	n := min(len(frame)/led.BytesPerLED, p.img.Rect.Dx())
	for n > 0 && isReset(frame[(n-1)*led.BytesPerLED:n*led.BytesPerLED]) {
		n--
	}
	pixels, err := led.Decode(frame[:n*led.BytesPerLED], p.order)
	if err != nil {
		return fmt.Errorf("preview: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, px := range pixels {
		p.img.SetNRGBA(i, 0, toNRGBA(px))
	}
	return p.drawer.Draw(p.drawer.Bounds(), p.img, image.Point{})
}

// Record is a dmatest.Channel OnComplete hook.
func (p *Preview) Record(r dmatest.Record) {
	if err := p.Frame(r.Completed); err != nil {
		p.log.Warn().Err(err).Int("transfer", r.ID).Msg("preview")
	}
}

// Image returns a copy of the current colors.
func (p *Preview) Image() *image.NRGBA {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := *p.img
	c.Pix = append([]uint8(nil), p.img.Pix...)
	return &c
}

func (p *Preview) Halt() error {
	return p.drawer.Halt()
}

func toNRGBA(px led.Pixel) color.NRGBA {
	return color.NRGBA{R: uint8(px >> 16), G: uint8(px >> 8), B: uint8(px), A: 255}
}

func isReset(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
