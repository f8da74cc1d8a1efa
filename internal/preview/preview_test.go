package preview

import (
	"context"
	"image"
	"image/color"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreman2200/ws2812dma/internal/dma/dmatest"
	"github.com/coreman2200/ws2812dma/internal/led"
	"github.com/coreman2200/ws2812dma/internal/ws2812"
)

type drawer struct {
	mu    sync.Mutex
	w     int
	draws int
	last  []color.NRGBA
	halt  bool
}

func (d *drawer) String() string { return "drawer" }
func (d *drawer) Halt() error {
	d.halt = true
	return nil
}
func (d *drawer) ColorModel() color.Model { return color.NRGBAModel }
func (d *drawer) Bounds() image.Rectangle { return image.Rect(0, 0, d.w, 1) }
func (d *drawer) Draw(r image.Rectangle, src image.Image, sp image.Point) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.draws++
	d.last = d.last[:0]
	for x := r.Min.X; x < r.Max.X; x++ {
		d.last = append(d.last, color.NRGBAModel.Convert(src.At(sp.X+x, sp.Y)).(color.NRGBA))
	}
	return nil
}

func TestFrameKeepsUntouchedLeds(t *testing.T) {
	d := &drawer{w: 3}
	p := New(d, 3, led.DefaultChannelOrder, zerolog.Nop())
	enc := &led.Encoder{Brightness: 255, Order: led.DefaultChannelOrder}
	f, err := led.NewFrame(3, 15, nil)
	require.NoError(t, err)

	require.NoError(t, p.Frame(f.Build(enc, []led.Pixel{0xFF0000, 0x00FF00, 0x0000FF})))
	require.NoError(t, p.Frame(f.Build(enc, []led.Pixel{0xFFFFFF})))

	assert.Equal(t, 2, d.draws)
	assert.Equal(t, []color.NRGBA{
		{255, 255, 255, 255},
		{0, 255, 0, 255},
		{0, 0, 255, 255},
	}, d.last)

	require.NoError(t, p.Halt())
	assert.True(t, d.halt)
}

func TestFrameRejectsGarbage(t *testing.T) {
	p := New(&drawer{w: 1}, 1, led.DefaultChannelOrder, zerolog.Nop())
	assert.ErrorIs(t, p.Frame([]byte{0x88, 0x12, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}), led.ErrBadSymbol)
}

func TestRecordHook(t *testing.T) {
	d := &drawer{w: 2}
	ch := dmatest.New()
	ch.AutoComplete = true
	p := New(d, 2, led.DefaultChannelOrder, zerolog.Nop())
	ch.OnComplete = p.Record

	opts := ws2812.DefaultOpts
	opts.NumLeds = 2
	opts.Log = zerolog.Nop()
	dev, err := ws2812.New("preview", &opts, ch)
	require.NoError(t, err)
	require.NoError(t, dev.WritePixels(context.Background(), []led.Pixel{0x0000FF, 0xFF0000}))
	require.NoError(t, dev.Wait(context.Background()))

	img := p.Image()
	assert.Equal(t, color.NRGBA{0, 0, 255, 255}, img.NRGBAAt(0, 0))
	assert.Equal(t, color.NRGBA{255, 0, 0, 255}, img.NRGBAAt(1, 0))
	require.NoError(t, dev.Close())
}
