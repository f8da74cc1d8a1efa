// Package ws2812 exposes a WS2812 string as a stream of pixel words.
//
// A Device encodes each write into a frame buffer owned by its DMA manager
// and submits it without waiting for the engine to finish. Frames are double
// buffered, so the next write encodes while the previous one is still being
// clocked out.
package ws2812

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"periph.io/x/conn/v3/physic"

	"github.com/coreman2200/ws2812dma/internal/dma"
	"github.com/coreman2200/ws2812dma/internal/led"
)

// Opts is the device configuration.
type Opts struct {
	NumLeds    int
	Invert     bool
	Brightness uint8
	// ChannelOrder defaults to led.DefaultChannelOrder.
	ChannelOrder led.ChannelOrder
	BitRate      physic.Frequency
	ResetGap     time.Duration
	// Buffers is the frame pool size, dma.DefaultBuffers when 0.
	Buffers int
	// CloseTimeout bounds how long Close waits for the engine.
	CloseTimeout time.Duration
	Log          zerolog.Logger
}

// DefaultOpts is a full brightness 2.4MHz configuration. NumLeds must still
// be set.
var DefaultOpts = Opts{
	Brightness:   255,
	ChannelOrder: led.DefaultChannelOrder,
	BitRate:      led.DefaultBitRate,
	ResetGap:     led.DefaultResetGap,
	CloseTimeout: time.Second,
}

// Status is a snapshot for health reporting.
type Status struct {
	ID         string    `json:"id"`
	NumLeds    int       `json:"num_leds"`
	Brightness uint8     `json:"brightness"`
	Order      string    `json:"color_order"`
	Invert     bool      `json:"invert"`
	ResetBytes int       `json:"reset_bytes"`
	FrameBytes int       `json:"frame_bytes"`
	Writes     uint64    `json:"writes"`
	Errors     uint64    `json:"errors"`
	LastError  string    `json:"last_error,omitempty"`
	Closed     bool      `json:"closed"`
	DMA        dma.Stats `json:"dma"`
}

// Device is one LED string.
type Device struct {
	id         string
	opts       Opts
	log        zerolog.Logger
	mgr        *dma.Manager
	frames     map[dma.Buffer]*led.Frame
	resetBytes int
	brightness atomic.Uint32

	// mu serializes writes, so frames are submitted in call order.
	mu     sync.Mutex
	closed atomic.Bool
	raw    []byte
	pixels []led.Pixel

	writes  atomic.Uint64
	errs    atomic.Uint64
	errMu   sync.Mutex
	lastErr error
}

// New builds a device named id on ch. It allocates the frame pool from ch
// but does not touch the LEDs; call ClearAll to blank the string.
//
// New owns ch from the call on: if it fails, ch has been closed.
func New(id string, opts *Opts, ch dma.Channel) (*Device, error) {
	if ch == nil {
		return nil, &ConfigError{Field: "channel", Reason: "no DMA channel"}
	}
	o, reset, err := checkOpts(id, opts)
	if err != nil {
		if cerr := ch.Close(); cerr != nil {
			o.Log.Warn().Err(cerr).Str("device", id).Msg("channel close after bad config")
		}
		return nil, err
	}

	log := o.Log.With().Str("device", id).Logger()
	mgr, err := dma.NewManager(ch, &dma.Opts{
		BufferSize: led.FrameSize(o.NumLeds, reset),
		Buffers:    o.Buffers,
		Log:        log,
	})
	if err != nil {
		if cerr := ch.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("channel close after failed allocation")
		}
		return nil, &ConfigError{Field: "channel", Reason: "frame allocation failed", Err: err}
	}
	d := &Device{
		id:         id,
		opts:       o,
		log:        log,
		mgr:        mgr,
		frames:     map[dma.Buffer]*led.Frame{},
		resetBytes: reset,
		raw:        make([]byte, 0, o.NumLeds*4),
		pixels:     make([]led.Pixel, 0, o.NumLeds),
	}
	for _, b := range mgr.Buffers() {
		f, err := led.NewFrame(o.NumLeds, reset, b.Bytes())
		if err != nil {
			mgr.Close(context.Background())
			return nil, &ConfigError{Field: "channel", Reason: "frame buffer too small", Err: err}
		}
		d.frames[b] = f
	}
	d.brightness.Store(uint32(o.Brightness))
	log.Info().
		Int("num_leds", o.NumLeds).
		Uint8("brightness", o.Brightness).
		Stringer("order", o.ChannelOrder).
		Int("reset_bytes", reset).
		Msg("ws2812 device ready")
	return d, nil
}

// checkOpts fills defaults and returns the reset tail length.
func checkOpts(id string, opts *Opts) (Opts, int, error) {
	o := *opts
	if id == "" {
		return o, 0, &ConfigError{Field: "id", Reason: "empty device id"}
	}
	if o.NumLeds <= 0 {
		return o, 0, &ConfigError{Field: "num_leds", Reason: fmt.Sprintf("%d is not a positive count", o.NumLeds)}
	}
	if o.ChannelOrder == (led.ChannelOrder{}) {
		o.ChannelOrder = led.DefaultChannelOrder
	}
	if !o.ChannelOrder.Valid() {
		return o, 0, &ConfigError{Field: "color_order", Reason: "not a permutation of RGB"}
	}
	if o.BitRate == 0 {
		o.BitRate = led.DefaultBitRate
	}
	if o.ResetGap == 0 {
		o.ResetGap = led.DefaultResetGap
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = DefaultOpts.CloseTimeout
	}
	reset := led.ResetBytes(o.BitRate, o.ResetGap)
	if reset <= 0 {
		return o, 0, &ConfigError{Field: "reset_us", Reason: fmt.Sprintf("%s at %s is no reset gap", o.ResetGap, o.BitRate)}
	}
	return o, reset, nil
}

// ID is the device name given to New.
func (d *Device) ID() string { return d.id }

// NumLeds is the string length.
func (d *Device) NumLeds() int { return d.opts.NumLeds }

// Order is the wire channel order.
func (d *Device) Order() led.ChannelOrder { return d.opts.ChannelOrder }

// Brightness returns the current scale.
func (d *Device) Brightness() uint8 { return uint8(d.brightness.Load()) }

// SetBrightness changes the scale applied from the next frame on. It is the
// control path; writes never change brightness.
func (d *Device) SetBrightness(b uint8) {
	d.brightness.Store(uint32(b))
	d.log.Info().Uint8("brightness", b).Msg("brightness changed")
}

// Write takes little-endian 0x00RRGGBB words. Words past NumLeds and a
// trailing partial word are ignored; LEDs past the last word keep their
// state. It returns len(raw) once the frame is submitted.
func (d *Device) Write(raw []byte) (int, error) {
	return d.WriteContext(context.Background(), raw)
}

// WriteContext is Write with a bound on the wait for a free frame.
func (d *Device) WriteContext(ctx context.Context, raw []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Load() {
		return 0, ErrClosed
	}
	d.pixels = led.PixelsFromWords(d.pixels, raw, d.opts.NumLeds)
	if err := d.submit(ctx, d.pixels); err != nil {
		return 0, err
	}
	return len(raw), nil
}

// ReadFrom reads pixel words from r until EOF and sends one frame. Bytes
// past NumLeds words are read and dropped. If r fails nothing is sent.
func (d *Device) ReadFrom(r io.Reader) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Load() {
		return 0, ErrClosed
	}
	buf := d.raw[:cap(d.raw)]
	n, err := io.ReadFull(r, buf)
	total := int64(n)
	switch {
	case err == nil:
		var rest int64
		rest, err = io.Copy(io.Discard, r)
		total += rest
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		err = nil
	}
	if err != nil {
		return total, d.fail(&IOError{Device: d.id, Kind: KindFault, Err: err})
	}
	d.pixels = led.PixelsFromWords(d.pixels, buf[:n], d.opts.NumLeds)
	return total, d.submit(context.Background(), d.pixels)
}

// WritePixels sends one frame of pixels.
func (d *Device) WritePixels(ctx context.Context, pixels []led.Pixel) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Load() {
		return ErrClosed
	}
	if len(pixels) > d.opts.NumLeds {
		pixels = pixels[:d.opts.NumLeds]
	}
	d.pixels = append(d.pixels[:0], pixels...)
	return d.submit(ctx, d.pixels)
}

// ClearAll turns every LED off.
func (d *Device) ClearAll(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Load() {
		return ErrClosed
	}
	return d.clear(ctx)
}

func (d *Device) clear(ctx context.Context) error {
	d.pixels = d.pixels[:d.opts.NumLeds]
	clear(d.pixels)
	return d.submit(ctx, d.pixels)
}

// submit encodes pixels into a free frame and hands it to the manager.
// d.mu must be held.
func (d *Device) submit(ctx context.Context, pixels []led.Pixel) error {
	buf, err := d.mgr.Acquire(ctx)
	if err != nil {
		return d.fail(&IOError{Device: d.id, Kind: KindTransfer, Err: err})
	}
	enc := led.Encoder{Brightness: d.Brightness(), Order: d.opts.ChannelOrder}
	out := d.frames[buf].Build(&enc, pixels)
	if err := d.mgr.Transfer(ctx, buf, len(out)); err != nil {
		return d.fail(&IOError{Device: d.id, Kind: KindTransfer, Err: err})
	}
	d.writes.Add(1)
	d.log.Trace().Int("pixels", len(pixels)).Int("length", len(out)).Msg("frame submitted")
	return nil
}

func (d *Device) fail(err error) error {
	d.errs.Add(1)
	d.errMu.Lock()
	d.lastErr = err
	d.errMu.Unlock()
	d.log.Error().Err(err).Msg("write failed")
	return err
}

// Close blanks the string, waits for the engine to finish and releases the
// channel. It is bounded by Opts.CloseTimeout. If it times out the channel
// is still held, and a later Close waits again and releases it.
func (d *Device) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.CloseTimeout)
	defer cancel()
	d.mu.Lock()
	if !d.closed.Load() {
		if err := d.clear(ctx); err != nil {
			d.log.Warn().Err(err).Msg("clear on close")
		}
		d.closed.Store(true)
	}
	d.mu.Unlock()

	if err := d.mgr.Close(ctx); err != nil {
		return fmt.Errorf("ws2812 %s: close: %w", d.id, err)
	}
	d.log.Info().Msg("ws2812 device closed")
	return nil
}

// Wait blocks until the last submitted frame has been sent.
func (d *Device) Wait(ctx context.Context) error {
	return d.mgr.Wait(ctx)
}

// Status returns counters and configuration. It does not wait for a
// pending write.
func (d *Device) Status() Status {
	s := Status{
		ID:         d.id,
		NumLeds:    d.opts.NumLeds,
		Brightness: d.Brightness(),
		Order:      d.opts.ChannelOrder.String(),
		Invert:     d.opts.Invert,
		ResetBytes: d.resetBytes,
		FrameBytes: led.FrameSize(d.opts.NumLeds, d.resetBytes),
		Writes:     d.writes.Load(),
		Errors:     d.errs.Load(),
		Closed:     d.closed.Load(),
		DMA:        d.mgr.Stats(),
	}
	d.errMu.Lock()
	if d.lastErr != nil {
		s.LastError = d.lastErr.Error()
	}
	d.errMu.Unlock()
	return s
}

func (d *Device) String() string {
	return fmt.Sprintf("ws2812{%s, %d LEDs}", d.id, d.opts.NumLeds)
}

var (
	_ led.Driver    = (*Device)(nil)
	_ io.ReaderFrom = (*Device)(nil)
)
