// Package patterns generates test frames for checking wiring and channel
// order on a freshly installed string.
package patterns

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/coreman2200/ws2812dma/internal/led"
)

type Kind string

const (
	None Kind = ""
	// IndexSweep lights one LED at a time in string order.
	IndexSweep Kind = "index_sweep"
	// RGBTest shows full red, then green, then blue on every LED. A wrong
	// color_order shows up as the wrong color in a phase.
	RGBTest Kind = "rgb_channels"
	Clear   Kind = "clear"
	// Rainbow never finishes.
	Rainbow Kind = "rainbow"
)

// Parse maps a pattern name to its Kind.
func Parse(name string) (Kind, error) {
	switch k := Kind(name); k {
	case IndexSweep, RGBTest, Clear, Rainbow:
		return k, nil
	}
	return None, fmt.Errorf("patterns: unknown pattern %q", name)
}

type Plan struct {
	Kind Kind
	// Hold repeats each step for that many frames; 0 means 1.
	Hold int
}

type Runner struct {
	plan  Plan
	step  int
	frame int
}

func NewRunner(plan Plan) *Runner {
	if plan.Hold <= 0 {
		plan.Hold = 1
	}
	return &Runner{plan: plan}
}

func (r *Runner) Kind() Kind { return r.plan.Kind }

// Step fills dst with the next frame for a string of len(dst) LEDs. It
// returns false, leaving dst black, once the pattern is complete.
func (r *Runner) Step(dst []led.Pixel) bool {
	n := len(dst)
	clear(dst)

	switch r.plan.Kind {
	case IndexSweep:
		if r.step >= n {
			return false
		}
		dst[r.step] = 0xFFFFFF
	case RGBTest:
		if r.step >= 3 {
			return false
		}
		c := led.Pixel(0xFF0000) >> (8 * r.step)
		for i := range dst {
			dst[i] = c
		}
	case Clear:
		if r.step >= 1 {
			return false
		}
	case Rainbow:
		phase := float64(r.step) * 0.01
		for i := range dst {
			h := math.Mod(float64(i)/float64(max(1, n))+phase, 1.0)
			dst[i] = hsv(h, 1, 1)
		}
	default:
		return false
	}
	r.frame++
	if r.frame >= r.plan.Hold {
		r.frame = 0
		r.step++
	}
	return true
}

func hsv(h, s, v float64) led.Pixel {
	i := int(h * 6.0)
	f := h*6.0 - float64(i)
	p := v * (1.0 - s)
	q := v * (1.0 - f*s)
	t := v * (1.0 - (1.0-f)*s)
	var r, g, b float64
	switch i % 6 {
	case 0:
		r, g, b = v, t, p
	case 1:
		r, g, b = q, v, p
	case 2:
		r, g, b = p, v, t
	case 3:
		r, g, b = p, q, v
	case 4:
		r, g, b = t, p, v
	default:
		r, g, b = v, p, q
	}
	return led.Pixel(uint8(r*255))<<16 | led.Pixel(uint8(g*255))<<8 | led.Pixel(uint8(b*255))
}

// Loop calls step once per frame at fps with the time since the loop
// started, until step fails or ctx is done. A slow frame shortens the wait
// for the next one.
func Loop(ctx context.Context, fps int, step func(elapsed time.Duration) error) error {
	period := time.Second / time.Duration(max(1, fps))
	start := time.Now()
	timer := time.NewTimer(period)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			t := time.Now()
			if err := step(t.Sub(start)); err != nil {
				return err
			}
			wait := period - time.Since(t)
			if wait < 0 {
				wait = 0
			}
			timer.Reset(wait)
		}
	}
}
