// Package pwm programs the BCM283x PWM block as a 32 bit serializer fed by
// DMA, and its clock manager.
package pwm

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"periph.io/x/conn/v3/physic"
)

// Physical and bus layout.
const (
	// Offset is the PWM block offset from the peripheral base.
	Offset = 0x0020C000
	// ClockOffset is the clock manager offset from the peripheral base.
	ClockOffset = 0x00101000
	// BusBase is where peripherals appear to the DMA engine.
	BusBase = 0x7E000000
	// FIFOBusAddr is the channel 1 FIFO as seen by DMA.
	FIFOBusAddr = BusBase + Offset + FIF1
	// DREQ is the PWM data request line on the DMA engine.
	DREQ = 5
	// Size is the mapped register window.
	Size = 0x28
)

// Register offsets within the PWM block.
const (
	CTL  = 0x00
	STA  = 0x04
	DMAC = 0x08
	RNG1 = 0x10
	DAT1 = 0x14
	FIF1 = 0x18
)

// CTL bits, channel 1.
const (
	CtlPWEN1 = 1 << 0 // enable
	CtlMODE1 = 1 << 1 // serializer
	CtlRPTL1 = 1 << 2 // repeat last word
	CtlSBIT1 = 1 << 3 // silence bit
	CtlPOLA1 = 1 << 4 // invert output
	CtlUSEF1 = 1 << 5 // feed from FIFO
	CtlCLRF1 = 1 << 6 // clear FIFO
	CtlMSEN1 = 1 << 7 // mark/space
)

// STA bits. Error bits are cleared by writing 1.
const (
	StaFULL1 = 1 << 0
	StaEMPT1 = 1 << 1
	StaWERR1 = 1 << 2
	StaRERR1 = 1 << 3
	StaGAPO1 = 1 << 4
	StaBERR  = 1 << 8
	StaSTA1  = 1 << 9

	staErrors = StaWERR1 | StaRERR1 | StaGAPO1 | StaBERR
)

// DMAC fields.
const (
	DmacENAB = 1 << 31
	// DREQ threshold and panic threshold, in FIFO words.
	dmacDreqThreshold  = 8
	dmacPanicThreshold = 4
)

// Registers is a 32 bit register window addressed by byte offset.
type Registers interface {
	Load(off uint32) uint32
	Store(off, v uint32)
}

// Words adapts a mapped window, or plain memory in tests.
type Words []uint32

func (w Words) Load(off uint32) uint32 { return w[off/4] }

func (w Words) Store(off, v uint32) { w[off/4] = v }

// settle is the pause between PWM writes; the block is known to lock up
// when reprogrammed back to back.
var settle = 10 * time.Microsecond

// Control returns the CTL value for serializer mode fed by DMA. invert
// flips both the output polarity and the idle level.
func Control(invert bool) uint32 {
	v := uint32(CtlPWEN1 | CtlMODE1 | CtlUSEF1 | CtlCLRF1 | CtlMSEN1)
	if invert {
		v |= CtlPOLA1 | CtlSBIT1
	}
	return v
}

// DMAControl returns the DMAC value enabling DREQ driven transfers.
func DMAControl() uint32 {
	return DmacENAB | dmacPanicThreshold<<8 | dmacDreqThreshold
}

// Program puts the PWM block in serializer mode: 32 bits per FIFO word, data
// register cleared, FIFO fed by DMA. Programming twice is harmless.
func Program(r Registers, invert bool) {
	r.Store(CTL, 0)
	time.Sleep(settle)
	r.Store(RNG1, 32)
	r.Store(DAT1, 0)
	time.Sleep(settle)
	r.Store(CTL, Control(invert))
	time.Sleep(settle)
	r.Store(DMAC, DMAControl())
}

// Stop disables the channel and its DMA requests.
func Stop(r Registers) {
	r.Store(DMAC, 0)
	r.Store(CTL, CtlCLRF1)
	time.Sleep(settle)
}

// StatusError describes sticky error bits read from STA.
type StatusError uint32

func (s StatusError) Error() string {
	var parts []string
	if s&StaBERR != 0 {
		parts = append(parts, "bus error")
	}
	if s&StaGAPO1 != 0 {
		parts = append(parts, "gap (FIFO underrun)")
	}
	if s&StaRERR1 != 0 {
		parts = append(parts, "FIFO read error")
	}
	if s&StaWERR1 != 0 {
		parts = append(parts, "FIFO write error")
	}
	return "pwm: " + strings.Join(parts, ", ")
}

// CheckStatus reports and clears the sticky error bits.
func CheckStatus(r Registers) error {
	sta := r.Load(STA) & staErrors
	if sta == 0 {
		return nil
	}
	r.Store(STA, sta)
	return StatusError(sta)
}

// Clock manager layout.
const (
	CMPWMCTL = 0xA0
	CMPWMDIV = 0xA4

	cmPasswd  = 0x5A << 24
	cmSrcOsc  = 1 << 0
	cmEnab    = 1 << 4
	cmKill    = 1 << 5
	cmBusy    = 1 << 7
	cmMash1   = 1 << 9
	cmDivMax  = 0xFFF
	cmDivFrac = 4096
)

// Oscillator frequencies by SoC generation.
const (
	OscBCM2835 = 19200 * physic.KiloHertz
	OscBCM2711 = 54 * physic.MegaHertz
)

// ErrClockTimeout is returned when the clock manager never reports the
// expected busy state.
var ErrClockTimeout = errors.New("pwm: clock manager did not settle")

// Divisor splits osc/rate into the integer and 12 bit fractional parts the
// clock manager takes.
func Divisor(osc, rate physic.Frequency) (divi, divf uint32, err error) {
	if rate <= 0 || osc <= 0 {
		return 0, 0, fmt.Errorf("pwm: invalid clock %s from %s", rate, osc)
	}
	o, r := int64(osc/physic.Hertz), int64(rate/physic.Hertz)
	if r == 0 {
		return 0, 0, fmt.Errorf("pwm: clock %s below 1Hz", rate)
	}
	i := o / r
	if i < 2 || i > cmDivMax {
		return 0, 0, fmt.Errorf("pwm: %s cannot be derived from %s", rate, osc)
	}
	f := (o % r) * cmDivFrac / r
	return uint32(i), uint32(f), nil
}

// SetClock stops the PWM clock, programs its divisor from the oscillator
// and restarts it.
func SetClock(cm Registers, osc, rate physic.Frequency) error {
	divi, divf, err := Divisor(osc, rate)
	if err != nil {
		return err
	}
	cm.Store(CMPWMCTL, cmPasswd|cmKill)
	if err := waitBusy(cm, false); err != nil {
		return err
	}
	cm.Store(CMPWMDIV, cmPasswd|divi<<12|divf)
	ctl := uint32(cmPasswd | cmSrcOsc)
	if divf != 0 {
		ctl |= cmMash1
	}
	cm.Store(CMPWMCTL, ctl)
	cm.Store(CMPWMCTL, ctl|cmEnab)
	return waitBusy(cm, true)
}

// StopClock kills the PWM clock.
func StopClock(cm Registers) error {
	cm.Store(CMPWMCTL, cmPasswd|cmKill)
	return waitBusy(cm, false)
}

func waitBusy(cm Registers, busy bool) error {
	deadline := time.Now().Add(10 * time.Millisecond)
	for (cm.Load(CMPWMCTL)&cmBusy != 0) != busy {
		if time.Now().After(deadline) {
			return ErrClockTimeout
		}
		time.Sleep(time.Microsecond)
	}
	return nil
}
