package pwm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"
)

func TestControl(t *testing.T) {
	assert.Equal(t, uint32(0xE3), Control(false))
	assert.Equal(t, uint32(0xFB), Control(true))
	assert.Equal(t, uint32(0x80000408), DMAControl())
	assert.Equal(t, 0x7E20C018, FIFOBusAddr)
}

func TestProgram(t *testing.T) {
	settle = 0
	regs := make(Words, Size/4)
	regs.Store(DAT1, 0xDEADBEEF)
	Program(regs, false)
	assert.Equal(t, uint32(32), regs.Load(RNG1))
	assert.Zero(t, regs.Load(DAT1))
	assert.Equal(t, Control(false), regs.Load(CTL))
	assert.Equal(t, DMAControl(), regs.Load(DMAC))

	// Idempotent.
	before := append(Words(nil), regs...)
	Program(regs, false)
	assert.Equal(t, before, regs)

	Stop(regs)
	assert.Zero(t, regs.Load(DMAC))
	assert.Zero(t, regs.Load(CTL)&CtlPWEN1)
}

func TestCheckStatus(t *testing.T) {
	regs := make(Words, Size/4)
	require.NoError(t, CheckStatus(regs))

	regs.Store(STA, StaGAPO1|StaBERR|StaEMPT1)
	err := CheckStatus(regs)
	require.Error(t, err)
	var se StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StatusError(StaGAPO1|StaBERR), se)
	assert.Contains(t, err.Error(), "underrun")
	// Written back to clear, EMPT1 untouched.
	assert.Equal(t, uint32(StaGAPO1|StaBERR), regs.Load(STA))
}

func TestDivisor(t *testing.T) {
	tests := []struct {
		osc, rate  physic.Frequency
		divi, divf uint32
		fail       bool
	}{
		{OscBCM2835, 2400 * physic.KiloHertz, 8, 0, false},
		{OscBCM2711, 2400 * physic.KiloHertz, 22, 2048, false},
		{OscBCM2835, 3 * physic.MegaHertz, 6, 1638, false},
		{OscBCM2835, 19200 * physic.KiloHertz, 0, 0, true},
		{OscBCM2835, physic.Hertz, 0, 0, true},
		{OscBCM2835, 0, 0, 0, true},
	}
	for _, tt := range tests {
		divi, divf, err := Divisor(tt.osc, tt.rate)
		if tt.fail {
			assert.Error(t, err, "%s/%s", tt.osc, tt.rate)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.divi, divi, "%s/%s", tt.osc, tt.rate)
		assert.Equal(t, tt.divf, divf, "%s/%s", tt.osc, tt.rate)
	}
}

// clockSim raises BUSY when enabled and drops it when killed.
type clockSim struct {
	Words
	stuck bool
}

func (c *clockSim) Store(off, v uint32) {
	if off == CMPWMCTL && !c.stuck {
		switch {
		case v&cmKill != 0:
			v &^= cmBusy
		case v&cmEnab != 0:
			v |= cmBusy
		}
	}
	c.Words.Store(off, v)
}

func TestSetClock(t *testing.T) {
	cm := &clockSim{Words: make(Words, CMPWMDIV/4+1)}
	require.NoError(t, SetClock(cm, OscBCM2835, 2400*physic.KiloHertz))
	assert.Equal(t, uint32(cmPasswd|8<<12), cm.Load(CMPWMDIV))
	assert.Equal(t, uint32(cmPasswd|cmSrcOsc|cmEnab|cmBusy), cm.Load(CMPWMCTL))
	require.NoError(t, StopClock(cm))

	cm = &clockSim{Words: make(Words, CMPWMDIV/4+1), stuck: true}
	assert.ErrorIs(t, SetClock(cm, OscBCM2835, 2400*physic.KiloHertz), ErrClockTimeout)
}
