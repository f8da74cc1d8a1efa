// Package bcm283x runs DMA transfers into the PWM FIFO of a Raspberry Pi SoC
// from user space.
//
// Registers are mapped through /dev/mem with periph's pmem package and frame
// buffers come from the VideoCore allocator, which hands out physically
// contiguous uncached memory the DMA engine can read directly.
package bcm283x

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3/pmem"
	"periph.io/x/host/v3/videocore"

	"github.com/coreman2200/ws2812dma/internal/pwm"
)

// Known peripheral bases.
const (
	BaseBCM2835 = 0x20000000
	BaseBCM2836 = 0x3F000000
	BaseBCM2711 = 0xFE000000
)

// Window is a mapped register block.
type Window interface {
	pwm.Registers
	io.Closer
}

// Mem is physically contiguous memory.
type Mem interface {
	io.Closer
	Bytes() []byte
	PhysAddr() uint64
}

// Host provides register windows and DMA memory.
type Host interface {
	Map(phys uint64, size int) (Window, error)
	Alloc(size int) (Mem, error)
}

// Periph maps /dev/mem and allocates through the VideoCore mailbox.
type Periph struct{}

type view struct {
	*pmem.View
	pwm.Words
}

func (Periph) Map(phys uint64, size int) (Window, error) {
	v, err := pmem.Map(phys, size)
	if err != nil {
		return nil, err
	}
	return &view{View: v, Words: v.Uint32()}, nil
}

func (Periph) Alloc(size int) (Mem, error) {
	m, err := videocore.Alloc(size)
	if err != nil {
		return nil, err
	}
	return m, nil
}

var (
	baseOnce sync.Once
	base     uint64
	baseErr  error
)

// PeriphBase reads the peripheral base from the device tree, the way the
// firmware's bcm_host library does.
func PeriphBase() (uint64, error) {
	baseOnce.Do(func() {
		base, baseErr = readRanges("/proc/device-tree/soc/ranges")
	})
	return base, baseErr
}

func readRanges(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrap(err, "bcm283x: peripheral base")
	}
	return parseRanges(b)
}

// parseRanges decodes the second cell of soc/ranges, or the third when the
// parent address uses two cells as on the BCM2711.
func parseRanges(b []byte) (uint64, error) {
	if len(b) < 8 {
		return 0, errors.Errorf("bcm283x: soc/ranges too short (%d bytes)", len(b))
	}
	if v := binary.BigEndian.Uint32(b[4:8]); v != 0 {
		return uint64(v), nil
	}
	if len(b) < 12 {
		return 0, errors.New("bcm283x: soc/ranges has no parent address")
	}
	return uint64(binary.BigEndian.Uint32(b[8:12])), nil
}

// DRAMBus is the bus alias of SDRAM with the L2 cache bypassed.
func DRAMBus(periphBase uint64) uint32 {
	if periphBase == BaseBCM2835 {
		return 0x40000000
	}
	return 0xC0000000
}

// Oscillator returns the PWM clock source frequency for the SoC at
// periphBase.
func Oscillator(periphBase uint64) physic.Frequency {
	if periphBase == BaseBCM2711 {
		return pwm.OscBCM2711
	}
	return pwm.OscBCM2835
}
