package bcm283x

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"periph.io/x/conn/v3/physic"

	"github.com/coreman2200/ws2812dma/internal/dma"
	"github.com/coreman2200/ws2812dma/internal/pwm"
)

// DMA channel register offsets.
const (
	dmaCS       = 0x00
	dmaConblkAd = 0x04
	dmaDebug    = 0x20
	dmaRegsSize = 0x24
)

// CS bits.
const (
	csActive                  = 1 << 0
	csEnd                     = 1 << 1
	csInt                     = 1 << 2
	csError                   = 1 << 8
	csPriorityShift           = 16
	csPanicPriorityShift      = 20
	csWaitForOutstandingWrite = 1 << 28
	csReset                   = 1 << 31
)

// TI bits.
const (
	tiWaitResp     = 1 << 3
	tiDstDReq      = 1 << 6
	tiSrcInc       = 1 << 8
	tiPerMapShift  = 16
	tiNoWideBursts = 1 << 26
)

// DEBUG error bits.
const (
	debugReadLastNotSet = 1 << 0
	debugFIFOError      = 1 << 1
	debugReadError      = 1 << 2
)

const (
	pageSize = 4096
	// cbSize is one control block: TI, SOURCE_AD, DEST_AD, TXFR_LEN, STRIDE,
	// NEXTCONBK and two reserved words.
	cbSize = 32
	// DefaultDMAChannel is usually free of kernel users.
	DefaultDMAChannel = 10
)

var dmaOffsets = [...]uint64{
	0x7000, 0x7100, 0x7200, 0x7300, 0x7400, 0x7500, 0x7600, 0x7700,
	0x7800, 0x7900, 0x7A00, 0x7B00, 0x7C00, 0x7D00, 0x7E00,
}

// ErrBusy is returned by Submit while a transfer is in flight.
var ErrBusy = errors.New("bcm283x: transfer in flight")

// Opts configures a Channel.
type Opts struct {
	// PeriphBase is the ARM physical base of the peripherals; detected from
	// the device tree when 0.
	PeriphBase uint64
	// DMAChannel is the engine channel, 0 to 14.
	DMAChannel int
	// Osc is the PWM clock source; derived from PeriphBase when 0.
	Osc     physic.Frequency
	BitRate physic.Frequency
	Invert  bool
	// Poll is the completion polling period; 100µs when 0.
	Poll time.Duration
	Log  zerolog.Logger
	// Host defaults to Periph.
	Host Host
}

// Channel is a dma.Channel feeding the PWM FIFO.
type Channel struct {
	host    Host
	log     zerolog.Logger
	bitRate physic.Frequency
	poll    time.Duration
	dramBus uint32
	slave   dma.SlaveConfig

	pwm  Window
	cm   Window
	regs Window
	cb   Mem

	mu     sync.Mutex
	mapped map[dma.BusAddr]*buffer
	busy   bool
	fault  error
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// New maps the PWM, clock and DMA registers, starts the PWM clock at the
// bit rate and puts the PWM block in serializer mode.
func New(opts *Opts) (*Channel, error) {
	o := *opts
	if o.Host == nil {
		o.Host = Periph{}
	}
	if o.DMAChannel < 0 || o.DMAChannel >= len(dmaOffsets) {
		return nil, errors.Errorf("bcm283x: invalid DMA channel %d", o.DMAChannel)
	}
	if o.BitRate < physic.Hertz {
		return nil, errors.Errorf("bcm283x: invalid bit rate %s", o.BitRate)
	}
	if o.PeriphBase == 0 {
		b, err := PeriphBase()
		if err != nil {
			return nil, err
		}
		o.PeriphBase = b
	}
	if o.Osc == 0 {
		o.Osc = Oscillator(o.PeriphBase)
	}
	if o.Poll <= 0 {
		o.Poll = 100 * time.Microsecond
	}
	c := &Channel{
		host:    o.Host,
		log:     o.Log,
		bitRate: o.BitRate,
		poll:    o.Poll,
		dramBus: DRAMBus(o.PeriphBase),
		slave: dma.SlaveConfig{
			DstAddr:  pwm.FIFOBusAddr,
			SrcWidth: 4,
			DstWidth: 4,
			DREQ:     pwm.DREQ,
		},
		mapped: map[dma.BusAddr]*buffer{},
		stop:   make(chan struct{}),
	}
	if err := c.open(&o); err != nil {
		c.release()
		return nil, err
	}
	c.log.Info().
		Str("periph_base", fmt.Sprintf("%#x", o.PeriphBase)).
		Int("dma_channel", o.DMAChannel).
		Stringer("bit_rate", o.BitRate).
		Msg("bcm283x pwm dma ready")
	return c, nil
}

func (c *Channel) open(o *Opts) error {
	var err error
	if c.pwm, err = c.host.Map(o.PeriphBase+pwm.Offset, pwm.Size); err != nil {
		return errors.Wrap(err, "bcm283x: map pwm registers")
	}
	if c.cm, err = c.host.Map(o.PeriphBase+pwm.ClockOffset, pwm.CMPWMDIV+4); err != nil {
		return errors.Wrap(err, "bcm283x: map clock registers")
	}
	if c.regs, err = c.host.Map(o.PeriphBase+dmaOffsets[o.DMAChannel], dmaRegsSize); err != nil {
		return errors.Wrap(err, "bcm283x: map dma registers")
	}
	if c.cb, err = c.host.Alloc(pageSize); err != nil {
		return errors.Wrap(err, "bcm283x: allocate control block")
	}
	c.resetEngine()
	if err := pwm.SetClock(c.cm, o.Osc, o.BitRate); err != nil {
		return errors.Wrap(err, "bcm283x: pwm clock")
	}
	pwm.Program(c.pwm, o.Invert)
	return nil
}

// SlaveConfig reports the fixed peripheral side of the channel.
func (c *Channel) SlaveConfig() dma.SlaveConfig {
	return c.slave
}

type buffer struct {
	owner *Channel
	mem   Mem
	size  int
	bus   dma.BusAddr
}

func (b *buffer) Bytes() []byte { return b.mem.Bytes()[:b.size] }

func (b *buffer) Close() error { return b.mem.Close() }

// Alloc returns uncached, physically contiguous memory rounded up to whole
// pages.
func (c *Channel) Alloc(size int) (dma.Buffer, error) {
	if size <= 0 {
		return nil, errors.Errorf("bcm283x: invalid buffer size %d", size)
	}
	m, err := c.host.Alloc((size + pageSize - 1) &^ (pageSize - 1))
	if err != nil {
		return nil, errors.Wrapf(err, "bcm283x: allocate %d bytes", size)
	}
	clear(m.Bytes())
	return &buffer{
		owner: c,
		mem:   m,
		size:  size,
		bus:   dma.BusAddr(uint32(m.PhysAddr()) | c.dramBus),
	}, nil
}

// Map returns the uncached bus address of buf. The FIFO takes whole words,
// so up to three bytes after length are zeroed and sent as part of the gap.
func (c *Channel) Map(b dma.Buffer, length int) (dma.BusAddr, error) {
	buf, ok := b.(*buffer)
	if !ok || buf.owner != c {
		return 0, errors.New("bcm283x: buffer not allocated by this channel")
	}
	if length <= 0 || length > buf.size {
		return 0, errors.Errorf("bcm283x: length %d outside buffer of %d", length, buf.size)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, errors.New("bcm283x: closed")
	}
	clear(buf.mem.Bytes()[length:wordLen(length)])
	c.mapped[buf.bus] = buf
	return buf.bus, nil
}

func (c *Channel) Unmap(addr dma.BusAddr, length int) {
	c.mu.Lock()
	delete(c.mapped, addr)
	c.mu.Unlock()
}

// Submit writes the control block and starts the engine. A fault seen on
// the previous transfer is returned here, once.
func (c *Channel) Submit(d dma.Descriptor, done func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return errors.New("bcm283x: closed")
	case c.busy:
		return ErrBusy
	}
	if err := c.fault; err != nil {
		c.fault = nil
		return errors.Wrap(err, "bcm283x: previous transfer")
	}
	if _, ok := c.mapped[d.Src]; !ok {
		return errors.Errorf("bcm283x: %s is not mapped", d.Src)
	}

	cb := c.cb.Bytes()[:cbSize]
	putWords(cb,
		tiNoWideBursts|tiWaitResp|tiDstDReq|tiSrcInc|uint32(c.slave.DREQ)<<tiPerMapShift,
		uint32(d.Src),
		uint32(c.slave.DstAddr),
		uint32(wordLen(d.Length)),
		0, 0, 0, 0)

	c.resetEngine()
	c.regs.Store(dmaConblkAd, uint32(c.cb.PhysAddr())|c.dramBus)
	c.regs.Store(dmaCS, csWaitForOutstandingWrite|8<<csPanicPriorityShift|8<<csPriorityShift|csActive)
	c.busy = true

	c.wg.Add(1)
	go c.watch(wordLen(d.Length), done)
	return nil
}

// watch polls CS until the engine goes inactive, then hands the buffer
// back through done.
func (c *Channel) watch(length int, done func()) {
	defer c.wg.Done()
	expected := time.Duration(int64(length) * 8 * int64(time.Second) / int64(c.bitRate/physic.Hertz))
	deadline := time.Now().Add(10*expected + 100*time.Millisecond)
	time.Sleep(expected)

	t := time.NewTicker(c.poll)
	defer t.Stop()
	var err error
	for {
		if err = c.engineError(); err != nil {
			break
		}
		if c.regs.Load(dmaCS)&csActive == 0 {
			break
		}
		if time.Now().After(deadline) {
			err = errors.Errorf("bcm283x: transfer of %d bytes did not finish in %s", length, 10*expected)
			break
		}
		select {
		case <-t.C:
		case <-c.stop:
			err = errors.New("bcm283x: stopped with transfer in flight")
		}
		if err != nil {
			break
		}
	}
	if err != nil {
		c.resetEngine()
		c.log.Error().Err(err).Msg("dma transfer failed")
	}
	if perr := pwm.CheckStatus(c.pwm); perr != nil {
		c.log.Warn().Err(perr).Msg("pwm status")
	}

	c.mu.Lock()
	c.busy = false
	if err != nil {
		c.fault = err
	}
	c.mu.Unlock()
	done()
}

func (c *Channel) engineError() error {
	dbg := c.regs.Load(dmaDebug)
	switch {
	case dbg&debugReadError != 0:
		return errors.New("bcm283x: DMA read error")
	case dbg&debugFIFOError != 0:
		return errors.New("bcm283x: DMA FIFO error")
	case dbg&debugReadLastNotSet != 0:
		return errors.New("bcm283x: DMA AXI read error")
	case c.regs.Load(dmaCS)&csError != 0:
		return errors.New("bcm283x: DMA error")
	}
	return nil
}

func (c *Channel) resetEngine() {
	c.regs.Store(dmaCS, csReset)
	c.regs.Store(dmaCS, csEnd|csInt)
	c.regs.Store(dmaConblkAd, 0)
	c.regs.Store(dmaDebug, debugReadLastNotSet|debugFIFOError|debugReadError)
}

// Close stops a pending watcher, halts the engine, the PWM and its clock,
// then unmaps everything.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stop)
	c.mu.Unlock()

	c.wg.Wait()
	return c.release()
}

func (c *Channel) release() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if c.regs != nil {
		c.resetEngine()
		keep(c.regs.Close())
	}
	if c.pwm != nil {
		pwm.Stop(c.pwm)
		keep(c.pwm.Close())
	}
	if c.cm != nil {
		if err := pwm.StopClock(c.cm); err != nil {
			c.log.Warn().Err(err).Msg("pwm clock stop")
		}
		keep(c.cm.Close())
	}
	if c.cb != nil {
		keep(c.cb.Close())
	}
	return first
}

func wordLen(n int) int { return (n + 3) &^ 3 }

func putWords(b []byte, words ...uint32) {
	for i, w := range words {
		binary.LittleEndian.PutUint32(b[4*i:], w)
	}
}

var _ dma.Channel = (*Channel)(nil)
