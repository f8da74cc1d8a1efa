// Package spidev streams encoded frames out of an SPI MOSI line instead of
// the PWM serializer.
//
// At the same bit rate an SPI port produces the same waveform as the PWM
// block, provided the bytes leave in the same order. The serializer shifts
// each 32 bit FIFO word out most significant bit first while SPI sends
// bytes in memory order, so every word is byte swapped on the way out.
package spidev

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"

	"github.com/coreman2200/ws2812dma/internal/dma"
)

// ErrBusy is returned by Submit while a transfer is in flight.
var ErrBusy = errors.New("spidev: transfer in flight")

type buffer struct {
	owner *Channel
	addr  dma.BusAddr
	b     []byte
}

func (b *buffer) Bytes() []byte { return b.b }
func (b *buffer) Close() error  { return nil }

// Channel implements dma.Channel on an SPI connection. Completion is
// reported once Tx returns.
type Channel struct {
	conn  spi.Conn
	port  spi.PortCloser
	log   zerolog.Logger
	maxTx int

	mu     sync.Mutex
	closed bool
	next   dma.BusAddr
	mapped map[dma.BusAddr]*buffer
	busy   bool
	fault  error
	tx     []byte
	wg     sync.WaitGroup
}

// Open opens the SPI port by name ("" for the first one) and connects at
// bitRate.
func Open(name string, bitRate physic.Frequency, log zerolog.Logger) (*Channel, error) {
	p, err := spireg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("spidev: open %q: %w", name, err)
	}
	c, err := New(p, bitRate, log)
	if err != nil {
		p.Close()
		return nil, err
	}
	c.port = p
	return c, nil
}

// New connects to p in mode 0, 8 bits per word.
func New(p spi.Port, bitRate physic.Frequency, log zerolog.Logger) (*Channel, error) {
	sc, err := p.Connect(bitRate, spi.Mode0, 8)
	if err != nil {
		return nil, fmt.Errorf("spidev: connect at %s: %w", bitRate, err)
	}
	c := &Channel{
		conn:   sc,
		log:    log,
		next:   0x1000,
		mapped: map[dma.BusAddr]*buffer{},
	}
	if l, ok := sc.(conn.Limits); ok {
		c.maxTx = l.MaxTxSize()
	}
	log.Info().Str("conn", sc.String()).Stringer("bit_rate", bitRate).Int("max_tx", c.maxTx).Msg("spi channel ready")
	return c, nil
}

func (c *Channel) Alloc(size int) (dma.Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("spidev: invalid buffer size %d", size)
	}
	if c.maxTx > 0 && wordLen(size) > c.maxTx {
		return nil, fmt.Errorf("spidev: frame of %d bytes exceeds the %d byte transfer limit", size, c.maxTx)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// Each buffer keeps one address for its lifetime.
	b := &buffer{owner: c, addr: c.next, b: make([]byte, size)}
	c.next += dma.BusAddr(wordLen(size))
	return b, nil
}

func (c *Channel) Map(b dma.Buffer, length int) (dma.BusAddr, error) {
	buf, ok := b.(*buffer)
	if !ok || buf.owner != c {
		return 0, errors.New("spidev: buffer not allocated by this channel")
	}
	if length <= 0 || length > len(buf.b) {
		return 0, fmt.Errorf("spidev: length %d outside buffer of %d", length, len(buf.b))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, errors.New("spidev: closed")
	}
	c.mapped[buf.addr] = buf
	return buf.addr, nil
}

func (c *Channel) Unmap(addr dma.BusAddr, length int) {
	c.mu.Lock()
	delete(c.mapped, addr)
	c.mu.Unlock()
}

// Submit swaps the frame into the transmit buffer and sends it from a
// goroutine. An SPI error is returned by the following Submit.
func (c *Channel) Submit(d dma.Descriptor, done func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return errors.New("spidev: closed")
	case c.busy:
		return ErrBusy
	}
	if err := c.fault; err != nil {
		c.fault = nil
		return fmt.Errorf("spidev: previous transfer: %w", err)
	}
	buf, ok := c.mapped[d.Src]
	if !ok {
		return fmt.Errorf("spidev: %s is not mapped", d.Src)
	}
	c.tx = swapWords(c.tx[:0], buf.b[:d.Length])
	c.busy = true
	c.wg.Add(1)
	go c.send(c.tx, done)
	return nil
}

func (c *Channel) send(w []byte, done func()) {
	defer c.wg.Done()
	err := c.conn.Tx(w, nil)
	if err != nil {
		c.log.Error().Err(err).Int("length", len(w)).Msg("spi transfer failed")
	}
	c.mu.Lock()
	c.busy = false
	if err != nil {
		c.fault = err
	}
	c.mu.Unlock()
	done()
}

// Close waits for a pending Tx and closes the port if Open created it.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.wg.Wait()
	if c.port != nil {
		return c.port.Close()
	}
	return nil
}

func wordLen(n int) int { return (n + 3) &^ 3 }

// swapWords appends src to dst padded with zeros to whole words, each word
// byte reversed.
func swapWords(dst, src []byte) []byte {
	n := wordLen(len(src))
	for i := 0; i < n; i += 4 {
		var w [4]byte
		copy(w[:], src[i:min(i+4, len(src))])
		dst = append(dst, w[3], w[2], w[1], w[0])
	}
	return dst
}

var _ dma.Channel = (*Channel)(nil)
