// Package dmatest is a simulated dma.Channel.
//
// Transfers stay pending until Complete is called, unless AutoComplete is
// set. The channel snapshots the buffer both at submit time and at
// completion time so tests can prove the producer never touched memory the
// engine was reading.
package dmatest

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coreman2200/ws2812dma/internal/dma"
)

// ErrBusy is returned by Submit when a transfer is already in flight.
var ErrBusy = errors.New("dmatest: channel busy")

// Record is one finished transfer.
type Record struct {
	ID     int
	Addr   dma.BusAddr
	Length int
	// Submitted is the transferred range when Submit was called.
	Submitted []byte
	// Completed is the same range when the engine finished.
	Completed []byte
}

// Intact reports whether the memory was unchanged for the whole transfer.
func (r Record) Intact() bool {
	return string(r.Submitted) == string(r.Completed)
}

type buffer struct {
	b      []byte
	closed bool
}

func (b *buffer) Bytes() []byte { return b.b }

func (b *buffer) Close() error {
	if b.closed {
		return errors.New("dmatest: double free")
	}
	b.closed = true
	return nil
}

type mapping struct {
	buf    *buffer
	length int
}

type pending struct {
	rec  Record
	m    mapping
	done func()
}

// Channel implements dma.Channel in memory.
type Channel struct {
	// AutoComplete completes each transfer from a goroutine after Delay.
	AutoComplete bool
	Delay        time.Duration
	// OnComplete, when set, is called with each record before the manager
	// is notified.
	OnComplete func(Record)

	mu        sync.Mutex
	cond      *sync.Cond
	next      dma.BusAddr
	mapped    map[dma.BusAddr]mapping
	inflight  *pending
	records   []Record
	mapErr    error
	submitErr error
	allocs    int
	unmapBad  int
	closed    bool
}

// New returns an idle channel with manual completion.
func New() *Channel {
	c := &Channel{next: 0xC0000000, mapped: map[dma.BusAddr]mapping{}}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// FailMap makes the next Map call return err.
func (c *Channel) FailMap(err error) {
	c.mu.Lock()
	c.mapErr = err
	c.mu.Unlock()
}

// FailSubmit makes the next Submit call return err.
func (c *Channel) FailSubmit(err error) {
	c.mu.Lock()
	c.submitErr = err
	c.mu.Unlock()
}

func (c *Channel) Alloc(size int) (dma.Buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("dmatest: closed")
	}
	c.allocs++
	return &buffer{b: make([]byte, size)}, nil
}

func (c *Channel) Map(b dma.Buffer, length int) (dma.BusAddr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.mapErr; err != nil {
		c.mapErr = nil
		return 0, err
	}
	buf, ok := b.(*buffer)
	if !ok || buf.closed {
		return 0, fmt.Errorf("dmatest: foreign or freed buffer")
	}
	if length <= 0 || length > len(buf.b) {
		return 0, fmt.Errorf("dmatest: map length %d outside buffer of %d", length, len(buf.b))
	}
	addr := c.next
	c.next += dma.BusAddr((length + 31) &^ 31)
	c.mapped[addr] = mapping{buf: buf, length: length}
	return addr, nil
}

func (c *Channel) Unmap(addr dma.BusAddr, length int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.mapped[addr]
	if !ok || m.length != length {
		c.unmapBad++
		return
	}
	delete(c.mapped, addr)
}

func (c *Channel) Submit(d dma.Descriptor, done func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.submitErr; err != nil {
		c.submitErr = nil
		return err
	}
	if c.inflight != nil {
		return ErrBusy
	}
	m, ok := c.mapped[d.Src]
	if !ok || m.length != d.Length {
		return fmt.Errorf("dmatest: descriptor %s+%d not mapped", d.Src, d.Length)
	}
	p := &pending{
		rec: Record{
			ID:        len(c.records) + 1,
			Addr:      d.Src,
			Length:    d.Length,
			Submitted: append([]byte(nil), m.buf.b[:d.Length]...),
		},
		m:    m,
		done: done,
	}
	c.inflight = p
	c.cond.Broadcast()
	if c.AutoComplete {
		go func() {
			time.Sleep(c.Delay)
			c.Complete()
		}()
	}
	return nil
}

// Complete finishes the in-flight transfer and reports whether there was
// one.
func (c *Channel) Complete() bool {
	c.mu.Lock()
	p := c.inflight
	if p == nil {
		c.mu.Unlock()
		return false
	}
	c.inflight = nil
	p.rec.Completed = append([]byte(nil), p.m.buf.b[:p.rec.Length]...)
	c.records = append(c.records, p.rec)
	hook := c.OnComplete
	c.cond.Broadcast()
	c.mu.Unlock()

	if hook != nil {
		hook(p.rec)
	}
	p.done()
	return true
}

// WaitPending blocks until a transfer is in flight or timeout passes.
func (c *Channel) WaitPending(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	t := time.AfterFunc(timeout, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer t.Stop()
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.inflight == nil {
		if !time.Now().Before(deadline) {
			return false
		}
		c.cond.Wait()
	}
	return true
}

// Pending reports whether a transfer is in flight.
func (c *Channel) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight != nil
}

// Records returns the finished transfers in order.
func (c *Channel) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Record(nil), c.records...)
}

// Mappings is the number of live mappings.
func (c *Channel) Mappings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.mapped)
}

// BadUnmaps counts Unmap calls for addresses that were never mapped.
func (c *Channel) BadUnmaps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unmapBad
}

// Allocs counts Alloc calls.
func (c *Channel) Allocs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allocs
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight != nil {
		return errors.New("dmatest: close with transfer in flight")
	}
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

var _ dma.Channel = (*Channel)(nil)
