// Package dma hands encoded frames to a DMA engine and takes them back when
// the engine is done reading.
//
// A Channel is the platform side: it allocates DMA-capable memory, maps it
// to bus addresses and runs single-descriptor memory to peripheral
// transfers. Manager drives one Channel through the
// Idle -> Mapped -> Submitted -> Completing -> Idle cycle and owns a small
// pool of frame buffers so a buffer is never refilled while the engine reads
// it.
package dma

import (
	"errors"
	"fmt"
	"io"
)

// BusAddr is an address as seen by the DMA engine.
type BusAddr uint32

func (a BusAddr) String() string {
	return fmt.Sprintf("0x%08X", uint32(a))
}

// Buffer is DMA-capable memory allocated by a Channel.
type Buffer interface {
	io.Closer
	Bytes() []byte
}

// SlaveConfig is fixed when the channel is requested.
type SlaveConfig struct {
	// DstAddr is the peripheral FIFO bus address.
	DstAddr BusAddr
	// SrcWidth and DstWidth are the bus widths in bytes.
	SrcWidth int
	DstWidth int
	// DREQ is the peripheral data request line.
	DREQ int
}

// Descriptor describes one memory to device transfer.
type Descriptor struct {
	Src    BusAddr
	Length int
}

// Channel is the platform DMA engine bound to one peripheral.
type Channel interface {
	// Alloc returns size bytes of memory the engine can read.
	Alloc(size int) (Buffer, error)
	// Map returns the bus address of the first length bytes of buf.
	Map(buf Buffer, length int) (BusAddr, error)
	// Unmap releases a mapping returned by Map.
	Unmap(addr BusAddr, length int)
	// Submit starts the transfer. done is called exactly once, from a
	// goroutine owned by the channel, after the engine stopped reading. done
	// must not block.
	Submit(d Descriptor, done func()) error
	// Close releases the channel.
	Close() error
}

var (
	// ErrMapping means no bus address could be produced for the buffer.
	ErrMapping = errors.New("dma: mapping failed")
	// ErrSubmit means the engine rejected the descriptor.
	ErrSubmit = errors.New("dma: submit failed")
	// ErrClosed is returned once the manager is closed.
	ErrClosed = errors.New("dma: closed")
)

// Error reports a failed transfer step.
type Error struct {
	Op       string
	Transfer uint64
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("dma: %s transfer %d: %v", e.Op, e.Transfer, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// State is the transfer state of a Manager.
type State int

const (
	Idle State = iota
	Mapped
	Submitted
	Completing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Mapped:
		return "mapped"
	case Submitted:
		return "submitted"
	case Completing:
		return "completing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for v := Idle; v <= Completing; v++ {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("dma: unknown state %q", b)
}
