package dma

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultBuffers is the pool size: one buffer in flight, one being filled.
const DefaultBuffers = 2

// Opts configures a Manager.
type Opts struct {
	// BufferSize is the byte size of each pooled buffer.
	BufferSize int
	// Buffers is the pool size; DefaultBuffers when 0.
	Buffers int
	Log     zerolog.Logger
}

// Stats counts transfer outcomes.
type Stats struct {
	State           State  `json:"state"`
	Submitted       uint64 `json:"submitted"`
	Completed       uint64 `json:"completed"`
	MapFailures     uint64 `json:"map_failures"`
	SubmitFailures  uint64 `json:"submit_failures"`
	StaleCompletion uint64 `json:"stale_completions"`
}

type transfer struct {
	id     uint64
	addr   BusAddr
	length int
	buf    Buffer
}

// Manager serializes transfers on a Channel.
//
// Buffers come from Acquire and go back to the pool only when the engine
// is done with them, so the producer never writes into memory the engine is
// reading. A single slot token enforces at most one mapped or submitted
// transfer.
type Manager struct {
	ch  Channel
	log zerolog.Logger

	bufs []Buffer
	free chan Buffer
	slot chan struct{}

	mu     sync.Mutex
	state  State
	cur    *transfer
	nextID uint64
	stats  Stats
	closed bool

	// closeMu serializes Close. drained counts buffers reclaimed from free
	// by an earlier Close that timed out.
	closeMu  sync.Mutex
	drained  int
	released bool
}

// NewManager allocates the buffer pool on ch.
func NewManager(ch Channel, opts *Opts) (*Manager, error) {
	if opts.BufferSize <= 0 {
		return nil, fmt.Errorf("dma: invalid buffer size %d", opts.BufferSize)
	}
	n := opts.Buffers
	if n <= 0 {
		n = DefaultBuffers
	}
	m := &Manager{
		ch:   ch,
		log:  opts.Log,
		free: make(chan Buffer, n),
		slot: make(chan struct{}, 1),
	}
	for i := 0; i < n; i++ {
		b, err := ch.Alloc(opts.BufferSize)
		if err != nil {
			m.freeBuffers()
			return nil, fmt.Errorf("dma: alloc %d bytes: %w", opts.BufferSize, err)
		}
		m.bufs = append(m.bufs, b)
		m.free <- b
	}
	m.slot <- struct{}{}
	return m, nil
}

// Buffers returns every pooled buffer, for callers that index per-buffer
// state.
func (m *Manager) Buffers() []Buffer {
	return m.bufs
}

// Acquire takes a buffer no transfer is reading. The caller owns it until
// it hands it to Transfer or Release.
func (m *Manager) Acquire(ctx context.Context) (Buffer, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	select {
	case b := <-m.free:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns an acquired buffer that was not transferred.
func (m *Manager) Release(b Buffer) {
	m.free <- b
}

// Transfer maps the first length bytes of buf and submits them. It waits
// for the previous transfer to complete but not for this one. Ownership of
// buf passes to the manager in every case.
func (m *Manager) Transfer(ctx context.Context, buf Buffer, length int) error {
	select {
	case <-m.slot:
	case <-ctx.Done():
		m.Release(buf)
		return ctx.Err()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.Release(buf)
		m.slot <- struct{}{}
		return ErrClosed
	}
	m.nextID++
	id := m.nextID
	m.mu.Unlock()

	addr, err := m.ch.Map(buf, length)
	if err != nil {
		m.mu.Lock()
		m.stats.MapFailures++
		m.mu.Unlock()
		m.Release(buf)
		m.slot <- struct{}{}
		return &Error{Op: "map", Transfer: id, Err: fmt.Errorf("%w: %w", ErrMapping, err)}
	}

	t := &transfer{id: id, addr: addr, length: length, buf: buf}
	m.mu.Lock()
	m.state = Mapped
	m.cur = t
	// Submitted before the call: done may run before Submit returns.
	m.state = Submitted
	m.mu.Unlock()

	if err := m.ch.Submit(Descriptor{Src: addr, Length: length}, func() { m.complete(id) }); err != nil {
		m.ch.Unmap(addr, length)
		m.mu.Lock()
		m.state = Idle
		m.cur = nil
		m.stats.SubmitFailures++
		m.mu.Unlock()
		m.Release(buf)
		m.slot <- struct{}{}
		return &Error{Op: "submit", Transfer: id, Err: fmt.Errorf("%w: %w", ErrSubmit, err)}
	}

	m.mu.Lock()
	m.stats.Submitted++
	m.mu.Unlock()
	m.log.Debug().Uint64("transfer", id).Stringer("addr", addr).Int("length", length).Msg("dma submitted")
	return nil
}

// complete runs on the channel's goroutine. Every send below targets a
// channel with room for it, so it never blocks.
func (m *Manager) complete(id uint64) {
	m.mu.Lock()
	t := m.cur
	if t == nil || t.id != id || m.state != Submitted {
		m.stats.StaleCompletion++
		m.mu.Unlock()
		m.log.Warn().Uint64("transfer", id).Msg("dma completion for unknown transfer")
		return
	}
	m.state = Completing
	m.mu.Unlock()

	m.ch.Unmap(t.addr, t.length)

	m.mu.Lock()
	m.state = Idle
	m.cur = nil
	m.stats.Completed++
	m.mu.Unlock()

	m.free <- t.buf
	m.slot <- struct{}{}
}

// Wait blocks until no transfer is in flight.
func (m *Manager) Wait(ctx context.Context) error {
	select {
	case <-m.slot:
		m.slot <- struct{}{}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State reports the current transfer state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.State = m.state
	return s
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close waits for the in-flight transfer to retire, then frees the pool and
// releases the channel. If ctx expires first the buffers are left allocated
// since the engine may still be reading them; calling Close again once the
// transfer has retired finishes the release.
func (m *Manager) Close(ctx context.Context) error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()
	if m.released {
		return nil
	}
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	if err := m.Wait(ctx); err != nil {
		m.log.Error().Err(err).Msg("dma transfer still in flight at close")
		return fmt.Errorf("dma: close: %w", err)
	}
	for m.drained < len(m.bufs) {
		select {
		case <-m.free:
			m.drained++
		case <-ctx.Done():
			return fmt.Errorf("dma: close: buffer not returned: %w", ctx.Err())
		}
	}
	m.freeBuffers()
	if err := m.ch.Close(); err != nil {
		return fmt.Errorf("dma: close channel: %w", err)
	}
	m.released = true
	return nil
}

func (m *Manager) freeBuffers() {
	for _, b := range m.bufs {
		if err := b.Close(); err != nil {
			m.log.Warn().Err(err).Msg("dma buffer free")
		}
	}
	m.bufs = nil
}
