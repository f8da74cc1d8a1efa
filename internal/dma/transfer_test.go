package dma_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreman2200/ws2812dma/internal/dma"
	"github.com/coreman2200/ws2812dma/internal/dma/dmatest"
)

func newManager(t *testing.T, ch dma.Channel) *dma.Manager {
	t.Helper()
	m, err := dma.NewManager(ch, &dma.Opts{BufferSize: 64, Log: zerolog.Nop()})
	require.NoError(t, err)
	return m
}

func fill(t *testing.T, m *dma.Manager, v byte) dma.Buffer {
	t.Helper()
	b, err := m.Acquire(context.Background())
	require.NoError(t, err)
	for i := range b.Bytes() {
		b.Bytes()[i] = v
	}
	return b
}

func TestTransferLifecycle(t *testing.T) {
	ch := dmatest.New()
	m := newManager(t, ch)
	ctx := context.Background()
	assert.Equal(t, 2, ch.Allocs())
	assert.Equal(t, dma.Idle, m.State())

	require.NoError(t, m.Transfer(ctx, fill(t, m, 1), 40))
	assert.Equal(t, dma.Submitted, m.State())
	assert.Equal(t, 1, ch.Mappings())

	require.True(t, ch.Complete())
	assert.Equal(t, dma.Idle, m.State())
	assert.Equal(t, 0, ch.Mappings(), "completion unmaps")

	s := m.Stats()
	assert.Equal(t, uint64(1), s.Submitted)
	assert.Equal(t, uint64(1), s.Completed)
	require.NoError(t, m.Close(ctx))
	assert.True(t, ch.Closed())
	assert.Zero(t, ch.BadUnmaps())
}

func TestMapFailureReturnsToIdle(t *testing.T) {
	ch := dmatest.New()
	m := newManager(t, ch)
	ctx := context.Background()

	boom := errors.New("iommu says no")
	ch.FailMap(boom)
	err := m.Transfer(ctx, fill(t, m, 1), 40)
	require.Error(t, err)
	assert.ErrorIs(t, err, dma.ErrMapping)
	assert.ErrorIs(t, err, boom)
	var de *dma.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "map", de.Op)
	assert.Equal(t, dma.Idle, m.State())
	assert.False(t, ch.Pending())

	// The next transfer goes through normally.
	require.NoError(t, m.Transfer(ctx, fill(t, m, 2), 40))
	require.True(t, ch.Complete())
	recs := ch.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, byte(2), recs[0].Submitted[0])
	assert.Equal(t, uint64(1), m.Stats().MapFailures)
}

func TestSubmitFailureUnmaps(t *testing.T) {
	ch := dmatest.New()
	m := newManager(t, ch)
	ctx := context.Background()

	ch.FailSubmit(errors.New("engine halted"))
	err := m.Transfer(ctx, fill(t, m, 1), 40)
	assert.ErrorIs(t, err, dma.ErrSubmit)
	assert.Equal(t, dma.Idle, m.State())
	assert.Equal(t, 0, ch.Mappings())
	assert.Equal(t, uint64(1), m.Stats().SubmitFailures)

	require.NoError(t, m.Transfer(ctx, fill(t, m, 2), 40))
	ch.Complete()
}

func TestBufferNotReusedWhileInFlight(t *testing.T) {
	ch := dmatest.New()
	m := newManager(t, ch)
	ctx := context.Background()

	first := fill(t, m, 0xAA)
	require.NoError(t, m.Transfer(ctx, first, 64))

	second := fill(t, m, 0xBB)
	assert.NotSame(t, first, second)

	// Pool is empty while one buffer is in flight and the other is held.
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := m.Acquire(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- m.Transfer(ctx, second, 64) }()

	select {
	case <-done:
		t.Fatal("second transfer submitted while the first was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	require.True(t, ch.Complete())
	require.NoError(t, <-done)
	require.True(t, ch.WaitPending(time.Second))
	require.True(t, ch.Complete())

	recs := ch.Records()
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.True(t, r.Intact(), "transfer %d changed while in flight", r.ID)
	}
	assert.Equal(t, byte(0xAA), recs[0].Submitted[0])
	assert.Equal(t, byte(0xBB), recs[1].Submitted[0])
}

func TestStaleCompletionIgnored(t *testing.T) {
	ch := &doubleDone{Channel: dmatest.New()}
	m := newManager(t, ch)
	ctx := context.Background()

	require.NoError(t, m.Transfer(ctx, fill(t, m, 1), 8))
	require.True(t, ch.Complete())
	ch.fire()
	assert.Equal(t, uint64(1), m.Stats().StaleCompletion)
	assert.Equal(t, dma.Idle, m.State())

	require.NoError(t, m.Transfer(ctx, fill(t, m, 1), 8))
	ch.Complete()
}

func TestWaitAndCloseTimeout(t *testing.T) {
	ch := dmatest.New()
	m := newManager(t, ch)
	ctx := context.Background()

	require.NoError(t, m.Transfer(ctx, fill(t, m, 1), 8))
	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Wait(short), context.DeadlineExceeded)
	assert.ErrorIs(t, m.Close(short), context.DeadlineExceeded)
	assert.False(t, ch.Closed(), "buffers stay allocated while the engine may read them")

	_, err := m.Acquire(ctx)
	assert.ErrorIs(t, err, dma.ErrClosed)

	ch.Complete()
	require.NoError(t, m.Wait(ctx))

	// The retry finds the transfer retired and releases everything.
	require.NoError(t, m.Close(ctx))
	assert.True(t, ch.Closed())
	assert.Zero(t, ch.Mappings())
	require.NoError(t, m.Close(ctx), "close after release is a no-op")
}

func TestAutoComplete(t *testing.T) {
	ch := dmatest.New()
	ch.AutoComplete = true
	ch.Delay = time.Millisecond
	m := newManager(t, ch)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, m.Transfer(ctx, fill(t, m, byte(i)), 32))
	}
	require.NoError(t, m.Close(ctx))
	recs := ch.Records()
	require.Len(t, recs, 10)
	for i, r := range recs {
		assert.Equal(t, byte(i), r.Submitted[0])
		assert.True(t, r.Intact())
	}
}

// doubleDone remembers the last done callback so a test can fire it twice.
type doubleDone struct {
	*dmatest.Channel
	last func()
}

func (d *doubleDone) Submit(desc dma.Descriptor, done func()) error {
	d.last = done
	return d.Channel.Submit(desc, done)
}

func (d *doubleDone) fire() { d.last() }
