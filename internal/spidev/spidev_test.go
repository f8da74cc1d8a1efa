package spidev

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/conntest"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi/spitest"

	"github.com/coreman2200/ws2812dma/internal/dma"
)

func TestSwapWords(t *testing.T) {
	tests := []struct {
		in, want []byte
	}{
		{[]byte{1, 2, 3, 4}, []byte{4, 3, 2, 1}},
		{[]byte{1, 2, 3, 4, 5}, []byte{4, 3, 2, 1, 0, 0, 0, 5}},
		{[]byte{}, nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, swapWords(nil, tt.in))
	}
}

func TestTransferThroughManager(t *testing.T) {
	var out bytes.Buffer
	c, err := New(spitest.NewRecordRaw(&out), 2400*physic.KiloHertz, zerolog.Nop())
	require.NoError(t, err)
	m, err := dma.NewManager(c, &dma.Opts{BufferSize: 6, Log: zerolog.Nop()})
	require.NoError(t, err)
	ctx := context.Background()

	b, err := m.Acquire(ctx)
	require.NoError(t, err)
	copy(b.Bytes(), []byte{0x88, 0x8E, 0xE8, 0xEE, 0x00, 0x00})
	require.NoError(t, m.Transfer(ctx, b, 6))
	require.NoError(t, m.Wait(ctx))

	assert.Equal(t, []byte{0xEE, 0xE8, 0x8E, 0x88, 0, 0, 0, 0}, out.Bytes())
	assert.Equal(t, uint64(1), m.Stats().Completed)
	require.NoError(t, m.Close(ctx))
}

func TestTxErrorSurfacesOnNextSubmit(t *testing.T) {
	p := &spitest.Playback{Playback: conntest.Playback{DontPanic: true}}
	c, err := New(p, 2400*physic.KiloHertz, zerolog.Nop())
	require.NoError(t, err)

	buf, err := c.Alloc(4)
	require.NoError(t, err)
	addr, err := c.Map(buf, 4)
	require.NoError(t, err)

	done := make(chan struct{}, 2)
	require.NoError(t, c.Submit(dma.Descriptor{Src: addr, Length: 4}, func() { done <- struct{}{} }))
	<-done

	err = c.Submit(dma.Descriptor{Src: addr, Length: 4}, func() { done <- struct{}{} })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "previous transfer")
	require.NoError(t, c.Close())
}

func TestMapValidation(t *testing.T) {
	c, err := New(spitest.NewRecordRaw(&bytes.Buffer{}), physic.MegaHertz, zerolog.Nop())
	require.NoError(t, err)
	other, err := New(spitest.NewRecordRaw(&bytes.Buffer{}), physic.MegaHertz, zerolog.Nop())
	require.NoError(t, err)

	foreign, err := other.Alloc(8)
	require.NoError(t, err)
	_, err = c.Map(foreign, 8)
	assert.Error(t, err)

	own, err := c.Alloc(8)
	require.NoError(t, err)
	_, err = c.Map(own, 9)
	assert.Error(t, err)
	_, err = c.Alloc(0)
	assert.Error(t, err)
	assert.Error(t, c.Submit(dma.Descriptor{Src: 0xDEAD, Length: 8}, func() {}))

	require.NoError(t, c.Close())
	_, err = c.Map(own, 8)
	assert.Error(t, err)
}

func TestMapAddressIsStable(t *testing.T) {
	c, err := New(spitest.NewRecordRaw(&bytes.Buffer{}), physic.MegaHertz, zerolog.Nop())
	require.NoError(t, err)
	a, err := c.Alloc(6)
	require.NoError(t, err)
	b, err := c.Alloc(6)
	require.NoError(t, err)

	first, err := c.Map(a, 6)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		c.Unmap(first, 6)
		again, err := c.Map(a, 6)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
	other, err := c.Map(b, 4)
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
	require.NoError(t, c.Close())
}
