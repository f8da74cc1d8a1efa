package diagnostics

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/coreman2200/ws2812dma/internal/dma"
	"github.com/coreman2200/ws2812dma/internal/ws2812"
)

func TestFromError(t *testing.T) {
	mapErr := &ws2812.IOError{Device: "d", Kind: ws2812.KindTransfer, Err: &dma.Error{
		Op: "map", Transfer: 7, Err: fmt.Errorf("%w: %w", dma.ErrMapping, errors.New("boom")),
	}}
	submitErr := &ws2812.IOError{Device: "d", Kind: ws2812.KindTransfer, Err: &dma.Error{
		Op: "submit", Transfer: 8, Err: fmt.Errorf("%w: busy", dma.ErrSubmit),
	}}
	tests := []struct {
		err      error
		code     string
		severity Severity
	}{
		{mapErr, "DMA.MAP", Err},
		{submitErr, "DMA.SUBMIT", Err},
		{&ws2812.IOError{Kind: ws2812.KindFault, Err: errors.New("eof")}, "WRITE.FAULT", Warn},
		{ws2812.ErrClosed, "DEVICE.CLOSED", Warn},
		{&ws2812.ConfigError{Field: "num_leds", Reason: "0"}, "CONFIG", Err},
		{errors.New("other"), "WRITE.FAILED", Err},
	}
	for _, tt := range tests {
		d := FromError("strip", tt.err)
		if d == nil {
			t.Fatalf("FromError(%v) = nil", tt.err)
		}
		assert.Equal(t, tt.code, d.Code, tt.err.Error())
		assert.Equal(t, tt.severity, d.Severity, tt.err.Error())
		assert.Equal(t, "strip", d.Evidence["device"])
	}

	d := FromError("strip", mapErr)
	assert.Equal(t, uint64(7), d.Evidence["transfer"])
	assert.Equal(t, "map", d.Evidence["op"])
	assert.Nil(t, FromError("strip", nil))
}
