// Package diagnostics turns driver errors into operator facing records.
package diagnostics

import (
	"errors"
	"time"

	"github.com/coreman2200/ws2812dma/internal/dma"
	"github.com/coreman2200/ws2812dma/internal/ws2812"
)

type Severity string

const (
	Info Severity = "info"
	Warn Severity = "warning"
	Err  Severity = "error"
)

type Diagnostic struct {
	Time           time.Time      `json:"time"`
	Severity       Severity       `json:"severity"`
	Code           string         `json:"code"`
	Summary        string         `json:"summary"`
	Detail         string         `json:"detail,omitempty"`
	LikelyCauses   []string       `json:"likely_causes,omitempty"`
	SuggestedFixes []string       `json:"suggested_fixes,omitempty"`
	Evidence       map[string]any `json:"evidence,omitempty"`
}

// FromError classifies err. It returns nil for a nil error.
func FromError(device string, err error) *Diagnostic {
	if err == nil {
		return nil
	}
	d := &Diagnostic{
		Time:     time.Now(),
		Severity: Err,
		Detail:   err.Error(),
		Evidence: map[string]any{"device": device},
	}
	var de *dma.Error
	if errors.As(err, &de) {
		d.Evidence["transfer"] = de.Transfer
		d.Evidence["op"] = de.Op
	}
	var ce *ws2812.ConfigError
	switch {
	case errors.Is(err, dma.ErrMapping):
		d.Code = "DMA.MAP"
		d.Summary = "Frame buffer could not be mapped for DMA"
		d.LikelyCauses = []string{"buffer not allocated by this channel", "channel closed"}
		d.SuggestedFixes = []string{"restart the daemon"}
	case errors.Is(err, dma.ErrSubmit):
		d.Code = "DMA.SUBMIT"
		d.Summary = "DMA engine rejected the frame"
		d.LikelyCauses = []string{
			"previous transfer hit a bus error or timed out",
			"DMA channel shared with another driver",
		}
		d.SuggestedFixes = []string{
			"pick an unused channel with pwm.dma_channel",
			"check that the audio driver does not own PWM",
		}
	case errors.Is(err, ws2812.ErrFault):
		d.Severity = Warn
		d.Code = "WRITE.FAULT"
		d.Summary = "Pixel data could not be read"
		d.SuggestedFixes = []string{"send whole 32 bit little-endian words"}
	case errors.Is(err, ws2812.ErrClosed), errors.Is(err, dma.ErrClosed):
		d.Severity = Warn
		d.Code = "DEVICE.CLOSED"
		d.Summary = "Device is shutting down"
	case errors.As(err, &ce):
		d.Code = "CONFIG"
		d.Summary = "Invalid configuration"
		d.Evidence["field"] = ce.Field
		d.SuggestedFixes = []string{"fix " + ce.Field + " in config.yaml"}
	default:
		d.Code = "WRITE.FAILED"
		d.Summary = "Write failed"
	}
	return d
}

// Note is an informational record.
func Note(code, summary, detail string) *Diagnostic {
	return &Diagnostic{Time: time.Now(), Severity: Info, Code: code, Summary: summary, Detail: detail}
}
