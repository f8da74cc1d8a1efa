package ws2812

import (
	"errors"
	"fmt"
)

var (
	// ErrFault means the pixel data could not be read from its source.
	ErrFault = errors.New("ws2812: bad pixel source")
	// ErrTransfer means the frame was encoded but never reached the DMA
	// engine.
	ErrTransfer = errors.New("ws2812: transfer failed")
	// ErrClosed is returned by writes after Close.
	ErrClosed = errors.New("ws2812: device closed")
)

// Kind classifies an IOError.
type Kind int

const (
	KindFault Kind = iota + 1
	KindTransfer
)

func (k Kind) String() string {
	switch k {
	case KindFault:
		return "fault"
	case KindTransfer:
		return "transfer"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// IOError is returned by the write paths. errors.Is matches ErrFault or
// ErrTransfer according to Kind, and the underlying cause.
type IOError struct {
	Device string
	Kind   Kind
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("ws2812 %s: %s: %v", e.Device, e.Kind, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool {
	switch target {
	case ErrFault:
		return e.Kind == KindFault
	case ErrTransfer:
		return e.Kind == KindTransfer
	}
	return false
}

// ConfigError reports an unusable option or a missing hardware resource.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ws2812: %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("ws2812: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }
