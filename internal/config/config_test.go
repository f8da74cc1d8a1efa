package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"

	"github.com/coreman2200/ws2812dma/internal/led"
	"github.com/coreman2200/ws2812dma/internal/ws2812"
)

func TestLoadOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
driver: spi
num_leds: 144
color_order: grb
pwm:
  dma_channel: 5
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "spi", c.Driver)
	assert.Equal(t, 144, c.NumLeds)
	assert.Equal(t, 5, c.PWM.DMAChannel)
	assert.Equal(t, "ws2812", c.DeviceID, "default kept")
	assert.Equal(t, uint8(255), c.Brightness, "default kept")
	assert.Equal(t, ":8080", c.HTTP.Addr)
	require.NoError(t, c.Validate())

	o, err := c.DeviceOpts()
	require.NoError(t, err)
	assert.Equal(t, 144, o.NumLeds)
	assert.Equal(t, led.ChannelOrder{8, 16, 0}, o.ChannelOrder)
	assert.Equal(t, 2400*physic.KiloHertz, o.BitRate)
	assert.Equal(t, 50*time.Microsecond, o.ResetGap)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("num_leds: [1, 2"), 0644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	c := Default()
	c.Brightness = 40
	c.Invert = true
	require.NoError(t, Save(path, c))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, c, got)
	assert.NoError(t, got.Validate(), "pwm inverts")
	got.Driver = "sim"
	assert.NoError(t, got.Validate(), "sim mirrors pwm")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		field string
		mod   func(*Config)
	}{
		{"driver", func(c *Config) { c.Driver = "gpio" }},
		{"device_id", func(c *Config) { c.DeviceID = "" }},
		{"num_leds", func(c *Config) { c.NumLeds = 0 }},
		{"bit_rate_hz", func(c *Config) { c.BitRateHz = -1 }},
		{"reset_us", func(c *Config) { c.ResetUs = 0 }},
		{"fps", func(c *Config) { c.FPS = -3 }},
		{"pwm.dma_channel", func(c *Config) { c.PWM.DMAChannel = 15 }},
		{"color_order", func(c *Config) { c.ColorOrder = "RRB" }},
		{"invert", func(c *Config) { c.Driver, c.Invert = "spi", true }},
		{"invert", func(c *Config) { c.Driver, c.Invert = "nrz", true }},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			c := Default()
			tt.mod(c)
			err := c.Validate()
			var ce *ws2812.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("Validate() = %v, want ConfigError", err)
			}
			if ce.Field != tt.field {
				t.Fatalf("field = %q, want %q", ce.Field, tt.field)
			}
			_, err = c.DeviceOpts()
			assert.Error(t, err)
		})
	}
}
