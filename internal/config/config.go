package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"

	"github.com/coreman2200/ws2812dma/internal/led"
	"github.com/coreman2200/ws2812dma/internal/ws2812"
)

type PWM struct {
	PeriphBase uint64 `yaml:"periph_base,omitempty"` // 0 = read from the device tree
	DMAChannel int    `yaml:"dma_channel"`           // e.g. 10
	OscHz      int64  `yaml:"osc_hz,omitempty"`      // 0 = derived from the SoC
}

type SPI struct {
	Dev string `yaml:"dev"` // periph spireg name, "" = first port
}

type HTTP struct {
	Addr string `yaml:"addr"`
}

type Config struct {
	Driver     string `yaml:"driver"` // "pwm" | "spi" | "nrz" | "sim"
	DeviceID   string `yaml:"device_id"`
	NumLeds    int    `yaml:"num_leds"`
	Invert     bool   `yaml:"invert"`
	Brightness uint8  `yaml:"brightness"`
	ColorOrder string `yaml:"color_order"`
	BitRateHz  int64  `yaml:"bit_rate_hz"`
	ResetUs    int    `yaml:"reset_us"`
	FPS        int    `yaml:"fps"`

	PWM  PWM  `yaml:"pwm"`
	SPI  SPI  `yaml:"spi,omitempty"`
	HTTP HTTP `yaml:"http"`
}

// Default is a 60 LED string on the PWM serializer at 2.4MHz.
func Default() *Config {
	return &Config{
		Driver:     "pwm",
		DeviceID:   "ws2812",
		NumLeds:    60,
		Brightness: 255,
		ColorOrder: led.DefaultChannelOrder.String(),
		BitRateHz:  int64(led.DefaultBitRate / physic.Hertz),
		ResetUs:    int(led.DefaultResetGap / time.Microsecond),
		FPS:        30,
		PWM:        PWM{DMAChannel: 10},
		HTTP:       HTTP{Addr: ":8080"},
	}
}

// Load reads path over the defaults, so a partial file keeps the rest.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := Default()
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return c, nil
}

func Save(path string, c *Config) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}

var drivers = map[string]bool{"pwm": true, "spi": true, "nrz": true, "sim": true}

// Validate checks every field and returns the first problem as a
// *ws2812.ConfigError.
func (c *Config) Validate() error {
	switch {
	case !drivers[c.Driver]:
		return &ws2812.ConfigError{Field: "driver", Reason: fmt.Sprintf("unknown driver %q", c.Driver)}
	case c.DeviceID == "":
		return &ws2812.ConfigError{Field: "device_id", Reason: "empty"}
	case c.NumLeds <= 0:
		return &ws2812.ConfigError{Field: "num_leds", Reason: fmt.Sprintf("%d is not a positive count", c.NumLeds)}
	case c.BitRateHz <= 0:
		return &ws2812.ConfigError{Field: "bit_rate_hz", Reason: fmt.Sprintf("%d", c.BitRateHz)}
	case c.ResetUs <= 0:
		return &ws2812.ConfigError{Field: "reset_us", Reason: fmt.Sprintf("%d", c.ResetUs)}
	case c.FPS < 0:
		return &ws2812.ConfigError{Field: "fps", Reason: fmt.Sprintf("%d", c.FPS)}
	case c.PWM.DMAChannel < 0 || c.PWM.DMAChannel > 14:
		return &ws2812.ConfigError{Field: "pwm.dma_channel", Reason: fmt.Sprintf("%d is not a DMA channel", c.PWM.DMAChannel)}
	case c.Invert && (c.Driver == "spi" || c.Driver == "nrz"):
		// Only the PWM serializer has an output polarity bit.
		return &ws2812.ConfigError{Field: "invert", Reason: fmt.Sprintf("driver %q cannot invert its output", c.Driver)}
	}
	if _, err := c.Order(); err != nil {
		return &ws2812.ConfigError{Field: "color_order", Reason: "invalid", Err: err}
	}
	return nil
}

// Order parses ColorOrder; empty means led.DefaultChannelOrder.
func (c *Config) Order() (led.ChannelOrder, error) {
	if c.ColorOrder == "" {
		return led.DefaultChannelOrder, nil
	}
	return led.ParseChannelOrder(c.ColorOrder)
}

func (c *Config) BitRate() physic.Frequency {
	return physic.Frequency(c.BitRateHz) * physic.Hertz
}

func (c *Config) ResetGap() time.Duration {
	return time.Duration(c.ResetUs) * time.Microsecond
}

// DeviceOpts converts the string settings. Log is left for the caller.
func (c *Config) DeviceOpts() (ws2812.Opts, error) {
	if err := c.Validate(); err != nil {
		return ws2812.Opts{}, err
	}
	order, _ := c.Order()
	o := ws2812.DefaultOpts
	o.NumLeds = c.NumLeds
	o.Invert = c.Invert
	o.Brightness = c.Brightness
	o.ChannelOrder = order
	o.BitRate = c.BitRate()
	o.ResetGap = c.ResetGap()
	return o, nil
}
