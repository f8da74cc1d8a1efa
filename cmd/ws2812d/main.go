// Command ws2812d drives a WS2812 string and serves pixel streams over
// websockets.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/coreman2200/ws2812dma/internal/bcm283x"
	"github.com/coreman2200/ws2812dma/internal/config"
	"github.com/coreman2200/ws2812dma/internal/dma"
	"github.com/coreman2200/ws2812dma/internal/dma/dmatest"
	"github.com/coreman2200/ws2812dma/internal/led"
	"github.com/coreman2200/ws2812dma/internal/preview"
	"github.com/coreman2200/ws2812dma/internal/spidev"
	"github.com/coreman2200/ws2812dma/internal/ws"
	"github.com/coreman2200/ws2812dma/internal/ws2812"
)

type output interface {
	ws.Output
	io.Closer
}

func main() {
	// ---- Flags (explicitly set flags override config.yaml) ----
	var (
		configPath = flag.String("config", "config.yaml", "path to config.yaml")
		driver     = flag.String("driver", "pwm", "driver: pwm | spi | nrz | sim")
		deviceID   = flag.String("id", "ws2812", "device id used in logs and health")
		numLeds    = flag.Int("num-leds", 60, "LEDs on the string")
		brightness = flag.Uint("brightness", 255, "global brightness 0..255")
		colorOrder = flag.String("color", led.DefaultChannelOrder.String(), "wire color order, a permutation of RGB")
		invert     = flag.Bool("invert", false, "invert the PWM output (inverting level shifter)")
		dmaChannel = flag.Int("dma-channel", 10, "DMA channel for -driver pwm")
		spiDev     = flag.String("spi-dev", "", "SPI port for -driver spi|nrz, empty for the first one")
		addr       = flag.String("addr", ":8080", "HTTP listen address")
		fps        = flag.Int("fps", 30, "test pattern frame rate")
		simOnly    = flag.Bool("sim-only", false, "force simulation (no hardware output)")
		showSim    = flag.Bool("preview", false, "draw simulated frames on the terminal")
		logLevel   = flag.String("log-level", "info", "trace | debug | info | warn | error")
	)
	flag.Parse()

	// ---- Logging ----
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen})
	if lvl, err := zerolog.ParseLevel(*logLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	} else {
		log.Warn().Err(err).Msg("bad -log-level; using info")
	}

	// ---- Load config.yaml (optional) ----
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Warn().Err(err).Str("path", *configPath).Msg("config load failed; proceeding with flags")
		cfg = config.Default()
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "driver":
			cfg.Driver = *driver
		case "id":
			cfg.DeviceID = *deviceID
		case "num-leds":
			cfg.NumLeds = *numLeds
		case "brightness":
			cfg.Brightness = uint8(min(*brightness, 255))
		case "color":
			cfg.ColorOrder = *colorOrder
		case "invert":
			cfg.Invert = *invert
		case "dma-channel":
			cfg.PWM.DMAChannel = *dmaChannel
		case "spi-dev":
			cfg.SPI.Dev = *spiDev
		case "addr":
			cfg.HTTP.Addr = *addr
		case "fps":
			cfg.FPS = *fps
		}
	})
	if *simOnly {
		cfg.Driver = "sim"
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	// ---- Driver selection, SIM on failure ----
	out, selected, err := open(cfg, *showSim)
	if err != nil {
		log.Warn().Err(err).Str("driver", cfg.Driver).Msg("driver init failed; falling back to SIM")
		if out, selected, err = openSim(cfg, *showSim); err != nil {
			log.Fatal().Err(err).Msg("sim driver")
		}
	}
	if err := out.ClearAll(context.Background()); err != nil {
		log.Warn().Err(err).Msg("clear on attach")
	}

	state := ws.NewServer(out, selected, log.Logger)
	state.ConfigPath = *configPath
	state.Config = cfg

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      state.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ---- Run pattern loop & server until a signal ----
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTP.Addr).Str("driver", selected).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return state.Run(ctx, cfg.FPS)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped")
	}

	if err := out.Close(); err != nil {
		log.Error().Err(err).Msg("close driver")
	}
}

func open(cfg *config.Config, showSim bool) (output, string, error) {
	if cfg.Driver == "sim" {
		return openSim(cfg, showSim)
	}
	if _, err := host.Init(); err != nil {
		return nil, "", fmt.Errorf("periph host init: %w", err)
	}
	opts, err := cfg.DeviceOpts()
	if err != nil {
		return nil, "", err
	}
	opts.Log = log.Logger

	var ch dma.Channel
	switch cfg.Driver {
	case "pwm":
		ch, err = bcm283x.New(&bcm283x.Opts{
			PeriphBase: cfg.PWM.PeriphBase,
			DMAChannel: cfg.PWM.DMAChannel,
			Osc:        physic.Frequency(cfg.PWM.OscHz) * physic.Hertz,
			BitRate:    opts.BitRate,
			Invert:     opts.Invert,
			Log:        log.Logger,
		})
	case "spi":
		ch, err = spidev.Open(cfg.SPI.Dev, opts.BitRate, log.Logger)
	case "nrz":
		p, err := spireg.Open(cfg.SPI.Dev)
		if err != nil {
			return nil, "", fmt.Errorf("spi open %q: %w", cfg.SPI.Dev, err)
		}
		n, err := led.NewNRZ(p, cfg.NumLeds, cfg.Brightness)
		if err != nil {
			p.Close()
			return nil, "", err
		}
		return n, "nrz", nil
	}
	if err != nil {
		return nil, "", err
	}
	dev, err := ws2812.New(cfg.DeviceID, &opts, ch)
	if err != nil {
		return nil, "", err
	}
	return dev, cfg.Driver, nil
}

// openSim runs the full encode and transfer path against an in-memory
// channel that takes as long as the wire would.
func openSim(cfg *config.Config, showSim bool) (output, string, error) {
	opts, err := cfg.DeviceOpts()
	if err != nil {
		return nil, "", err
	}
	opts.Log = log.Logger

	ch := dmatest.New()
	ch.AutoComplete = true
	frame := led.FrameSize(opts.NumLeds, led.ResetBytes(opts.BitRate, opts.ResetGap))
	ch.Delay = time.Duration(int64(frame) * 8 * int64(time.Second) / int64(opts.BitRate/physic.Hertz))
	if showSim {
		p := preview.Console(opts.NumLeds, opts.ChannelOrder, log.Logger)
		ch.OnComplete = p.Record
	}
	dev, err := ws2812.New(cfg.DeviceID, &opts, ch)
	if err != nil {
		return nil, "", err
	}
	return dev, "sim", nil
}
