// Package ws is the network front end: pixel streams, control and
// diagnostics over websockets, and a JSON health endpoint.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/coreman2200/ws2812dma/internal/config"
	diag "github.com/coreman2200/ws2812dma/internal/diagnostics"
	"github.com/coreman2200/ws2812dma/internal/led"
	"github.com/coreman2200/ws2812dma/internal/patterns"
	"github.com/coreman2200/ws2812dma/internal/ws2812"
)

// Output is the LED string the server drives.
type Output interface {
	io.Writer
	WritePixels(ctx context.Context, pixels []led.Pixel) error
	ClearAll(ctx context.Context) error
	SetBrightness(b uint8)
	Brightness() uint8
	NumLeds() int
}

type statuser interface {
	Status() ws2812.Status
}

// Control is a /control message. Absent fields are left alone.
type Control struct {
	Brightness *uint8 `json:"brightness,omitempty"`
	Clear      bool   `json:"clear,omitempty"`
	RunTest    string `json:"runTest,omitempty"`
	StopTest   bool   `json:"stopTest,omitempty"`
}

// Health is the /health and /control reply.
type Health struct {
	UptimeS    float64        `json:"uptime_s"`
	Driver     string         `json:"driver"`
	NumLeds    int            `json:"num_leds"`
	Brightness uint8          `json:"brightness"`
	Frames     uint64         `json:"frames"`
	Dropped    uint64         `json:"dropped"`
	Pattern    string         `json:"pattern,omitempty"`
	Device     *ws2812.Status `json:"device,omitempty"`
}

type pixelMsg struct {
	Pixels []led.Pixel `json:"pixels"`
}

type Server struct {
	out    Output
	driver string
	log    zerolog.Logger

	// ConfigPath and Config, when set, persist control changes.
	ConfigPath string
	Config     *config.Config

	upgrader websocket.Upgrader
	start    time.Time
	frames   atomic.Uint64
	dropped  atomic.Uint64

	mu          sync.Mutex
	runner      *patterns.Runner
	diagClients map[*websocket.Conn]bool
}

func NewServer(out Output, driver string, log zerolog.Logger) *Server {
	return &Server{
		out:         out,
		driver:      driver,
		log:         log,
		upgrader:    websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		start:       time.Now(),
		diagClients: map[*websocket.Conn]bool{},
	}
}

// Handler routes every endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/pixels", s.HandlePixelsWS)
	mux.HandleFunc("/diag", s.HandleDiagWS)
	mux.HandleFunc("/control", s.HandleControlWS)
	mux.HandleFunc("/health", s.HandleHealth)
	return withCORS(mux)
}

// Run steps the active test pattern at fps until ctx is done.
func (s *Server) Run(ctx context.Context, fps int) error {
	buf := make([]led.Pixel, s.out.NumLeds())
	err := patterns.Loop(ctx, fps, func(time.Duration) error {
		s.mu.Lock()
		r := s.runner
		s.mu.Unlock()
		if r == nil {
			return nil
		}
		if !r.Step(buf) {
			s.report(s.out.ClearAll(ctx))
			s.mu.Lock()
			if s.runner == r {
				s.runner = nil
			}
			s.mu.Unlock()
			s.pushDiag(diag.Note("TEST.DONE", "Test complete", string(r.Kind())))
			return nil
		}
		if err := s.out.WritePixels(ctx, buf); err != nil && ctx.Err() == nil {
			s.report(err)
		}
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// HandlePixelsWS takes binary messages of little-endian pixel words, or text
// messages holding {"pixels":[...]}. Frames are dropped while a test
// pattern runs.
func (s *Server) HandlePixelsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	ctx := r.Context()
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if s.testing() {
			s.dropped.Add(1)
			continue
		}
		switch typ {
		case websocket.BinaryMessage:
			_, err = s.out.Write(data)
		case websocket.TextMessage:
			var m pixelMsg
			if jerr := json.Unmarshal(data, &m); jerr != nil {
				s.log.Debug().Err(jerr).Msg("bad pixel message")
				s.dropped.Add(1)
				continue
			}
			err = s.out.WritePixels(ctx, m.Pixels)
		}
		if err != nil {
			s.report(err)
			continue
		}
		s.frames.Add(1)
	}
}

func (s *Server) HandleDiagWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.diagClients[conn] = true
	s.mu.Unlock()
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.diagClients, conn)
			s.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// HandleControlWS applies each Control message and replies with Health.
func (s *Server) HandleControlWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg Control
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		s.applyControl(r.Context(), &msg)
		if err := conn.WriteJSON(s.Health()); err != nil {
			return
		}
	}
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Health())
}

func (s *Server) Health() Health {
	h := Health{
		UptimeS:    time.Since(s.start).Seconds(),
		Driver:     s.driver,
		NumLeds:    s.out.NumLeds(),
		Brightness: s.out.Brightness(),
		Frames:     s.frames.Load(),
		Dropped:    s.dropped.Load(),
	}
	s.mu.Lock()
	if s.runner != nil {
		h.Pattern = string(s.runner.Kind())
	}
	s.mu.Unlock()
	if st, ok := s.out.(statuser); ok {
		v := st.Status()
		h.Device = &v
	}
	return h
}

func (s *Server) applyControl(ctx context.Context, msg *Control) {
	if msg.Brightness != nil {
		s.out.SetBrightness(*msg.Brightness)
		s.saveConfig()
	}
	if msg.StopTest {
		s.mu.Lock()
		s.runner = nil
		s.mu.Unlock()
	}
	if msg.RunTest != "" {
		k, err := patterns.Parse(msg.RunTest)
		if err != nil {
			s.pushDiag(&diag.Diagnostic{
				Time: time.Now(), Severity: diag.Warn, Code: "TEST.UNKNOWN", Summary: "Unknown test name",
				Evidence: map[string]any{"name": msg.RunTest},
			})
		} else {
			s.pushDiag(diag.Note("TEST.RUNNING", "Running test", msg.RunTest))
			s.mu.Lock()
			s.runner = patterns.NewRunner(patterns.Plan{Kind: k, Hold: 15})
			s.mu.Unlock()
		}
	}
	if msg.Clear {
		s.report(s.out.ClearAll(ctx))
	}
}

func (s *Server) testing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runner != nil
}

func (s *Server) saveConfig() {
	if s.ConfigPath == "" || s.Config == nil {
		return
	}
	s.Config.Brightness = s.out.Brightness()
	if err := config.Save(s.ConfigPath, s.Config); err != nil {
		s.log.Warn().Err(err).Str("path", s.ConfigPath).Msg("config save failed")
	}
}

// report pushes err, if any, to diagnostics clients. The device has already
// logged it.
func (s *Server) report(err error) {
	if d := diag.FromError(s.driver, err); d != nil {
		s.pushDiag(d)
	}
}

func (s *Server) pushDiag(d *diag.Diagnostic) {
	b, err := json.Marshal(d)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.diagClients {
		c.SetWriteDeadline(time.Now().Add(200 * time.Millisecond))
		if err := c.WriteMessage(websocket.TextMessage, b); err != nil {
			s.log.Debug().Err(err).Msg("write diag")
		}
	}
}

func withCORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		h.ServeHTTP(w, r)
	})
}
