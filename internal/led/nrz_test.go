package led

import (
	"bytes"
	"context"
	"testing"

	"periph.io/x/conn/v3/spi/spitest"
)

func TestNRZ(t *testing.T) {
	buf := bytes.Buffer{}
	n, err := NewNRZ(spitest.NewRecordRaw(&buf), 2, 255)
	if err != nil {
		t.Fatal(err)
	}
	raw := WordsFromPixels([]Pixel{0xFF0000, 0x0000FF, 0x00FF00})
	got, err := n.Write(raw)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if got != len(raw) {
		t.Fatalf("wrote %d, want %d", got, len(raw))
	}
	if buf.Len() == 0 {
		t.Fatal("nothing reached the SPI port")
	}
	sent := buf.Len()
	n.SetBrightness(10)
	if n.Brightness() != 10 || n.NumLeds() != 2 {
		t.Fatalf("brightness %d, leds %d", n.Brightness(), n.NumLeds())
	}
	if err := n.ClearAll(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if buf.Len() <= sent {
		t.Fatal("clear did not reach the SPI port")
	}
	if err := n.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := n.Write(raw); err == nil {
		t.Fatal("write after close should fail")
	}
}

func TestNRZInvalidCount(t *testing.T) {
	if _, err := NewNRZ(spitest.NewRecordRaw(&bytes.Buffer{}), 0, 255); err == nil {
		t.Fatal("expected error for zero LEDs")
	}
}
