package capture

import (
	"encoding/binary"
	"testing"
)

func TestEncodeWAVLayout(t *testing.T) {
	samples := []float64{0, 0.5, -0.5, 1, -1, 2, -2}
	payload := EncodeWAV(samples, 8000)

	if want := 44 + len(samples)*2; len(payload) != want {
		t.Fatalf("payload %d bytes, want %d", len(payload), want)
	}
	if string(payload[0:4]) != "RIFF" || string(payload[8:12]) != "WAVE" {
		t.Fatal("missing RIFF/WAVE markers")
	}
	if string(payload[12:16]) != "fmt " || string(payload[36:40]) != "data" {
		t.Fatal("missing fmt/data chunks")
	}

	if got := binary.LittleEndian.Uint16(payload[22:24]); got != 1 {
		t.Fatalf("channel count %d, want mono", got)
	}
	if got := binary.LittleEndian.Uint32(payload[24:28]); got != 8000 {
		t.Fatalf("sample rate %d", got)
	}
	if got := binary.LittleEndian.Uint16(payload[34:36]); got != 16 {
		t.Fatalf("bits per sample %d", got)
	}
	if got := binary.LittleEndian.Uint32(payload[40:44]); got != uint32(len(samples)*2) {
		t.Fatalf("data length %d", got)
	}

	// Out-of-range samples clip instead of wrapping.
	max := int16(binary.LittleEndian.Uint16(payload[44+5*2 : 44+5*2+2]))
	min := int16(binary.LittleEndian.Uint16(payload[44+6*2 : 44+6*2+2]))
	if max != 32767 || min != -32767 {
		t.Fatalf("clipping failed: max=%d min=%d", max, min)
	}
}
