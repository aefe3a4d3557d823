package opus

import (
	"math"
	"testing"
)

func TestFrameSamples(t *testing.T) {
	t.Parallel()

	tests := []struct {
		rate, ms, want int
	}{
		{16000, 60, 960},
		{24000, 20, 480},
		{48000, 120, 5760},
	}
	for _, tt := range tests {
		if got := FrameSamples(tt.rate, tt.ms); got != tt.want {
			t.Errorf("FrameSamples(%d, %d) = %d, want %d", tt.rate, tt.ms, got, tt.want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	enc, err := NewEncoder(16000, 60)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	dec, err := NewDecoder(16000)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}

	pcm := make([]int16, enc.FrameSize())
	for i := range pcm {
		pcm[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	packet, err := enc.Encode(pcm)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(packet) == 0 {
		t.Fatal("empty packet")
	}
	out, err := dec.Decode(packet)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(out) != enc.FrameSize() {
		t.Errorf("decoded %d samples, want %d", len(out), enc.FrameSize())
	}
}

func TestEncode_PadsShortFrame(t *testing.T) {
	t.Parallel()

	enc, err := NewEncoder(16000, 20)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	if _, err := enc.Encode(make([]int16, 100)); err != nil {
		t.Errorf("Encode short frame: %v", err)
	}
	if _, err := enc.Encode(make([]int16, enc.FrameSize()+1)); err == nil {
		t.Error("expected error for oversized frame")
	}
}
