package audio_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/MrWong99/fawn/pkg/audio"
)

func TestEncodeWAV_Header(t *testing.T) {
	t.Parallel()

	samples := []int16{1, -1, 300, -300}
	wav := audio.EncodeWAV(samples, 16000)

	if len(wav) != audio.WAVHeaderSize+len(samples)*2 {
		t.Fatalf("len = %d, want %d", len(wav), audio.WAVHeaderSize+len(samples)*2)
	}
	if !audio.HasRIFF(wav) {
		t.Fatal("HasRIFF = false, want true")
	}
	if got := binary.LittleEndian.Uint32(wav[4:8]); got != uint32(36+len(samples)*2) {
		t.Errorf("riff size = %d", got)
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 16000 {
		t.Errorf("sample rate = %d, want 16000", got)
	}
	if got := binary.LittleEndian.Uint32(wav[28:32]); got != 32000 {
		t.Errorf("byte rate = %d, want 32000", got)
	}
	if got := binary.LittleEndian.Uint32(wav[40:44]); got != 8 {
		t.Errorf("data size = %d, want 8", got)
	}
}

func TestParseWAV_RoundTrip(t *testing.T) {
	t.Parallel()

	samples := []int16{10, 20, 30}
	info, data, err := audio.ParseWAV(audio.EncodeWAV(samples, 24000))
	if err != nil {
		t.Fatalf("ParseWAV: %v", err)
	}
	if info.SampleRate != 24000 || info.Channels != 1 || info.BitsPerSample != 16 {
		t.Errorf("info = %+v", info)
	}
	got := audio.BytesToSamples(data)
	for i := range samples {
		if got[i] != samples[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], samples[i])
		}
	}
}

func TestParseWAV_SkipsUnknownChunks(t *testing.T) {
	t.Parallel()

	base := audio.EncodeWAV([]int16{7, 8}, 16000)
	// Insert a LIST chunk with an odd size between fmt and data.
	list := []byte{'L', 'I', 'S', 'T', 3, 0, 0, 0, 'a', 'b', 'c', 0}
	wav := append([]byte{}, base[:36]...)
	wav = append(wav, list...)
	wav = append(wav, base[36:]...)

	_, data, err := audio.ParseWAV(wav)
	if err != nil {
		t.Fatalf("ParseWAV: %v", err)
	}
	if len(data) != 4 {
		t.Errorf("data len = %d, want 4", len(data))
	}
}

func TestParseWAV_Errors(t *testing.T) {
	t.Parallel()

	if _, _, err := audio.ParseWAV([]byte("ID3 not a wav file")); !errors.Is(err, audio.ErrNotRIFF) {
		t.Errorf("non-riff: err = %v, want ErrNotRIFF", err)
	}

	wav := audio.EncodeWAV([]int16{1}, 16000)
	binary.LittleEndian.PutUint16(wav[34:36], 8)
	if _, _, err := audio.ParseWAV(wav); !errors.Is(err, audio.ErrUnsupportedWAV) {
		t.Errorf("8-bit: err = %v, want ErrUnsupportedWAV", err)
	}
}

func TestMeanAbs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		samples []int16
		want    int
	}{
		{name: "empty", samples: nil, want: 0},
		{name: "symmetric", samples: []int16{100, -100, 100, -100}, want: 100},
		{name: "min clamps", samples: []int16{-32768}, want: 32767},
	}
	for _, tt := range tests {
		if got := audio.MeanAbs(tt.samples); got != tt.want {
			t.Errorf("%s: MeanAbs = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestFrameDurationMs(t *testing.T) {
	t.Parallel()

	f := audio.Frame{Samples: make([]int16, 512), SampleRate: 16000}
	if got := f.DurationMs(); got != 32 {
		t.Errorf("DurationMs = %d, want 32", got)
	}
	tiny := audio.Frame{Samples: make([]int16, 3), SampleRate: 16000}
	if got := tiny.DurationMs(); got != 1 {
		t.Errorf("tiny DurationMs = %d, want 1", got)
	}
}
