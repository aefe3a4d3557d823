package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// WAVHeaderSize is the size of the canonical RIFF/WAVE PCM header written by
// [EncodeWAV].
const WAVHeaderSize = 44

var (
	// ErrNotRIFF is returned by [ParseWAV] when the data does not start with a
	// RIFF/WAVE signature.
	ErrNotRIFF = errors.New("audio: missing RIFF/WAVE signature")

	// ErrUnsupportedWAV is returned by [ParseWAV] for containers that are not
	// 16-bit PCM.
	ErrUnsupportedWAV = errors.New("audio: unsupported wav encoding")
)

// WAVInfo describes the PCM payload of a WAV container.
type WAVInfo struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// EncodeWAV wraps mono PCM16 samples in a canonical 44-byte RIFF/WAVE header.
func EncodeWAV(samples []int16, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	dataBytes := len(samples) * 2
	buf := make([]byte, WAVHeaderSize+dataBytes)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataBytes))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], channels)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*channels*bitsPerSample/8))
	binary.LittleEndian.PutUint16(buf[32:34], channels*bitsPerSample/8)
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataBytes))

	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[WAVHeaderSize+i*2:], uint16(s))
	}
	return buf
}

// HasRIFF reports whether b starts with a RIFF/WAVE signature.
func HasRIFF(b []byte) bool {
	return len(b) >= 12 && bytes.Equal(b[0:4], []byte("RIFF")) && bytes.Equal(b[8:12], []byte("WAVE"))
}

// ParseWAV walks the chunks of a RIFF/WAVE container and returns the format
// description together with the raw data chunk. Only 16-bit PCM is accepted.
// A data chunk whose declared size exceeds the available bytes is truncated
// to what is present.
func ParseWAV(b []byte) (WAVInfo, []byte, error) {
	if !HasRIFF(b) {
		return WAVInfo{}, nil, ErrNotRIFF
	}

	var (
		info    WAVInfo
		haveFmt bool
	)
	pos := 12
	for pos+8 <= len(b) {
		id := string(b[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(b[pos+4 : pos+8]))
		body := pos + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(b) {
				return WAVInfo{}, nil, fmt.Errorf("audio: short fmt chunk: %w", ErrUnsupportedWAV)
			}
			format := binary.LittleEndian.Uint16(b[body : body+2])
			info.Channels = int(binary.LittleEndian.Uint16(b[body+2 : body+4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(b[body+4 : body+8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(b[body+14 : body+16]))
			if format != 1 || info.BitsPerSample != 16 {
				return WAVInfo{}, nil, fmt.Errorf("audio: format=%d bits=%d: %w", format, info.BitsPerSample, ErrUnsupportedWAV)
			}
			haveFmt = true

		case "data":
			if !haveFmt {
				return WAVInfo{}, nil, fmt.Errorf("audio: data before fmt: %w", ErrUnsupportedWAV)
			}
			end := body + size
			if end > len(b) || size < 0 {
				end = len(b)
			}
			return info, b[body:end], nil
		}

		// Chunks are word aligned.
		pos = body + size + size%2
	}
	return WAVInfo{}, nil, fmt.Errorf("audio: no data chunk: %w", ErrUnsupportedWAV)
}
