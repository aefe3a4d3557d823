// Package opus wraps the gopus bindings for the mono voice streams carried by
// the streaming dialog transport.
//
// Encoder and Decoder keep codec state across consecutive frames, so each
// direction of one session needs its own instance. Neither type is safe for
// concurrent use.
package opus

import (
	"fmt"

	"layeh.com/gopus"
)

const (
	// Channels is the channel count of every stream this package handles.
	Channels = 1

	// maxPacketBytes bounds an encoded packet.
	maxPacketBytes = 4000

	// maxFrameMs is the longest frame duration Opus can decode.
	maxFrameMs = 120
)

// FrameSamples returns the number of samples in a frameMs frame at rate.
func FrameSamples(rate, frameMs int) int {
	return rate * frameMs / 1000
}

// Encoder encodes fixed-duration mono PCM16 frames into Opus packets.
type Encoder struct {
	enc       *gopus.Encoder
	frameSize int
}

// NewEncoder creates an Encoder for rate Hz with frameMs frames. Opus accepts
// 2.5, 5, 10, 20, 40 and 60 ms frames at 8, 12, 16, 24 and 48 kHz.
func NewEncoder(rate, frameMs int) (*Encoder, error) {
	enc, err := gopus.NewEncoder(rate, Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	return &Encoder{enc: enc, frameSize: FrameSamples(rate, frameMs)}, nil
}

// FrameSize returns the samples per frame expected by [Encoder.Encode].
func (e *Encoder) FrameSize() int { return e.frameSize }

// Encode encodes one frame. A short final frame is zero-padded.
func (e *Encoder) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) > e.frameSize {
		return nil, fmt.Errorf("opus: frame of %d samples exceeds %d", len(pcm), e.frameSize)
	}
	if len(pcm) < e.frameSize {
		padded := make([]int16, e.frameSize)
		copy(padded, pcm)
		pcm = padded
	}
	packet, err := e.enc.Encode(pcm, e.frameSize, maxPacketBytes)
	if err != nil {
		return nil, fmt.Errorf("opus: encode: %w", err)
	}
	return packet, nil
}

// Decoder decodes Opus packets into mono PCM16.
type Decoder struct {
	dec     *gopus.Decoder
	maxSize int
}

// NewDecoder creates a Decoder producing rate Hz mono PCM.
func NewDecoder(rate int) (*Decoder, error) {
	dec, err := gopus.NewDecoder(rate, Channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{dec: dec, maxSize: FrameSamples(rate, maxFrameMs)}, nil
}

// Decode decodes one packet.
func (d *Decoder) Decode(packet []byte) ([]int16, error) {
	pcm, err := d.dec.Decode(packet, d.maxSize, false)
	if err != nil {
		return nil, fmt.Errorf("opus: decode: %w", err)
	}
	return pcm, nil
}
