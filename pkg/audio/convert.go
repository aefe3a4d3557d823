package audio

import (
	"fmt"
	"log/slog"
)

// Format is the sample rate and channel count an output device plays.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) String() string {
	switch f.Channels {
	case 0, 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	}
	return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
}

// MonoConverter adapts one mono reply stream to an output's Format. It is
// owned by a single playback goroutine.
type MonoConverter struct {
	SourceRate int
	Target     Format

	logged bool
}

// Convert returns pcm resampled to the target rate and duplicated across two
// channels for stereo targets. Input and output are little-endian PCM16; a
// trailing odd byte is dropped.
func (c *MonoConverter) Convert(pcm []byte) []byte {
	pcm = pcm[:len(pcm)&^1]
	resample := c.SourceRate != c.Target.SampleRate
	if !resample && c.Target.Channels != 2 {
		return pcm
	}

	samples := BytesToSamples(pcm)
	if resample {
		if !c.logged {
			c.logged = true
			slog.Debug("audio: resampling reply stream", "from", c.SourceRate, "to", c.Target)
		}
		samples = ResampleSamples(samples, c.SourceRate, c.Target.SampleRate)
	}
	if c.Target.Channels == 2 {
		return SamplesToBytes(Upmix(samples))
	}
	return SamplesToBytes(samples)
}

// Upmix interleaves each mono sample into an identical L/R pair.
func Upmix(mono []int16) []int16 {
	out := make([]int16, 2*len(mono))
	for i, s := range mono {
		out[2*i], out[2*i+1] = s, s
	}
	return out
}

// Downmix averages interleaved stereo PCM16 bytes into mono PCM16 bytes.
func Downmix(stereo []byte) []byte {
	samples := BytesToSamples(stereo)
	mono := make([]int16, len(samples)/2)
	for i := range mono {
		mono[i] = int16((int32(samples[2*i]) + int32(samples[2*i+1])) / 2)
	}
	return SamplesToBytes(mono)
}

// ResampleSamples converts mono samples from srcRate to dstRate by linear
// interpolation. Equal or non-positive rates return samples unchanged.
func ResampleSamples(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	out := make([]int16, n)
	step := float64(srcRate) / float64(dstRate)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= last {
			out[i] = samples[last]
			continue
		}
		frac := pos - float64(j)
		out[i] = int16(float64(samples[j])*(1-frac) + float64(samples[j+1])*frac)
	}
	return out
}
