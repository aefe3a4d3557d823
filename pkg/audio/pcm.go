package audio

// MeanAbs returns the mean absolute amplitude of samples. The magnitude of
// -32768 is clamped to 32767 so the result always fits the int16 range.
func MeanAbs(samples []int16) int {
	if len(samples) == 0 {
		return 0
	}
	var sum int64
	for _, s := range samples {
		a := int64(s)
		if a < 0 {
			a = -a
		}
		if a > 32767 {
			a = 32767
		}
		sum += a
	}
	return int(sum / int64(len(samples)))
}

// SamplesToBytes converts PCM16 samples to little-endian bytes.
func SamplesToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToSamples converts little-endian PCM16 bytes to samples. A trailing odd
// byte is ignored.
func BytesToSamples(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// BytesPerMs returns the number of mono PCM16 bytes per millisecond at rate.
func BytesPerMs(rate int) int {
	return rate * 2 / 1000
}
