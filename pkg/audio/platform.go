// Package audio defines the PCM data types and device abstractions shared by
// the fawn voice-dialog engine.
//
// The two device-facing abstractions are:
//
//   - [FrameSource]: yields fixed-duration mono capture frames tagged with a
//     voice-activity flag.
//   - [Output]: accepts rendered PCM and plays it at the device's natural
//     rate.
//
// Implementations are provided by adapter packages (e.g., audio/device for
// miniaudio hardware). The interfaces are intentionally narrow to keep the
// orchestrator decoupled from device details.
package audio

import "context"

// Output is an audio sink such as a speaker. Write blocks until the device
// has accepted pcm, which paces the caller at the device's natural rate.
// Implementations must honour ctx cancellation.
type Output interface {
	// Format returns the PCM format Write expects.
	Format() Format

	// Write queues interleaved little-endian PCM16 in [Output.Format].
	Write(ctx context.Context, pcm []byte) error
}
