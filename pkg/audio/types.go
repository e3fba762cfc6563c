// Package audio holds the PCM plumbing shared by capture, the recognition
// cascade and the recognizer clients: frame normalization to the session
// format, float/int16 conversion, energy measurement, WAV framing and Opus
// decoding for browser capture clients.
package audio

import "time"

// SampleRate is the session sample rate. Every recognizer and the cascade
// buffer operate on mono float32 samples at this rate.
const SampleRate = 16000

// Frame is a chunk of 16-bit signed little-endian PCM as delivered by a
// capture source, in the source's own format.
type Frame struct {
	// Data holds interleaved int16 samples.
	Data []byte

	// SampleRate is the source rate in Hz.
	SampleRate int

	// Channels is the number of interleaved channels.
	Channels int

	// Timestamp is the capture offset from the start of the stream.
	Timestamp time.Duration
}

// Duration returns the playback duration of a mono float32 buffer at
// SampleRate.
func Duration(samples int) time.Duration {
	return time.Duration(samples) * time.Second / SampleRate
}

// Samples returns the number of samples covering d at SampleRate.
func Samples(d time.Duration) int {
	return int(d * SampleRate / time.Second)
}
