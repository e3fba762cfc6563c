package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// Browser capture clients (MediaRecorder, WebRTC) send 48 kHz Opus in 20 ms
// frames.
const (
	opusSampleRate  = 48000
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960
)

// OpusDecoder decodes a single Opus stream into session-format samples. Opus
// decoders are stateful; use one per capture stream.
type OpusDecoder struct {
	dec      *gopus.Decoder
	channels int
}

// NewOpusDecoder creates a decoder for a 48 kHz stream with the given channel
// count (1 or 2).
func NewOpusDecoder(channels int) (*OpusDecoder, error) {
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("audio: opus channels must be 1 or 2, got %d", channels)
	}
	dec, err := gopus.NewDecoder(opusSampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec, channels: channels}, nil
}

// Decode decodes one Opus packet into mono float32 samples at SampleRate.
func (d *OpusDecoder) Decode(packet []byte) ([]float32, error) {
	pcm, err := d.dec.Decode(packet, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	samples := make([]float32, len(pcm))
	for i, s := range pcm {
		samples[i] = float32(s) / 32768.0
	}
	mono := DownmixMono(samples, d.channels)
	return Resample(mono, opusSampleRate, SampleRate), nil
}
