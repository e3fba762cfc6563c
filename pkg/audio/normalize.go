package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Normalizer converts capture frames of any rate and channel count into mono
// float32 samples at SampleRate. It logs once on the first format mismatch
// and once on the first corrupt frame. Create one per capture stream.
type Normalizer struct {
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Normalize returns the frame as mono float32 samples at SampleRate. Frames
// with an odd byte count or an invalid format yield nil.
func (n *Normalizer) Normalize(frame Frame) []float32 {
	if len(frame.Data)%2 != 0 || frame.SampleRate <= 0 || frame.Channels <= 0 {
		n.warnedCorrupt.Do(func() {
			slog.Warn("audio normalizer: malformed PCM frame, dropping",
				"bytes", len(frame.Data),
				"sampleRate", frame.SampleRate,
				"channels", frame.Channels,
			)
		})
		return nil
	}

	samples := PCM16ToFloat32(frame.Data)
	if frame.SampleRate == SampleRate && frame.Channels == 1 {
		return samples
	}

	n.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(frame.SampleRate, frame.Channels),
			"to", formatString(SampleRate, 1),
		)
	})

	// Down-mix before resampling so only one channel is interpolated.
	mono := DownmixMono(samples, frame.Channels)
	return Resample(mono, frame.SampleRate, SampleRate)
}

// DownmixMono averages interleaved channels into a single channel.
func DownmixMono(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. Equal or invalid rates return the input unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	dst := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dst == 0 {
		return nil
	}
	out := make([]float32, dst)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dst {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// formatString renders a rate/channel pair, e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
