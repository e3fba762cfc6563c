// Package stt defines the Recognizer interface for speech-to-text engines
// used by the recognition cascade.
//
// A recognizer is a batch engine: it receives a complete window of mono
// float32 samples at audio.SampleRate and returns the recognised text. The
// cascade decides window boundaries and cadence; engines only decode.
//
// Implementations must be safe for concurrent use and must honour context
// cancellation. An empty result with a nil error means "nothing recognised"
// and is distinct from a failure.
package stt

import "context"

// DecodeOptions tunes a single Transcribe call.
type DecodeOptions struct {
	// Language is a BCP-47 language hint ("pl", "en"). Empty lets the engine
	// auto-detect or use its configured default.
	Language string

	// BeamSize selects beam-search width. Zero or one means greedy decoding.
	// Higher values trade latency for accuracy.
	BeamSize int
}

// Recognizer transcribes a window of audio.
type Recognizer interface {
	// Transcribe decodes samples and returns the recognised text.
	Transcribe(ctx context.Context, samples []float32, opts DecodeOptions) (string, error)
}

// Named is implemented by recognizers that report a stable engine name for
// logs and metrics.
type Named interface {
	Name() string
}

// NameOf returns r's engine name, or "unknown".
func NameOf(r Recognizer) string {
	if n, ok := r.(Named); ok {
		return n.Name()
	}
	return "unknown"
}
