package resilience

import (
	"context"
	"strings"

	"github.com/MrWong99/consultflow/pkg/provider/stt"
)

// RecognizerFallback is an [stt.Recognizer] that fails over across several
// engines configured for the same cascade tier, for example a whisper HTTP
// server backed by an in-process model.
type RecognizerFallback struct {
	group *FallbackGroup[stt.Recognizer]
}

var (
	_ stt.Recognizer = (*RecognizerFallback)(nil)
	_ stt.Named      = (*RecognizerFallback)(nil)
)

// NewRecognizerFallback creates a [RecognizerFallback] with primary preferred.
func NewRecognizerFallback(primary stt.Recognizer, primaryName string, cfg FallbackConfig) *RecognizerFallback {
	return &RecognizerFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another engine.
func (f *RecognizerFallback) AddFallback(name string, r stt.Recognizer) {
	f.group.AddFallback(name, r)
}

// Transcribe decodes samples with the first healthy engine.
func (f *RecognizerFallback) Transcribe(ctx context.Context, samples []float32, opts stt.DecodeOptions) (string, error) {
	return ExecuteWithResult(f.group, func(r stt.Recognizer) (string, error) {
		return r.Transcribe(ctx, samples, opts)
	})
}

// Name joins the engine names, "whisper-http|whisper-native".
func (f *RecognizerFallback) Name() string {
	return strings.Join(f.group.Names(), "|")
}

// Breakers returns the per-engine breakers in try order.
func (f *RecognizerFallback) Breakers() []*CircuitBreaker { return f.group.Breakers() }
