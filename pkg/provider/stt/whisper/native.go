package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/consultflow/pkg/provider/stt"
)

// Compile-time assertions.
var (
	_ stt.Recognizer = (*Native)(nil)
	_ stt.Named      = (*Native)(nil)
)

// Native implements stt.Recognizer using the whisper.cpp Go bindings.
// The loaded model is shared; every Transcribe call creates its own decoding
// context, so concurrent calls are safe.
type Native struct {
	model    whisperlib.Model
	name     string
	language string
	threads  uint
}

// NativeOption is a functional option for configuring a Native recognizer.
type NativeOption func(*Native)

// WithNativeLanguage sets the default language. Defaults to "pl".
func WithNativeLanguage(lang string) NativeOption {
	return func(n *Native) { n.language = lang }
}

// WithNativeThreads sets the number of decoding threads. Zero keeps the
// whisper.cpp default.
func WithNativeThreads(threads uint) NativeOption {
	return func(n *Native) { n.threads = threads }
}

// NewNative loads the GGML model at modelPath. Loading a large model takes
// seconds and several gigabytes of memory; callers treat a failure as
// "engine unavailable" and fall back to a lower tier.
func NewNative(modelPath string, opts ...NativeOption) (*Native, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	n := &Native{
		model:    model,
		name:     nativeName(modelPath),
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(n)
	}
	return n, nil
}

// nativeName labels an engine by its model file, "whisper-native:ggml-large-v3".
func nativeName(modelPath string) string {
	base := filepath.Base(modelPath)
	return "whisper-native:" + strings.TrimSuffix(base, filepath.Ext(base))
}

// Name implements stt.Named.
func (n *Native) Name() string { return n.name }

// Close releases the model.
func (n *Native) Close() error {
	if n.model != nil {
		return n.model.Close()
	}
	return nil
}

// Transcribe runs whisper.cpp inference over samples and returns the joined
// segment text. Cancellation is checked before decoding starts; a decode in
// progress runs to completion.
func (n *Native) Transcribe(ctx context.Context, samples []float32, opts stt.DecodeOptions) (string, error) {
	if len(samples) == 0 {
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("whisper: %w", err)
	}

	wctx, err := n.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}

	lang := opts.Language
	if lang == "" {
		lang = n.language
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "err", err)
	}
	if opts.BeamSize > 1 {
		wctx.SetBeamSize(opts.BeamSize)
	}
	if n.threads > 0 {
		wctx.SetThreads(n.threads)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
