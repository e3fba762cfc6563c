package whisper

import (
	"context"
	"os"
	"testing"

	"github.com/MrWong99/consultflow/pkg/provider/stt"
)

func TestNativeName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		path string
		want string
	}{
		{"/models/ggml-large-v3.bin", "whisper-native:ggml-large-v3"},
		{"ggml-base.pl.bin", "whisper-native:ggml-base.pl"},
		{"/models/turbo", "whisper-native:turbo"},
	}
	for _, tc := range tests {
		if got := nativeName(tc.path); got != tc.want {
			t.Errorf("nativeName(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestNewNative_BadModel(t *testing.T) {
	t.Parallel()
	for _, path := range []string{"", "/nonexistent/ggml-model.bin"} {
		if n, err := NewNative(path); err == nil {
			n.Close()
			t.Errorf("NewNative(%q) returned nil error", path)
		}
	}
}

// TestNative_Model runs against a real GGML model named by WHISPER_MODEL_PATH.
func TestNative_Model(t *testing.T) {
	path := os.Getenv("WHISPER_MODEL_PATH")
	if path == "" {
		t.Skip("WHISPER_MODEL_PATH not set")
	}
	n, err := NewNative(path, WithNativeLanguage("pl"), WithNativeThreads(2))
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	t.Cleanup(func() { n.Close() })

	ctx := context.Background()
	t.Run("no samples", func(t *testing.T) {
		text, err := n.Transcribe(ctx, nil, stt.DecodeOptions{})
		if err != nil || text != "" {
			t.Errorf("Transcribe(nil) = %q, %v; want empty, nil", text, err)
		}
	})
	t.Run("silence with beam", func(t *testing.T) {
		if _, err := n.Transcribe(ctx, make([]float32, 16000), stt.DecodeOptions{BeamSize: 3}); err != nil {
			t.Errorf("Transcribe: %v", err)
		}
	})
	t.Run("cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if _, err := n.Transcribe(cctx, make([]float32, 1600), stt.DecodeOptions{}); err == nil {
			t.Error("Transcribe with cancelled context returned nil error")
		}
	})
}
