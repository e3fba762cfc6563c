package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/consultflow/pkg/provider/stt"
	sttmock "github.com/MrWong99/consultflow/pkg/provider/stt/mock"
)

func TestRecognizerFallback_Transcribe(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Recognizer{Err: errors.New("server down")}
	secondary := &sttmock.Recognizer{Text: "Czy boli?"}

	fb := NewRecognizerFallback(primary, "whisper-http", FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3}})
	fb.AddFallback("whisper-native", secondary)

	got, err := fb.Transcribe(context.Background(), make([]float32, 160), stt.DecodeOptions{Language: "pl", BeamSize: 5})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got != "Czy boli?" {
		t.Errorf("text = %q, want %q", got, "Czy boli?")
	}
	call, ok := secondary.LastCall()
	if !ok {
		t.Fatal("secondary not called")
	}
	if call.Opts.BeamSize != 5 || call.Samples != 160 {
		t.Errorf("secondary call = %+v, want beam 5 and 160 samples", call)
	}
	if fb.Name() != "whisper-http|whisper-native" {
		t.Errorf("Name() = %q", fb.Name())
	}
}
