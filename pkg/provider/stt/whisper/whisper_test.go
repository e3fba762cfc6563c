package whisper_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/consultflow/pkg/provider/stt"
	"github.com/MrWong99/consultflow/pkg/provider/stt/whisper"
)

// newMockServer creates a test server that answers POST /inference with
// responseText and records the form fields of the last request.
func newMockServer(t *testing.T, responseText string, calls *atomic.Int32, fields *atomic.Value) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, _, err := r.FormFile("file"); err != nil {
			http.Error(w, "missing file", http.StatusBadRequest)
			return
		}
		if calls != nil {
			calls.Add(1)
		}
		if fields != nil {
			got := map[string]string{}
			for k, v := range r.MultipartForm.Value {
				got[k] = v[0]
			}
			fields.Store(got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": responseText})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNew_EmptyURL(t *testing.T) {
	t.Parallel()
	if _, err := whisper.New(""); err == nil {
		t.Fatal("expected error for empty URL")
	}
}

func TestClient_Transcribe(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var fields atomic.Value
	srv := newMockServer(t, "  Czy boli?  ", &calls, &fields)

	c, err := whisper.New(srv.URL+"/", whisper.WithModel("medium"), whisper.WithLanguage("pl"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	text, err := c.Transcribe(context.Background(), make([]float32, 1600), stt.DecodeOptions{BeamSize: 4})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "Czy boli?" {
		t.Errorf("text = %q, want %q", text, "Czy boli?")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}

	got := fields.Load().(map[string]string)
	if got["language"] != "pl" {
		t.Errorf("language = %q, want pl", got["language"])
	}
	if got["model"] != "medium" {
		t.Errorf("model = %q, want medium", got["model"])
	}
	if got["beam_size"] != "4" {
		t.Errorf("beam_size = %q, want 4", got["beam_size"])
	}
}

func TestClient_LanguageHintOverridesDefault(t *testing.T) {
	t.Parallel()

	var fields atomic.Value
	srv := newMockServer(t, "ok", nil, &fields)
	c, _ := whisper.New(srv.URL)

	if _, err := c.Transcribe(context.Background(), make([]float32, 160), stt.DecodeOptions{Language: "en"}); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	got := fields.Load().(map[string]string)
	if got["language"] != "en" {
		t.Errorf("language = %q, want en", got["language"])
	}
	if _, ok := got["beam_size"]; ok {
		t.Error("beam_size should be omitted for greedy decoding")
	}
}

func TestClient_EmptySamplesSkipsRequest(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := newMockServer(t, "x", &calls, nil)
	c, _ := whisper.New(srv.URL)

	text, err := c.Transcribe(context.Background(), nil, stt.DecodeOptions{})
	if err != nil || text != "" {
		t.Fatalf("Transcribe(nil) = %q, %v", text, err)
	}
	if calls.Load() != 0 {
		t.Errorf("calls = %d, want 0", calls.Load())
	}
}

func TestClient_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, _ := whisper.New(srv.URL)
	if _, err := c.Transcribe(context.Background(), make([]float32, 160), stt.DecodeOptions{}); err == nil {
		t.Fatal("expected error on HTTP 500")
	}
}

func TestClient_Name(t *testing.T) {
	t.Parallel()

	c, _ := whisper.New("http://localhost:8080", whisper.WithModel("large-v3"))
	if got := c.Name(); got != "whisper-http:large-v3" {
		t.Errorf("Name = %q, want whisper-http:large-v3", got)
	}
	if got := stt.NameOf(c); got != "whisper-http:large-v3" {
		t.Errorf("NameOf = %q", got)
	}
}
