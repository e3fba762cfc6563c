package observe

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// routedHandler wraps a small mux the way the server does.
func routedHandler(m *Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/records/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	return Middleware(m)(mux)
}

// durationPoint returns the attributes of the single HTTP duration point.
func durationPoint(t *testing.T, reader *sdkmetric.ManualReader) map[string]any {
	t.Helper()
	met := findMetric(collect(t, reader), "consultflow.http.request.duration")
	if met == nil {
		t.Fatal("consultflow.http.request.duration not recorded")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1", len(hist.DataPoints))
	}
	attrs := map[string]any{}
	for _, kv := range hist.DataPoints[0].Attributes.ToSlice() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	return attrs
}

func TestMiddleware_LabelsByRoute(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		wantRoute  string
		wantStatus int
	}{
		{"pattern", "/v1/records/abc-123", "/v1/records/{id}", http.StatusOK},
		{"probe", "/healthz", "/healthz", http.StatusServiceUnavailable},
		{"unmatched", "/wp-login.php", unmatchedRoute, http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			exp := installTracer(t)
			captureLogs(t)
			m, reader := newTestMetrics(t)

			rec := httptest.NewRecorder()
			routedHandler(m).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))

			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			attrs := durationPoint(t, reader)
			if attrs["route"] != tc.wantRoute {
				t.Errorf("route attribute = %v, want %q", attrs["route"], tc.wantRoute)
			}
			if attrs["status"] != int64(tc.wantStatus) {
				t.Errorf("status attribute = %v, want %d", attrs["status"], tc.wantStatus)
			}

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("spans = %d, want 1", len(spans))
			}
			if want := "GET " + tc.wantRoute; spans[0].Name != want {
				t.Errorf("span name = %q, want %q", spans[0].Name, want)
			}
		})
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	installTracer(t)
	captureLogs(t)
	m, _ := newTestMetrics(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	var seen string
	h := Middleware(m)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	}))
	req := httptest.NewRequest(http.MethodPost, "/v1/intents", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != traceID {
		t.Errorf("handler trace ID = %q, want %q", seen, traceID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
	if rec.Header().Get("traceparent") == "" {
		t.Error("response carries no traceparent")
	}
}

func TestMiddleware_ProbesLogAtDebug(t *testing.T) {
	installTracer(t)
	m, _ := newTestMetrics(t)
	h := routedHandler(m)

	buf := captureLogs(t)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/records/x", nil))

	out := buf.String()
	if !containsLine(out, "level=DEBUG", "route=/healthz") {
		t.Errorf("probe not logged at debug:\n%s", out)
	}
	if !containsLine(out, "level=INFO", "route=/v1/records/{id}") {
		t.Errorf("record fetch not logged at info:\n%s", out)
	}
}

func TestResponseWriter_HijackUnsupported(t *testing.T) {
	t.Parallel()
	w := &responseWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	if _, _, err := w.Hijack(); err == nil {
		t.Error("Hijack without Hijacker support returned nil error")
	}
	if w.status != http.StatusOK {
		t.Errorf("status after failed hijack = %d, want %d", w.status, http.StatusOK)
	}
	if w.Unwrap() == nil {
		t.Error("Unwrap returned nil")
	}
}

// containsLine reports whether one log line holds every part.
func containsLine(out string, parts ...string) bool {
	for line := range strings.Lines(out) {
		ok := true
		for _, p := range parts {
			ok = ok && strings.Contains(line, p)
		}
		if ok {
			return true
		}
	}
	return false
}
