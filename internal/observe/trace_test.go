package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// installTracer routes the global tracer provider to an in-memory exporter
// for the duration of the test.
func installTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs points the default logger at a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestWithSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	if got := WithSession(ctx, ""); got != ctx {
		t.Error("WithSession with empty ID returned a new context")
	}
	if got := SessionID(ctx); got != "" {
		t.Errorf("SessionID(background) = %q, want empty", got)
	}
	if got := SessionID(WithSession(ctx, "c-1")); got != "c-1" {
		t.Errorf("SessionID = %q, want %q", got, "c-1")
	}
}

func TestStartSpan_CarriesSession(t *testing.T) {
	exp := installTracer(t)

	ctx, span := StartSpan(WithSession(context.Background(), "c-7"), "assistant.regenerate")
	if cid := CorrelationID(ctx); len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
		t.Errorf("CorrelationID = %q, want 32 hex digits", cid)
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "assistant.regenerate" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "assistant.regenerate")
	}
	var got string
	for _, a := range spans[0].Attributes {
		if a.Key == "consultflow.session.id" {
			got = a.Value.AsString()
		}
	}
	if got != "c-7" {
		t.Errorf("consultflow.session.id = %q, want %q", got, "c-7")
	}
}

func TestCorrelationID_WithoutSpan(t *testing.T) {
	t.Parallel()
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
}

func TestLogger(t *testing.T) {
	installTracer(t)
	spanCtx, span := StartSpan(context.Background(), "log")
	defer span.End()

	tests := []struct {
		name    string
		ctx     context.Context
		want    []string
		wantNot []string
	}{
		{"plain", context.Background(), nil, []string{"traceID", "spanID", "sessionID"}},
		{"span", spanCtx, []string{"traceID=" + CorrelationID(spanCtx), "spanID="}, []string{"sessionID"}},
		{"session", WithSession(context.Background(), "c-2"), []string{"sessionID=c-2"}, []string{"traceID"}},
		{"both", WithSession(spanCtx, "c-3"), []string{"traceID=", "sessionID=c-3"}, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			buf := captureLogs(t)
			Logger(tc.ctx).Info("hello")
			out := buf.String()
			for _, w := range tc.want {
				if !strings.Contains(out, w) {
					t.Errorf("log %q missing %q", out, w)
				}
			}
			for _, w := range tc.wantNot {
				if strings.Contains(out, w) {
					t.Errorf("log %q contains %q", out, w)
				}
			}
		})
	}
}
