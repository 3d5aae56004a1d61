package observe

import (
	"bytes"
	"context"
	"encoding/hex"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useRecordingTracer installs an in-memory tracer provider globally for the
// duration of the test.
func useRecordingTracer(t *testing.T) *tracetest.InMemoryExporter {
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

// captureLogs redirects the default logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestStartSpan_CorrelationID(t *testing.T) {
	exp := useRecordingTracer(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("without span: want empty id, got %q", got)
	}

	seen := make(map[string]bool)
	for range 50 {
		ctx, span := StartSpan(context.Background(), "turn.answer")
		cid := CorrelationID(ctx)
		span.End()

		if raw, err := hex.DecodeString(cid); err != nil || len(raw) != 16 {
			t.Fatalf("correlation id %q: want 16 hex-encoded bytes", cid)
		}
		if seen[cid] {
			t.Fatalf("duplicate correlation id %s", cid)
		}
		seen[cid] = true
	}

	spans := exp.GetSpans()
	if len(spans) != 50 {
		t.Fatalf("spans: want 50, got %d", len(spans))
	}
	if spans[0].Name != "turn.answer" {
		t.Errorf("span name: want turn.answer, got %q", spans[0].Name)
	}
}

func TestLogger_Fields(t *testing.T) {
	useRecordingTracer(t)

	spanCtx, span := StartSpan(context.Background(), "dispatch.reply")
	defer span.End()

	tests := []struct {
		name    string
		ctx     context.Context
		want    []string
		notWant []string
	}{
		{
			name:    "bare context",
			ctx:     context.Background(),
			notWant: []string{"trace_id", "span_id", "session_id"},
		},
		{
			name:    "span only",
			ctx:     spanCtx,
			want:    []string{"trace_id=" + CorrelationID(spanCtx), "span_id="},
			notWant: []string{"session_id"},
		},
		{
			name:    "session only",
			ctx:     WithSession(context.Background(), "s-42"),
			want:    []string{"session_id=s-42"},
			notWant: []string{"trace_id"},
		},
		{
			name: "span and session",
			ctx:  WithSession(spanCtx, "s-43"),
			want: []string{"trace_id=", "span_id=", "session_id=s-43"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t)
			Logger(tt.ctx).Info("utterance recorded")
			line := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(line, w) {
					t.Errorf("want %q in %q", w, line)
				}
			}
			for _, nw := range tt.notWant {
				if strings.Contains(line, nw) {
					t.Errorf("want no %q in %q", nw, line)
				}
			}
		})
	}
}

func TestSessionID(t *testing.T) {
	t.Parallel()

	if got := SessionID(context.Background()); got != "" {
		t.Errorf("bare context: want empty, got %q", got)
	}
	ctx := WithSession(WithSession(context.Background(), "outer"), "inner")
	if got := SessionID(ctx); got != "inner" {
		t.Errorf("nested: want inner, got %q", got)
	}
}
