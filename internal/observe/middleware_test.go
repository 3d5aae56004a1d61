package observe

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// apiUnderTest mounts a miniature session API behind [Middleware] and swaps
// in recording providers. It replaces the global tracer provider, so callers
// must not run in parallel.
type apiUnderTest struct {
	handler http.Handler
	metrics *Metrics
	reader  *sdkmetric.ManualReader
	spans   *tracetest.InMemoryExporter
	seenCID string
}

func newAPIUnderTest(t *testing.T) *apiUnderTest {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	spans := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(spans))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
		_ = mp.Shutdown(context.Background())
	})

	api := &apiUnderTest{metrics: m, reader: reader, spans: spans}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		api.seenCID = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /v1/sessions/{id}/submit", func(w http.ResponseWriter, r *http.Request) {
		api.seenCID = CorrelationID(r.Context())
		w.WriteHeader(http.StatusConflict)
	})
	api.handler = Middleware(m)(mux)
	return api
}

func (a *apiUnderTest) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_Requests(t *testing.T) {
	const incomingTrace = "4bf92f3577b34da6a3ce929d0e0e4736"

	tests := []struct {
		name        string
		method      string
		path        string
		traceparent string
		wantStatus  int
		wantRoute   string
		wantTraceID string
	}{
		{
			name:       "new trace",
			method:     http.MethodGet,
			path:       "/v1/sessions/9c1f",
			wantStatus: http.StatusOK,
			wantRoute:  "GET /v1/sessions/{id}",
		},
		{
			name:        "continues caller trace",
			method:      http.MethodGet,
			path:        "/v1/sessions/9c1f",
			traceparent: "00-" + incomingTrace + "-00f067aa0ba902b7-01",
			wantStatus:  http.StatusOK,
			wantRoute:   "GET /v1/sessions/{id}",
			wantTraceID: incomingTrace,
		},
		{
			name:       "error status",
			method:     http.MethodPost,
			path:       "/v1/sessions/77ab/submit",
			wantStatus: http.StatusConflict,
			wantRoute:  "POST /v1/sessions/{id}/submit",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newAPIUnderTest(t)
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.traceparent != "" {
				req.Header.Set("traceparent", tt.traceparent)
			}
			rec := api.serve(req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status: want %d, got %d", tt.wantStatus, rec.Code)
			}
			if len(api.seenCID) != 32 {
				t.Fatalf("correlation id: want 32 hex chars, got %q", api.seenCID)
			}
			if tt.wantTraceID != "" && api.seenCID != tt.wantTraceID {
				t.Errorf("correlation id: want %q, got %q", tt.wantTraceID, api.seenCID)
			}
			if got := rec.Header().Get("X-Correlation-ID"); got != api.seenCID {
				t.Errorf("X-Correlation-ID: want %q, got %q", api.seenCID, got)
			}

			spans := api.spans.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("spans: want 1, got %d", len(spans))
			}
			if want := "HTTP " + tt.method + " " + tt.path; spans[0].Name != want {
				t.Errorf("span name: want %q, got %q", want, spans[0].Name)
			}
			if !hasAttr(spans[0].Attributes, "http.response.status_code", int64(tt.wantStatus)) {
				t.Errorf("span attributes %v lack status %d", spans[0].Attributes, tt.wantStatus)
			}

			var rm metricdata.ResourceMetrics
			if err := api.reader.Collect(context.Background(), &rm); err != nil {
				t.Fatalf("Collect: %v", err)
			}
			met := findMetric(rm, "panelist.http.request.duration")
			if met == nil {
				t.Fatal("request duration metric missing")
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok || len(hist.DataPoints) != 1 {
				t.Fatalf("want one histogram point, got %+v", met.Data)
			}
			route, _ := hist.DataPoints[0].Attributes.Value("route")
			if route.AsString() != tt.wantRoute {
				t.Errorf("route: want %q, got %q", tt.wantRoute, route.AsString())
			}
			method, _ := hist.DataPoints[0].Attributes.Value("method")
			if method.AsString() != tt.method {
				t.Errorf("method: want %q, got %q", tt.method, method.AsString())
			}
		})
	}
}

func hasAttr(attrs []attribute.KeyValue, key string, want int64) bool {
	for _, kv := range attrs {
		if string(kv.Key) == key && kv.Value.AsInt64() == want {
			return true
		}
	}
	return false
}

// upgradeRecorder lets a handler take over the connection like a websocket
// upgrade does.
type upgradeRecorder struct {
	*httptest.ResponseRecorder
	taken bool
}

func (u *upgradeRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	u.taken = true
	client, server := net.Pipe()
	_ = server.Close()
	return client, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func TestMiddleware_AllowsUpgrade(t *testing.T) {
	api := newAPIUnderTest(t)
	handler := Middleware(api.metrics)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		conn, _, err := http.NewResponseController(w).Hijack()
		if err != nil {
			t.Errorf("Hijack: %v", err)
			return
		}
		_ = conn.Close()
	}))

	rec := &upgradeRecorder{ResponseRecorder: httptest.NewRecorder()}
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/9c1f/events", nil))
	if !rec.taken {
		t.Fatal("want the connection handed to the handler")
	}
	spans := api.spans.GetSpans()
	if len(spans) != 1 || !hasAttr(spans[0].Attributes, "http.response.status_code", http.StatusSwitchingProtocols) {
		t.Errorf("want a 101 span, got %+v", spans)
	}
}
