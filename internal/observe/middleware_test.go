package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// instrumented returns mux wrapped in Middleware along with the reader that
// collects its request histogram.
func instrumented(t *testing.T, mux *http.ServeMux) (http.Handler, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return Middleware(m)(mux), reader
}

func requestHistogram(t *testing.T, reader *sdkmetric.ManualReader) metricdata.Histogram[float64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "voxcap.http.request.duration")
	if met == nil {
		t.Fatal("request histogram not recorded")
	}
	return met.Data.(metricdata.Histogram[float64])
}

func testMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "missing" {
			http.Error(w, "no such job", http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"id":"` + r.PathValue("id") + `"}`))
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func TestMiddleware_Spans(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		wantName string
		wantCode int64
	}{
		{"route pattern", "/api/jobs/abc", "GET /api/jobs/{id}", 200},
		{"handler error", "/api/jobs/missing", "GET /api/jobs/{id}", 404},
		{"explicit status", "/healthz", "GET /healthz", 204},
		{"unmatched", "/nope", "GET /nope", 404},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			exp := useRecorder(t)
			h, _ := instrumented(t, testMux())

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest("GET", tc.path, nil))

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("spans = %d, want 1", len(spans))
			}
			if spans[0].Name != tc.wantName {
				t.Errorf("span name = %q, want %q", spans[0].Name, tc.wantName)
			}
			var code int64
			for _, kv := range spans[0].Attributes {
				if kv.Key == "http.response.status_code" {
					code = kv.Value.AsInt64()
				}
			}
			if code != tc.wantCode || int64(rec.Code) != tc.wantCode {
				t.Errorf("status: span %d, response %d, want %d", code, rec.Code, tc.wantCode)
			}
			if cid := rec.Header().Get("X-Correlation-ID"); cid != spans[0].SpanContext.TraceID().String() {
				t.Errorf("X-Correlation-ID = %q, want span trace ID", cid)
			}
		})
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	useRecorder(t)
	const traceID = "0af7651916cd43dd8448eb211c80319c"

	var inHandler string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/transcribe", func(_ http.ResponseWriter, r *http.Request) {
		inHandler = CorrelationID(r.Context())
	})
	h, _ := instrumented(t, mux)

	req := httptest.NewRequest("POST", "/api/transcribe", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-b7ad6b7169203331-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if inHandler != traceID {
		t.Errorf("handler saw trace %q, want %q", inHandler, traceID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q", got)
	}
}

func TestMiddleware_OneSeriesPerRoute(t *testing.T) {
	useRecorder(t)
	h, reader := instrumented(t, testMux())

	for _, p := range []string{"/api/jobs/1", "/api/jobs/2", "/api/jobs/missing", "/healthz"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", p, nil))
	}

	counts := make(map[string]uint64)
	for _, dp := range requestHistogram(t, reader).DataPoints {
		path, _ := dp.Attributes.Value("path")
		counts[path.AsString()] += dp.Count
	}
	if counts["GET /api/jobs/{id}"] != 3 || counts["GET /healthz"] != 1 || len(counts) != 2 {
		t.Errorf("samples per path = %v", counts)
	}
}

func TestMiddleware_LogLevels(t *testing.T) {
	useRecorder(t)
	buf := captureLogs(t)
	h, _ := instrumented(t, testMux())

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/healthz", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/jobs/x", nil))

	out := buf.String()
	if strings.Contains(out, "path=/healthz") {
		t.Errorf("health check logged at info:\n%s", out)
	}
	if !strings.Contains(out, "path=/api/jobs/x") || !strings.Contains(out, "status=200") {
		t.Errorf("api request not logged:\n%s", out)
	}
}
