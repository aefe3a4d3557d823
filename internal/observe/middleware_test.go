package observe

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// adminMux mimics the admin routes the app mounts.
func adminMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /v1/commands/{name}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("name") == "dance" {
			http.Error(w, "unknown command", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /v1/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Correlation", CorrelationID(r.Context()))
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /v1/wake", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	return mux
}

func serve(h http.Handler, method, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_CorrelationID(t *testing.T) {
	installTracer(t)
	h := Middleware(nil)(adminMux())

	rec := serve(h, "GET", "/v1/status", nil)
	cid := rec.Header().Get("X-Correlation-ID")
	if len(cid) != 32 {
		t.Fatalf("X-Correlation-ID = %q", cid)
	}
	if seen := rec.Header().Get("X-Seen-Correlation"); seen != cid {
		t.Errorf("handler saw %q, response carries %q", seen, cid)
	}
	if rec.Header().Get("traceparent") == "" {
		t.Error("traceparent not injected into response")
	}

	// An upstream trace is joined rather than replaced.
	const upstream = "4bf92f3577b34da6a3ce929d0e0e4736"
	rec = serve(h, "GET", "/v1/status", http.Header{
		"Traceparent": {"00-" + upstream + "-00f067aa0ba902b7-01"},
	})
	if got := rec.Header().Get("X-Correlation-ID"); got != upstream {
		t.Errorf("X-Correlation-ID = %q, want %q", got, upstream)
	}
}

func TestMiddleware_Span(t *testing.T) {
	exp := installTracer(t)
	h := Middleware(nil)(adminMux())

	serve(h, "POST", "/v1/commands/dance", nil)
	serve(h, "POST", "/v1/wake", nil)

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if spans[0].Name != "POST /v1/commands/dance" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	status := func(i int) int64 {
		for _, kv := range spans[i].Attributes {
			if kv.Key == "http.response.status_code" {
				return kv.Value.AsInt64()
			}
		}
		return 0
	}
	if got := status(0); got != http.StatusBadRequest {
		t.Errorf("status_code = %d, want 400", got)
	}
	if spans[0].Status.Code == codes.Error {
		t.Error("client error marked the span as failed")
	}
	if got := status(1); got != http.StatusServiceUnavailable {
		t.Errorf("status_code = %d, want 503", got)
	}
	if spans[1].Status.Code != codes.Error {
		t.Errorf("server error span status = %v", spans[1].Status.Code)
	}
}

func TestMiddleware_DurationByRoute(t *testing.T) {
	installTracer(t)
	m, reader := newTestMetrics(t)
	h := Middleware(m)(adminMux())

	serve(h, "POST", "/v1/commands/lights_on", nil)
	serve(h, "POST", "/v1/commands/forward", nil)
	serve(h, "POST", "/v1/commands/dance", nil)

	met := findMetric(collect(t, reader), "fawn.http.request.duration")
	if met == nil {
		t.Fatal("fawn.http.request.duration not recorded")
	}
	hist := met.Data.(metricdata.Histogram[float64])

	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		path, _ := dp.Attributes.Value("path")
		class, _ := dp.Attributes.Value("status")
		counts[path.AsString()+" "+class.AsString()] += dp.Count
	}
	want := map[string]uint64{
		"POST /v1/commands/{name} 2xx": 2,
		"POST /v1/commands/{name} 4xx": 1,
	}
	if len(counts) != len(want) {
		t.Fatalf("series = %v, want %v", counts, want)
	}
	for k, n := range want {
		if counts[k] != n {
			t.Errorf("%s: count = %d, want %d", k, counts[k], n)
		}
	}
}

func TestMiddleware_HealthChecksLogAtDebug(t *testing.T) {
	installTracer(t)
	buf := captureLogs(t, slog.LevelInfo)
	h := Middleware(nil)(adminMux())

	serve(h, "GET", "/healthz", nil)
	if buf.Len() != 0 {
		t.Errorf("health check logged at info: %s", buf.String())
	}

	serve(h, "POST", "/v1/commands/lights_on", nil)
	if out := buf.String(); !strings.Contains(out, "admin: request") || !strings.Contains(out, "status=202") {
		t.Errorf("control request not logged: %s", out)
	}
}

func TestStatusClass(t *testing.T) {
	t.Parallel()
	for code, want := range map[int]string{200: "2xx", 202: "2xx", 404: "4xx", 503: "5xx", 0: "0", 999: "999"} {
		if got := statusClass(code); got != want {
			t.Errorf("statusClass(%d) = %q, want %q", code, got, want)
		}
	}
}
