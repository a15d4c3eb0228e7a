package telemetry

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func decide(s sdktrace.Sampler) sdktrace.SamplingDecision {
	return s.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       oteltrace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		Name:          "merge-anonymous",
	}).Decision
}

func TestParseSampler(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name, sampler, arg string
		want               sdktrace.SamplingDecision
	}{
		{"always_off_drops", "always_off", "", sdktrace.Drop},
		{"always_on_samples", "always_on", "", sdktrace.RecordAndSample},
		{"ratio_clamps_high", "traceidratio", "2", sdktrace.RecordAndSample},
		{"ratio_clamps_low", "traceidratio", "-1", sdktrace.Drop},
		{"parentbased_zero_drops", "parentbased", "0", sdktrace.Drop},
		{"unknown_defaults_to_sample", "unknown", "", sdktrace.RecordAndSample},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := decide(parseSampler(tc.sampler, tc.arg)); got != tc.want {
				t.Fatalf("parseSampler(%q, %q) decided %v, want %v", tc.sampler, tc.arg, got, tc.want)
			}
		})
	}
}

func TestParseHeaders(t *testing.T) {
	t.Parallel()

	headers := parseHeaders("authorization=Bearer abc, x-tenant = jewgo,broken")
	if len(headers) != 2 {
		t.Fatalf("expected 2 parsed headers, got %d (%#v)", len(headers), headers)
	}
	if headers["authorization"] != "Bearer abc" {
		t.Fatalf("unexpected authorization header %q", headers["authorization"])
	}
	if headers["x-tenant"] != "jewgo" {
		t.Fatalf("unexpected x-tenant header %q", headers["x-tenant"])
	}
	if got := parseHeaders("   "); got != nil {
		t.Fatalf("expected nil for blank header string, got %v", got)
	}
	if got := parseHeaders("k1=v1, , =bad, k2=v2"); len(got) != 2 {
		t.Fatalf("empty parts and keys must be skipped, got %#v", got)
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("TELEMETRY_TEST_INT", "42")
	if got := envInt("TELEMETRY_TEST_INT", 1); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	t.Setenv("TELEMETRY_TEST_INT", "bad")
	if got := envInt("TELEMETRY_TEST_INT", 7); got != 7 {
		t.Fatalf("expected default 7, got %d", got)
	}
}

func TestInitWithoutExporter(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_REQUIRED", "false")
	shutdown, err := Init(context.Background(), "jewgo-gateway")
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if shutdown == nil {
		t.Fatal("expected shutdown function")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	client := InstrumentClient(nil)
	if client == nil || client.Transport == nil {
		t.Fatal("expected instrumented client with transport")
	}
	existing := &http.Client{Transport: http.DefaultTransport}
	if InstrumentClient(existing) != existing {
		t.Fatal("expected instrumentation to return the same client")
	}
}

func TestHTTPMiddleware(t *testing.T) {
	handler := HTTPMiddleware("gateway")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/merge-anonymous", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rr.Code)
	}

	blankName := HTTPMiddleware("   ")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rr = httptest.NewRecorder()
	blankName.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
}

func TestInitExporterRequiredVsOptional(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318")
	t.Setenv("OTEL_REQUIRED", "false")
	ctxOptional, cancelOptional := context.WithCancel(context.Background())
	cancelOptional()
	shutdown, err := Init(ctxOptional, "jewgo-gateway")
	if err != nil {
		t.Fatalf("required=false should fall back without error, got %v", err)
	}
	if shutdown == nil {
		t.Fatal("expected shutdown function on fallback")
	}
	_ = shutdown(context.Background())

	t.Setenv("OTEL_REQUIRED", "true")
	ctxRequired, cancelRequired := context.WithCancel(context.Background())
	cancelRequired()
	if _, err := Init(ctxRequired, "jewgo-gateway"); err == nil {
		t.Fatal("required=true must surface exporter init failure")
	}
}

func TestInitExporterSuccess(t *testing.T) {
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/traces") {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer collector.Close()

	u, err := url.Parse(collector.URL)
	if err != nil {
		t.Fatalf("parse collector url: %v", err)
	}
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", u.Host)
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "x-test=1")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", "1")
	t.Setenv("OTEL_REQUIRED", "true")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	shutdown, err := Init(ctx, "   ")
	if err != nil {
		t.Fatalf("expected exporter init success, got %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}

func TestInitExporterBadEndpoint(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host := ln.Addr().String()
	_ = ln.Close()

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://"+host)
	t.Setenv("OTEL_REQUIRED", "true")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Init(ctx, "jewgo-gateway"); err == nil {
		t.Fatal("expected init error for scheme-prefixed endpoint when required=true")
	}
}
