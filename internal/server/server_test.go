package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/upscalerd/internal/observability"
	"github.com/danmuck/upscalerd/internal/testutil/testlog"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthAndStatusRoutes(t *testing.T) {
	logger := testlog.Start(t)
	s := New(Config{}, func() any {
		return map[string]any{"state": "ready", "served": 3}
	}, logger)

	rec := get(t, s.Handler(), "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: unexpected status %d", rec.Code)
	}

	rec = get(t, s.Handler(), "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: unexpected status %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if body["state"] != "ready" || body["served"] != float64(3) {
		t.Fatalf("unexpected status body: %v", body)
	}
	logger.Info().Interface("status", body).Msg("admin status served")
}

func TestStatusWithoutSession(t *testing.T) {
	s := New(Config{}, nil, testlog.Start(t))
	if rec := get(t, s.Handler(), "/status"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestMetricsRouteExposesSessionCounters(t *testing.T) {
	s := New(Config{}, nil, testlog.Start(t))
	observability.RecordRequest("v2", "ok", 10*time.Millisecond)

	rec := get(t, s.Handler(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: unexpected status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "upscalerd_session_requests_total") {
		t.Fatalf("metrics output missing session counter")
	}
}

func TestCorsHeadersWhenOriginsConfigured(t *testing.T) {
	s := New(Config{CorsOrigins: []string{"http://localhost:3000"}}, nil, testlog.Start(t))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("unexpected allow-origin header %q", got)
	}
}

func TestServeListenerStopsOnCancel(t *testing.T) {
	s := New(Config{ShutdownTimeout: time.Second}, nil, testlog.Start(t))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ServeListener(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("server did not stop")
	}
}
