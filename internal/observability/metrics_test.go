package observability

import (
	"testing"
	"time"

	"github.com/danmuck/upscalerd/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	logger := testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("GET", "/healthz", 200, 2*time.Millisecond)
	RecordImage("realcugan", 40*time.Millisecond, true)
	RecordFrameError("too_large")
	SessionOpened()
	SessionClosed()

	before := testutil.ToFloat64(sessionRequests.WithLabelValues("keepalive", "engine_error"))
	RecordRequest("keepalive", "engine_error", 5*time.Millisecond)
	after := testutil.ToFloat64(sessionRequests.WithLabelValues("keepalive", "engine_error"))
	if after-before != 1 {
		t.Fatalf("expected counter to advance by 1, got %v -> %v", before, after)
	}
	if got := testutil.ToFloat64(activeSessions); got != 0 {
		t.Fatalf("expected no active sessions, got %v", got)
	}
	logger.Info().Msg("registration idempotent and recording paths executed")
}
