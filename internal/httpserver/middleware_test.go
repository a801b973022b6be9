package httpserver

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/skobkin/gpucontrold/internal/gpu"
)

func serveLogged(t *testing.T, srv *Server, path string) (int, string) {
	t.Helper()
	var logs bytes.Buffer
	srv.logger = slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code, logs.String()
}

func TestRequestLogCarriesGPUID(t *testing.T) {
	t.Parallel()

	manager := newTestManager(t, nil)
	runManager(t, manager)
	srv, _ := newTestHTTPServer(t, defaultTestConfig(), []gpu.Info{{ID: "card0"}}, manager)

	status, logs := serveLogged(t, srv, "/api/gpus/card0/stats")
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	for _, want := range []string{"level=INFO", `msg="request complete"`, "gpu_id=card0", "resource=stats", "status=200"} {
		if !strings.Contains(logs, want) {
			t.Fatalf("expected %q in access log, got:\n%s", want, logs)
		}
	}

	status, logs = serveLogged(t, srv, "/api/gpus/card9/info")
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
	if !strings.Contains(logs, "gpu_id=card9") || !strings.Contains(logs, "status=404") {
		t.Fatalf("unexpected access log:\n%s", logs)
	}
}

func TestProbeRequestsLogAtDebug(t *testing.T) {
	t.Parallel()

	srv, _ := newTestHTTPServer(t, defaultTestConfig(), nil, nil)

	_, logs := serveLogged(t, srv, "/healthz")
	if !strings.Contains(logs, "level=DEBUG") || strings.Contains(logs, "gpu_id=") {
		t.Fatalf("unexpected access log for /healthz:\n%s", logs)
	}

	_, logs = serveLogged(t, srv, "/version")
	if !strings.Contains(logs, "level=INFO") {
		t.Fatalf("expected info access log for /version, got:\n%s", logs)
	}
}

func TestAccessLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path   string
		status int
		want   slog.Level
	}{
		{"/healthz", http.StatusOK, slog.LevelDebug},
		{"/metrics", http.StatusOK, slog.LevelDebug},
		{"/readyz", http.StatusServiceUnavailable, slog.LevelWarn},
		{"/api/gpus", http.StatusOK, slog.LevelInfo},
		{"/api/gpus/card0/stats", http.StatusNotFound, slog.LevelInfo},
		{"/api/gpus/card0/info", http.StatusInternalServerError, slog.LevelWarn},
	}
	for _, tc := range cases {
		if got := accessLogLevel(tc.path, tc.status); got != tc.want {
			t.Fatalf("accessLogLevel(%q, %d) = %v, want %v", tc.path, tc.status, got, tc.want)
		}
	}
}
