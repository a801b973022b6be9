package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

type contextKey string

const requestScopeKey contextKey = "httpserver.request.scope"

// Probe and scrape endpoints are polled constantly; their access log stays at
// debug unless they fail.
var quietPaths = map[string]struct{}{
	"/healthz":     {},
	"/readyz":      {},
	"/api/healthz": {},
	"/api/readyz":  {},
	"/metrics":     {},
}

// requestScope is shared between the logging middleware and the handler so
// that attributes resolved by routing end up on the access log line.
type requestScope struct {
	logger   *slog.Logger
	gpuID    string
	resource string
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rec *statusRecorder) WriteHeader(status int) {
	if rec.status == 0 {
		rec.status = status
	}
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	n, err := rec.ResponseWriter.Write(b)
	rec.bytes += int64(n)
	return n, err
}

func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := s.logger.With(
			"req_id", s.requestIDs.Add(1),
			"method", r.Method,
			"path", r.URL.Path,
		)
		if r.RemoteAddr != "" {
			logger = logger.With("remote_addr", r.RemoteAddr)
		}

		scope := &requestScope{logger: logger}
		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()

		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestScopeKey, scope)))

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		attrs := []any{"status", status, "duration", time.Since(start), "bytes", rec.bytes}
		if scope.resource != "" {
			attrs = append(attrs, "resource", scope.resource)
		}
		scope.logger.Log(r.Context(), accessLogLevel(r.URL.Path, status), "request complete", attrs...)
	})
}

func accessLogLevel(path string, status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelWarn
	case status >= http.StatusBadRequest:
		return slog.LevelInfo
	}
	if _, quiet := quietPaths[path]; quiet {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// tagGPURequest attaches the addressed GPU to the request logger, so both
// handler logs and the access log carry gpu_id.
func tagGPURequest(r *http.Request, gpuID, resource string) {
	scope, ok := r.Context().Value(requestScopeKey).(*requestScope)
	if !ok || scope == nil {
		return
	}
	if scope.gpuID == "" && gpuID != "" {
		scope.gpuID = gpuID
		scope.logger = scope.logger.With("gpu_id", gpuID)
	}
	scope.resource = resource
}

func (s *Server) loggerFromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if scope, ok := ctx.Value(requestScopeKey).(*requestScope); ok && scope != nil {
			return scope.logger
		}
	}
	return s.logger
}
