// Package httpserver publishes sampler snapshots and on-demand controller
// queries over HTTP.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skobkin/gpucontrold/internal/api"
	"github.com/skobkin/gpucontrold/internal/config"
	"github.com/skobkin/gpucontrold/internal/controller"
	"github.com/skobkin/gpucontrold/internal/gpu"
	"github.com/skobkin/gpucontrold/internal/sampler"
	"github.com/skobkin/gpucontrold/internal/schema"
	"github.com/skobkin/gpucontrold/internal/version"
)

const (
	readHeaderTimeout  = 5 * time.Second
	defaultInfoTimeout = 10 * time.Second
)

// Server wraps the HTTP surface area of the application.
type Server struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	gpus       []gpu.Info
	gpuIndex   map[string]gpu.Info
	sampler    *sampler.Manager

	requestIDs atomic.Uint64
}

// New assembles a Server with its handlers.
func New(cfg config.Config, logger *slog.Logger, gpus []gpu.Info, samplerManager *sampler.Manager) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		gpus:     gpus,
		gpuIndex: make(map[string]gpu.Info, len(gpus)),
		sampler:  samplerManager,
	}

	for _, info := range gpus {
		s.gpuIndex[info.ID] = info
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/api/readyz", s.handleReadyz)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api/gpus", s.handleAPIGPUs)
	mux.HandleFunc("/api/gpus/{id}/{resource}", s.handleAPIGPUSubresource)

	if cfg.EnablePrometheus {
		s.registerPrometheus(mux)
	}
	if cfg.EnablePprof {
		registerPprof(mux)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.withRequestLogging(mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// Start begins serving HTTP until shutdown is requested.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("listener stopped")
	return nil
}

// Shutdown attempts a graceful shutdown within the supplied context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet {
		return true
	}
	w.Header().Set("Allow", http.MethodGet)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.loggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, gpuID, message string) {
	s.writeJSON(w, r, status, api.ErrorResponse{Error: message, GPUId: gpuID})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	info := s.readiness()
	statusCode := http.StatusOK
	if info.Status != "ok" {
		statusCode = http.StatusServiceUnavailable
	}
	s.writeJSON(w, r, statusCode, info)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	s.writeJSON(w, r, http.StatusOK, version.Current())
}

func (s *Server) handleAPIGPUs(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	payload := make([]api.GPU, 0, len(s.gpus))
	for _, info := range s.gpus {
		var deviceType schema.DeviceType
		if s.sampler != nil {
			_ = s.sampler.Do(info.ID, func(c controller.GPUController) error {
				deviceType = c.DeviceType()
				return nil
			})
		}
		payload = append(payload, api.NewGPU(info, deviceType))
	}
	s.writeJSON(w, r, http.StatusOK, payload)
}

func (s *Server) handleAPIGPUSubresource(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	gpuID := r.PathValue("id")
	tagGPURequest(r, gpuID, r.PathValue("resource"))
	if _, ok := s.gpuIndex[gpuID]; !ok {
		s.writeError(w, r, http.StatusNotFound, gpuID, "unknown gpu")
		return
	}
	if s.sampler == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, gpuID, "sampler unavailable")
		return
	}

	switch r.PathValue("resource") {
	case "stats":
		s.serveGPUStats(w, r, gpuID)
	case "procs":
		s.serveGPUProcs(w, r, gpuID)
	case "info":
		s.serveGPUInfo(w, r, gpuID)
	case "clocks":
		s.serveGPUClocks(w, r, gpuID)
	case "profiles":
		s.serveGPUProfiles(w, r, gpuID)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) serveGPUStats(w http.ResponseWriter, r *http.Request, gpuID string) {
	sample, ok := s.sampler.Latest(gpuID)
	if !ok {
		s.writeError(w, r, http.StatusServiceUnavailable, gpuID, "no sample available")
		return
	}
	s.writeJSON(w, r, http.StatusOK, sample)
}

func (s *Server) serveGPUProcs(w http.ResponseWriter, r *http.Request, gpuID string) {
	sample, ok := s.sampler.Latest(gpuID)
	if !ok || sample.Processes == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, gpuID, "no process data available")
		return
	}
	s.writeJSON(w, r, http.StatusOK, sample.Processes)
}

func (s *Server) serveGPUInfo(w http.ResponseWriter, r *http.Request, gpuID string) {
	timeout := s.cfg.Probe.Timeout
	if timeout <= 0 {
		timeout = defaultInfoTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	var info schema.DeviceInfo
	err := s.sampler.Do(gpuID, func(c controller.GPUController) error {
		info = c.GetInfo(ctx)
		return nil
	})
	if err != nil {
		s.writeControllerError(w, r, gpuID, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, info)
}

type clocksResponse struct {
	Clocks      schema.ClocksInfo  `json:"clocks"`
	PowerStates schema.PowerStates `json:"power_states"`
}

func (s *Server) serveGPUClocks(w http.ResponseWriter, r *http.Request, gpuID string) {
	gpuCfg, _ := s.sampler.Config(gpuID)

	var resp clocksResponse
	err := s.sampler.Do(gpuID, func(c controller.GPUController) error {
		clocks, err := c.GetClocksInfo(gpuCfg)
		if err != nil {
			return err
		}
		resp.Clocks = clocks
		resp.PowerStates = c.GetPowerStates(gpuCfg)
		return nil
	})
	if err != nil {
		s.writeControllerError(w, r, gpuID, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) serveGPUProfiles(w http.ResponseWriter, r *http.Request, gpuID string) {
	var table schema.PowerProfileModesTable
	err := s.sampler.Do(gpuID, func(c controller.GPUController) error {
		var err error
		table, err = c.GetPowerProfileModes()
		return err
	})
	if err != nil {
		s.writeControllerError(w, r, gpuID, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, table)
}

func (s *Server) writeControllerError(w http.ResponseWriter, r *http.Request, gpuID string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, controller.ErrUnsupported):
		status = http.StatusNotImplemented
	case errors.Is(err, sampler.ErrUnknownGPU):
		status = http.StatusNotFound
	default:
		s.loggerFromContext(r.Context()).Warn("controller request failed", "err", err)
	}
	s.writeError(w, r, status, gpuID, err.Error())
}

func (s *Server) registerPrometheus(mux *http.ServeMux) {
	registry := prometheus.NewRegistry()
	collectors := []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests served since start.",
		}, func() float64 {
			return float64(s.requestIDs.Load())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "gpus",
			Help:      "Number of GPUs discovered at startup.",
		}, func() float64 {
			return float64(len(s.gpus))
		}),
	}

	if gpuCollector := newGPUMetricsCollector(s.sampler); gpuCollector != nil {
		collectors = append(collectors, gpuCollector)
	}

	for _, collector := range collectors {
		registry.MustRegister(collector)
	}

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}

func registerPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

func (s *Server) readiness() readyResponse {
	resp := readyResponse{
		GPUs: len(s.gpus),
	}

	if len(s.gpus) == 0 {
		resp.Status = "ok"
		return resp
	}

	if s.sampler == nil {
		resp.Status = "degraded"
		resp.Reason = "sampler_not_configured"
		return resp
	}

	controllers := s.sampler.GPUIDs()
	resp.Controllers = len(controllers)
	if len(controllers) == 0 {
		resp.Status = "degraded"
		resp.Reason = "no_controllers"
		return resp
	}

	if s.sampler.Ready() {
		resp.Status = "ok"
		return resp
	}

	resp.Status = "initializing"
	resp.Reason = "waiting_for_samples"
	return resp
}

type readyResponse struct {
	Status      string `json:"status"`
	GPUs        int    `json:"gpus"`
	Controllers int    `json:"controllers"`
	Reason      string `json:"reason,omitempty"`
}
