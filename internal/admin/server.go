// Package admin exposes the administrative HTTP surface: /status, /servers,
// /reload, /healthz, and the Prometheus /metrics endpoint. It never carries
// SQL traffic — reload and status are the only mutating/inspecting
// operations this surface offers.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pgvictoria/pgvictoria/internal/config"
	"github.com/pgvictoria/pgvictoria/internal/health"
	"github.com/pgvictoria/pgvictoria/internal/metrics"
)

// Server is the admin HTTP server.
type Server struct {
	store      *config.Store
	health     *health.Checker
	metrics    *metrics.Collector
	logger     *slog.Logger
	httpServer *http.Server
	startTime  time.Time
	bind       string
}

// New creates an admin Server bound to bind (host:port).
func New(store *config.Store, hc *health.Checker, m *metrics.Collector, logger *slog.Logger, bind string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:     store,
		health:    hc,
		metrics:   m,
		logger:    logger,
		startTime: time.Now(),
		bind:      bind,
	}
}

// Start begins serving the admin HTTP surface in the background.
func (s *Server) Start() error {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/servers", s.serversHandler).Methods("GET")
	r.HandleFunc("/reload", s.reloadHandler).Methods("POST")
	r.HandleFunc("/healthz", s.healthzHandler).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})).Methods("GET")

	s.httpServer = &http.Server{
		Addr:         s.bind,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.logger.Info("admin surface listening", "addr", s.bind)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin server error", "err", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the admin server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m := s.store.Load()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"num_servers":    len(m.Servers),
		"num_users":      len(m.Users),
		"host":           m.Host,
		"log_level":      m.LogLevel,
	})
}

type serverStatus struct {
	Name   string              `json:"name"`
	Host   string              `json:"host"`
	Port   int                 `json:"port"`
	Health health.ServerHealth `json:"health"`
}

func (s *Server) serversHandler(w http.ResponseWriter, r *http.Request) {
	m := s.store.Load()
	result := make([]serverStatus, 0, len(m.Servers))
	for _, srv := range m.Servers {
		ss := serverStatus{Name: srv.Name, Host: srv.Host, Port: srv.Port}
		if s.health != nil {
			ss.Health = s.health.Get(srv.Name)
		}
		result = append(result, ss)
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) reloadHandler(w http.ResponseWriter, r *http.Request) {
	m := s.store.Load()
	result, err := s.store.Reload(m.MainConfigPath)
	if err != nil {
		status := http.StatusInternalServerError
		if cerr, ok := err.(*config.Error); ok {
			switch cerr.Status {
			case config.StatusValidationFailed, config.StatusUserCountExceeded:
				status = http.StatusBadRequest
			case config.StatusMasterKeyMissing, config.StatusFileNotFound:
				status = http.StatusInternalServerError
			}
		}
		if s.metrics != nil {
			s.metrics.ReloadCompleted("failed", 0, 0, 0)
		}
		writeError(w, status, fmt.Sprintf("reload failed: %v", err))
		return
	}

	if s.metrics != nil {
		result2 := "applied"
		if result.RestartRequired {
			result2 = "restart-required"
		}
		s.metrics.ReloadCompleted(result2, len(result.HotChanges), len(result.LogRestartChanges), len(result.RestartChanges))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"changed":          result.Changed(),
		"restart_required": result.RestartRequired,
		"summary":          result.Summary(),
	})
}

// healthzHandler is a liveness probe: it always answers 200 once the
// process has completed startup, regardless of backend health. Readiness
// information (which backends are down) belongs to /status and /servers,
// not to the status code here — an orchestrator restarting the process
// over an unhealthy backend would not fix the backend.
func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "unknown"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  boolToStatus(s.health.OverallHealthy()),
		"servers": s.health.All(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
