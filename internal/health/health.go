// Package health exposes ShareBox's PID-file lifecycle and its /healthz and
// /metrics HTTP surface.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// StatusProvider supplies the data returned by /healthz and the gauges on
// /metrics. cmd/sharebox's statusAdapter satisfies this by converting the
// result of internal/sync's Engine.GetStatus.
type StatusProvider interface {
	GetStatus() Status
}

// Status mirrors the fields of sync.Status that /healthz reports; kept as
// its own type so this package never imports internal/sync.
type Status struct {
	Running      bool
	QueueSize    int
	FilesTracked int
	CacheDir     string
	LastSync     int64
}

// ServerConfig configures the health/metrics HTTP endpoint.
type ServerConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns sane defaults for a local monitoring endpoint.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "127.0.0.1:9090",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server serves /healthz and /metrics for a running ShareBox daemon.
type Server struct {
	httpServer *http.Server
	status     StatusProvider
	metrics    *Metrics
	logger     zerolog.Logger
}

// NewServer builds a Server. metrics may be nil to disable /metrics.
func NewServer(cfg ServerConfig, status StatusProvider, metrics *Metrics, logger zerolog.Logger) *Server {
	s := &Server{status: status, metrics: metrics, logger: logger.With().Str("component", "health").Logger()}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	if metrics != nil {
		promHandler := promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{})
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			st := s.status.GetStatus()
			metrics.QueueSize.Set(float64(st.QueueSize))
			metrics.FilesTracked.Set(float64(st.FilesTracked))
			metrics.LastSync.Set(float64(st.LastSync))
			promHandler.ServeHTTP(w, r)
		})
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// StartBackground runs the HTTP server in a goroutine, logging (not
// panicking) on unexpected exit.
func (s *Server) StartBackground() {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("health server exited unexpectedly")
		}
	}()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st := s.status.GetStatus()
	body := map[string]any{
		"running":       st.Running,
		"queue_size":    st.QueueSize,
		"files_tracked": st.FilesTracked,
		"cache_dir":     st.CacheDir,
		"last_sync":     st.LastSync,
	}

	w.Header().Set("Content-Type", "application/json")
	if !st.Running {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(body)
}

// WritePIDFile writes the current process ID to path, creating parent
// directories as needed.
func WritePIDFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create pid file directory: %w", err)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}

// RemovePIDFile removes the PID file if it exists.
func RemovePIDFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return
	}
}

// IsRunning reports whether the process named in the PID file at path is
// still alive, removing a stale PID file if the process is gone.
func IsRunning(path string) bool {
	if path == "" {
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	if err := syscall.Kill(pid, 0); err != nil {
		_ = os.Remove(path)
		return false
	}
	return true
}

// ReadPID returns the PID recorded in the PID file at path, or 0 if it
// cannot be read.
func ReadPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
