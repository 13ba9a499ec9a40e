// Package server exposes process health, status and Prometheus metrics over HTTP
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"pricestream/internal/core"
	"pricestream/pkg/telemetry"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusSource reports a component's state for /status
type StatusSource func() interface{}

type HealthServer struct {
	addr    string
	logger  core.ILogger
	srv     *http.Server
	mu      sync.RWMutex
	status  map[string]string
	sources map[string]StatusSource
	hm      core.IHealthMonitor
}

func NewHealthServer(addr string, logger core.ILogger, hm core.IHealthMonitor) *HealthServer {
	return &HealthServer{
		addr:    addr,
		logger:  logger.WithField("component", "health_server"),
		status:  make(map[string]string),
		sources: make(map[string]StatusSource),
		hm:      hm,
	}
}

// Handler returns the routed endpoints
func (s *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Run serves until ctx is done
func (s *HealthServer) Run(ctx context.Context) error {
	s.mu.Lock()
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting health server", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	}
}

func (s *HealthServer) Stop(ctx context.Context) error {
	s.mu.RLock()
	srv := s.srv
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *HealthServer) UpdateStatus(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[key] = value
}

// AddSource registers a live status section
func (s *HealthServer) AddSource(name string, src StatusSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[name] = src
}

func (s *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":  "ok",
		"time":    time.Now(),
		"metrics": telemetry.GetGlobalMetrics().Snapshot(),
	}

	code := http.StatusOK
	if s.hm != nil {
		health["components"] = s.hm.GetStatus()
		if !s.hm.IsHealthy() {
			health["status"] = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(health)
}

func (s *HealthServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	merged := make(map[string]interface{}, len(s.status)+len(s.sources))
	for k, v := range s.status {
		merged[k] = v
	}
	sources := make(map[string]StatusSource, len(s.sources))
	for k, v := range s.sources {
		sources[k] = v
	}
	s.mu.RUnlock()

	for k, src := range sources {
		merged[k] = src()
	}
	if s.hm != nil {
		merged["components"] = s.hm.GetStatus()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(merged)
}
