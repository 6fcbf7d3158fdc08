// Package ops serves the operator surface: Prometheus metrics, the
// aggregated health verdict and a small status endpoint.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tpsl_engine/internal/core"
	"tpsl_engine/pkg/telemetry"
)

// Options configures the ops server.
type Options struct {
	Port   int
	Logger core.ILogger
	Health core.IHealthRegistry

	// Counters feeds /status with the lifetime trade tally. Optional.
	Counters func() core.Counters

	// ExecutionMode reports whether the scheduler runs in execution
	// mode. Optional.
	ExecutionMode func() bool
}

// Server exposes /metrics, /health and /status on the metrics port.
type Server struct {
	port     int
	logger   core.ILogger
	health   core.IHealthRegistry
	counters func() core.Counters
	execMode func() bool
	started  time.Time

	srv *http.Server
}

// NewServer creates the server. Call Start to begin listening.
func NewServer(opts Options) *Server {
	return &Server{
		port:     opts.Port,
		logger:   opts.Logger.WithField("component", "ops_server"),
		health:   opts.Health,
		counters: opts.Counters,
		execMode: opts.ExecutionMode,
		started:  time.Now(),
	}
}

// Start begins serving in the background.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	go func() {
		s.logger.Info("Starting ops server", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Ops server failed", "error", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping ops server")
	return s.srv.Shutdown(ctx)
}

// handleHealth answers 200 with the component map while every check
// passes, 503 otherwise. The verdict and the map come from the same
// probe run.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := s.health.GetStatus()
	healthy := true
	for _, verdict := range components {
		if verdict != "Healthy" {
			healthy = false
			break
		}
	}

	body := map[string]interface{}{
		"status":     "ok",
		"time":       time.Now().UTC(),
		"components": components,
	}
	code := http.StatusOK
	if !healthy {
		body["status"] = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

// handleStatus renders uptime, the lifetime counters and a few hot
// gauges for an operator glancing at the process.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}
	if s.counters != nil {
		c := s.counters()
		body["counters"] = map[string]interface{}{
			"total_trades": c.TotalTrades,
			"total_wins":   c.TotalWins,
			"total_losses": c.TotalLosses,
			"gross_profit": c.GrossProfit,
			"gross_loss":   c.GrossLoss,
		}
	}
	if s.execMode != nil {
		body["execution_mode"] = s.execMode()
	}
	if m := telemetry.GetGlobalMetrics(); m.Ready() {
		body["active_monitors"] = m.GetActiveMonitors()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}
