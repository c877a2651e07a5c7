// Package web mounts the hub's HTTP surface: the websocket endpoint, a
// health summary and Prometheus metrics.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cba-labs/starlight-hub/internal/hub"
	"github.com/cba-labs/starlight-hub/internal/logging"
	"github.com/cba-labs/starlight-hub/internal/protocol"
)

// Server is the hub's HTTP listener.
type Server struct {
	log     *logging.Logger
	hub     *hub.Hub
	version string
	srv     *http.Server
}

// New builds the server on the given port.
func New(log *logging.Logger, h *hub.Hub, port int, version string) *Server {
	s := &Server{
		log:     log.With("component", "web"),
		hub:     h,
		version: version,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.Gateway().ServeWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start runs the listener until it fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	agents := make([]map[string]any, 0)
	for _, info := range s.hub.Agents() {
		agents = append(agents, map[string]any{
			"layer":        info.Layer,
			"priority":     info.Priority,
			"capabilities": info.Capabilities,
		})
	}

	payload := map[string]any{
		"status":   "ok",
		"version":  s.version,
		"protocol": protocol.HubProtocolVersion,
		"uptime":   s.hub.Uptime().Round(time.Second).String(),
		"agents":   agents,
		"mission": map[string]any{
			"active":      s.hub.Active(),
			"queueLength": s.hub.QueueLen(),
			"isLocked":    s.hub.Locked(),
		},
		"security": map[string]any{
			"authEnabled": s.hub.AuthEnabled(),
			"tlsEnabled":  false,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Warn("health encode failed", "error", err)
	}
}
