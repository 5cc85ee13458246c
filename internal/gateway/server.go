// Package gateway exposes the runtime's opaque health surface over HTTP.
// It carries no authentication and no remote-control protocol; the single
// endpoint reports the health monitor's latest aggregate and per-probe
// statuses.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dohr-michael/ozzie/internal/supervision"
)

// HealthSource provides the statuses the endpoint reports. Implemented by
// supervision.Monitor.
type HealthSource interface {
	RunOnce(ctx context.Context) supervision.HealthStatus
	Latest() map[string]supervision.HealthStatus
}

// Server serves the health endpoint.
type Server struct {
	httpServer *http.Server
	source     HealthSource
	host       string
	port       int
}

// NewServer creates a health server bound to host:port.
func NewServer(source HealthSource, host string, port int) *Server {
	s := &Server{source: source, host: host, port: port}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Get("/api/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

type healthCheckView struct {
	Name         string `json:"name"`
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
	ResponseTime string `json:"response_time"`
}

type healthView struct {
	Overall string            `json:"overall"`
	Checks  []healthCheckView `json:"checks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	overall := s.source.RunOnce(r.Context())
	elapsed := time.Since(start)

	view := healthView{Overall: overall.Kind.String()}
	for name, status := range s.source.Latest() {
		view.Checks = append(view.Checks, healthCheckView{
			Name:         name,
			Status:       status.Kind.String(),
			Reason:       status.Reason,
			ResponseTime: elapsed.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if overall.Kind == supervision.Unhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(view)
}

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", s.httpServer.Addr, err)
	}
	slog.Info("health endpoint listening", "addr", s.httpServer.Addr)

	errc := make(chan error, 1)
	go func() { errc <- s.httpServer.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		return nil
	case err := <-errc:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
