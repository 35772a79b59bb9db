// Package healthserver runs a minimal stdlib HTTP server exposing
// /health, for processes like cmd/meshflow-engine that have no other
// HTTP surface of their own. Grounded on the teacher's
// common/server/server.go graceful-shutdown wrapper, generalized from
// a fixed health body to an injected check function.
package healthserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lyzr/meshflow/internal/logger"
)

// Check reports whether the process's backing dependencies are up.
type Check func(ctx context.Context) error

// Server wraps an http.Server exposing /health, with graceful
// shutdown driven by the caller's context rather than its own signal
// handling (cmd/meshflow-engine already owns signal-triggered cancel).
type Server struct {
	httpServer *http.Server
	log        *logger.Logger
}

// New builds a Server bound to port, backed by check.
func New(name string, port int, check Check, log *logger.Logger) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler(check))

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		log: log,
	}
}

// Run starts the server and blocks until ctx is cancelled, then shuts
// down gracefully with a bounded drain window.
func (s *Server) Run(ctx context.Context) error {
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("healthserver: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Error("healthserver: graceful shutdown failed", "err", err)
			return s.httpServer.Close()
		}
		return nil
	}
}

func healthHandler(check Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := check(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}
