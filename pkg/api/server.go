// Package api exposes the daemon's local HTTP surface: a liveness probe,
// the Prometheus exposition endpoint, and a small read/cancel API over the
// upload transfer records. It binds to loopback by default and carries no
// authentication; it is not meant to face the network.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/soulseekd/soulseekd/internal/logger"
	"github.com/soulseekd/soulseekd/pkg/transfers"
)

// Server is the API HTTP server. Create it with NewServer and run it with
// Start; it shuts down gracefully when the context is cancelled.
type Server struct {
	server       *http.Server
	shutdownOnce sync.Once
}

// NewServer creates the API server listening on addr.
func NewServer(addr string, store *transfers.Store, uploads UploadController) *Server {
	return &Server{
		server: &http.Server{
			Addr:         addr,
			Handler:      NewRouter(store, uploads),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start serves requests until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("API server listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		// A fresh context: the cancelled one would abort the drain.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("API server failed: %w", err)
	}
}

// Stop drains in-flight requests and closes the listener. Safe to call
// multiple times and concurrently with Start.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("API server shutdown: %w", err)
		} else {
			logger.Info("API server stopped")
		}
	})
	return shutdownErr
}
