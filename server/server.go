// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/nekoconer/Azure-SharePoint-AI-Search/dispatch"
	"github.com/nekoconer/Azure-SharePoint-AI-Search/pkg/sharepoint"
)

// DefaultMaxBodyBytes limits a notification POST body.
const DefaultMaxBodyBytes = 1 << 20

// Queue accepts notification tasks.
type Queue interface {
	Enqueue(task sharepoint.Task) bool
	Stats() dispatch.Stats
}

// Sweeper enqueues a sync for every known subscription.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Server handles HTTP requests.
type Server struct {
	queue        Queue
	sweeper      Sweeper
	logger       *slog.Logger
	clientState  string
	maxBodyBytes int64
}

// Config holds server configuration.
type Config struct {
	Queue   Queue
	Sweeper Sweeper
	Logger  *slog.Logger
	// ClientState, when set, must match the clientState of every accepted notification.
	ClientState  string
	MaxBodyBytes int64
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	s := &Server{
		queue:        cfg.Queue,
		sweeper:      cfg.Sweeper,
		logger:       cfg.Logger,
		clientState:  cfg.ClientState,
		maxBodyBytes: cfg.MaxBodyBytes,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.maxBodyBytes <= 0 {
		s.maxBodyBytes = DefaultMaxBodyBytes
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/notify", s.handleNotify)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/resyncz", s.handleResync)
	return mux
}

// ListenAndServe serves on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body := struct {
		Status     string         `json:"status"`
		Dispatcher dispatch.Stats `json:"dispatcher"`
	}{Status: "healthy", Dispatcher: s.queue.Stats()}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Resync endpoint triggered")

	n, err := s.sweeper.Sweep(r.Context())
	if err != nil {
		s.logger.Error("Resync sweep failed", "error", err)
		http.Error(w, "Resync failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]any{"status": "completed", "enqueued": n}); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
