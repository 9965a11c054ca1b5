// Package api exposes the HTTP surface consumed by batch callers: batch
// submission, session listing, and health.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/embertool/ember/internal/chat"
	"github.com/embertool/ember/internal/logging"
	"github.com/embertool/ember/internal/relay"
)

// SessionHeader carries the originating CLI session on HTTP requests. It is
// used to select the relay connection for delegated file operations.
const SessionHeader = "X-Ember-Session"

// MaxBodySize is the maximum size of a request body (10MB).
const MaxBodySize = 10 << 20

// Config configures the API HTTP server.
type Config struct {
	// BindAddr is the address to bind the HTTP server to. Default ":8316".
	BindAddr string

	// DelegateTimeout bounds each delegated file operation.
	DelegateTimeout time.Duration
}

// DefaultConfig returns the default API configuration.
func DefaultConfig() Config {
	return Config{
		BindAddr:        ":8316",
		DelegateTimeout: relay.DefaultDelegateTimeout,
	}
}

// Server handles batch submission over HTTP.
type Server struct {
	config Config
	relay  *relay.Server
	chat   chat.Client
	srv    *http.Server
	mu     sync.Mutex
	// +checklocks:mu
	running bool
	doneCh  chan struct{}
	addr    string
}

// NewServer creates an API server delegating file operations through the
// relay and chat operations through the assistant client.
func NewServer(cfg Config, relaySrv *relay.Server, chatClient chat.Client) *Server {
	if cfg.BindAddr == "" {
		cfg.BindAddr = ":8316"
	}
	if cfg.DelegateTimeout <= 0 {
		cfg.DelegateTimeout = relay.DefaultDelegateTimeout
	}
	return &Server{
		config: cfg,
		relay:  relaySrv,
		chat:   chatClient,
	}
}

// Start begins listening for API requests.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("api server already running")
	}
	s.doneCh = make(chan struct{})
	s.running = true
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/batch", s.handleBatch)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})

	s.srv = &http.Server{
		Addr:              s.config.BindAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ln, err := net.Listen("tcp", s.config.BindAddr)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("listen on %s: %w", s.config.BindAddr, err)
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	slog.Info("api server started", "addr", ln.Addr().String())

	go func() {
		defer logging.LogPanic("api-server", nil)
		defer close(s.doneCh)

		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or empty string if not started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	if s.srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown api server: %w", err)
	}

	<-s.doneCh

	slog.Info("api server stopped")
	return nil
}

// IsRunning returns true if the API server is running.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// handleSessions returns a snapshot of registered agent connections.
func (s *Server) handleSessions(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := s.relay.Registry().Sessions()
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}
