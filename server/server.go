// Package server exposes a running testbed over HTTP: the latest monitor
// snapshot, the final report, Prometheus metrics and a live WebSocket feed.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/dglo/trigger-testbed-sub000/internal/monitor"
	"github.com/dglo/trigger-testbed-sub000/internal/runner"
)

// Server serves run status over HTTP
type Server struct {
	addr       string
	config     *Config
	startTime  time.Time
	httpServer *http.Server
	hub        *hub

	mu       sync.RWMutex
	snapshot *monitor.Snapshot
	report   *runner.Report

	closing   chan struct{}
	closeOnce sync.Once
}

// Config configures the server
type Config struct {
	Addr            string
	RunName         string
	EnableWebSocket bool
	// Metrics serves /metrics when set
	Metrics http.Handler
	Version string
}

// New creates a new HTTP server
func New(config *Config) *Server {
	if config.Version == "" {
		config.Version = "dev"
	}

	s := &Server{
		addr:      config.Addr,
		config:    config,
		startTime: time.Now(),
		hub:       newHub(),
		closing:   make(chan struct{}),
	}

	s.httpServer = &http.Server{
		Addr:              config.Addr,
		Handler:           s.createHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown closes live feeds and gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })
	return s.httpServer.Shutdown(ctx)
}

// Publish records the latest snapshot and pushes it to WebSocket clients
func (s *Server) Publish(snap monitor.Snapshot) {
	s.mu.Lock()
	s.snapshot = &snap
	s.mu.Unlock()

	s.broadcast("snapshot", snap)
}

// SetReport records the final report and pushes it to WebSocket clients
func (s *Server) SetReport(report *runner.Report) {
	s.mu.Lock()
	s.report = report
	s.mu.Unlock()

	s.broadcast("report", report)
}

func (s *Server) broadcast(kind string, data interface{}) {
	msg, err := json.Marshal(Message{Type: kind, Data: data})
	if err != nil {
		return
	}
	s.hub.broadcast(msg)
}

func (s *Server) latest() (*monitor.Snapshot, *runner.Report) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot, s.report
}

// createHandler creates the HTTP handler with all routes
func (s *Server) createHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /status", s.handleStatus())
	mux.HandleFunc("GET /report", s.handleReport())

	if s.config.Metrics != nil {
		mux.Handle("GET /metrics", s.config.Metrics)
	}

	if s.config.EnableWebSocket {
		mux.HandleFunc("GET /ws", s.handleWebSocket())
	}

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			s.handleRoot()(w, r)
			return
		}
		sendJSON(w, 404, map[string]string{"error": "not found"})
	})

	return corsMiddleware(mux)
}
