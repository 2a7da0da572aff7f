// Package statusserver exposes the orchestrator's state and a live log
// stream over a local HTTP port in attached mode.
package statusserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"limbic/internal/logging"
)

// ServiceStatus is one managed process as reported by /status.
type ServiceStatus struct {
	Role    string `json:"role"`
	PID     int    `json:"pid"`
	Port    int    `json:"port"`
	Alive   bool   `json:"alive"`
	LogPath string `json:"log_path"`
}

// Status is the /status response body.
type Status struct {
	State    string          `json:"state"`
	Services []ServiceStatus `json:"services"`
}

// Provider reports the supervisor's current view.
type Provider interface {
	Status() Status
}

type Server struct {
	logger     *logging.Logger
	provider   Provider
	httpServer *http.Server
	listener   net.Listener
}

func New(port int, provider Provider, logger *logging.Logger) *Server {
	server := &Server{
		logger:   logger,
		provider: provider,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", server.handleStatus)
	mux.HandleFunc("/ws/logs", server.handleLogs)
	server.httpServer = &http.Server{
		Addr:              net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server
}

// Start binds the listener synchronously so port conflicts surface to the
// caller, then serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("status server listen: %w", err)
	}
	s.listener = listener
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if s.logger != nil {
				s.logger.Warn("status server stopped", map[string]string{
					"error": err.Error(),
				})
			}
		}
	}()
	if s.logger != nil {
		s.logger.Info("status server listening", map[string]string{
			"addr": listener.Addr().String(),
		})
	}
	return nil
}

// Addr returns the bound address, empty before Start.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var status Status
	if s.provider != nil {
		status = s.provider.Status()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil && s.logger != nil {
		s.logger.Warn("status encode failed", map[string]string{
			"error": err.Error(),
		})
	}
}

var upgrader = websocket.Upgrader{
	// The server binds loopback only; origin checks add nothing for a
	// local dev tool.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleLogs replays the buffered entries, then streams live ones until the
// client goes away.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logger == nil {
		http.Error(w, "log stream unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", map[string]string{
			"error": err.Error(),
		})
		return
	}
	defer conn.Close()

	entries, cancel := s.logger.Subscribe()
	defer cancel()

	for _, entry := range s.logger.Buffer().List() {
		if err := conn.WriteJSON(entry); err != nil {
			return
		}
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return
			}
			if err := conn.WriteJSON(entry); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
