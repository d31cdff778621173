// Package frontend is the HTTP+WebSocket mirror and management surface: it
// rebroadcasts gateway events to connected sockets and exposes a small REST
// API over the running gateway.
package frontend

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"meshbridge/internal/gateway"
)

// ServerOption configures the frontend server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication for /api/ endpoints.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// Server is the HTTP server for the mirror and management surface.
type Server struct {
	args           gateway.Args
	wsHub          *Hub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	permit         permitState
}

// NewServer creates a frontend server over the shared gateway handles. The
// caller owns the hub's Close.
func NewServer(args gateway.Args, opts ...ServerOption) *Server {
	s := &Server{
		args:   args,
		logger: args.Logger.With("component", "frontend"),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.permit.enabled = args.Config.PermitJoin
	s.wsHub = NewHub(s.logger)
	s.routes()
	return s
}

// Hub exposes the WebSocket hub for lifecycle management and broadcasting.
func (s *Server) Hub() *Hub {
	return s.wsHub
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/settings/mqtt", s.handleGetMQTTSettings)
	s.mux.HandleFunc("PUT /api/settings/mqtt", s.handleUpdateMQTTSettings)
	s.mux.HandleFunc("GET /api/devices", s.handleListDevices)
	s.mux.HandleFunc("DELETE /api/devices/{id}", s.handleDeleteDevice)
	s.mux.HandleFunc("PATCH /api/devices/{id}", s.handleSetAlias)
	s.mux.HandleFunc("GET /api/permit-join", s.handleGetPermitJoin)
	s.mux.HandleFunc("PUT /api/permit-join", s.handleSetPermitJoin)
	s.mux.HandleFunc("GET /api/blocklist", s.handleGetBlocklist)
	s.mux.HandleFunc("POST /api/blocklist", s.handleAddBlock)
	s.mux.HandleFunc("DELETE /api/blocklist/{id}", s.handleRemoveBlock)
	s.mux.HandleFunc("GET /api/log-level", s.handleGetLogLevel)
	s.mux.HandleFunc("PUT /api/log-level", s.handleSetLogLevel)
	s.mux.HandleFunc("GET /api/logs/bundle", s.handleLogBundle)
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and readiness middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api/") {
		if s.apiKey != "" {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				s.writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		// Mid-restart the gateway handles are in flux, so the API refuses
		// work until the controller is started again.
		if s.args.Status() != gateway.StatusStarted {
			s.writeError(w, http.StatusServiceUnavailable, "gateway is not started")
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// writeOK responds with the success envelope, merging extra fields into it.
func (s *Server) writeOK(w http.ResponseWriter, extra map[string]any) {
	body := map[string]any{"error": "OK"}
	for k, v := range extra {
		body[k] = v
	}
	s.writeJSON(w, http.StatusOK, body)
}

// writeError responds with the failure envelope.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{"error": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response", "err", err)
	}
}
