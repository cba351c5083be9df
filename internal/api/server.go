package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"telenode/internal/auth"
	"telenode/internal/dispatcher"
	"telenode/pkg/plugin"

	"go.uber.org/zap"
)

// PluginLister reports the status of every registered plugin
type PluginLister interface {
	List() []plugin.Status
}

// AuthReporter reports authorization metrics
type AuthReporter interface {
	Metrics() auth.Metrics
}

// DispatchReporter reports event bus counters
type DispatchReporter interface {
	Stats() dispatcher.Stats
}

// Connectivity reports whether the chat transport is connected
type Connectivity interface {
	IsConnected() bool
}

// Sources are the components the API reads from. Nil sources answer 503.
type Sources struct {
	Plugins    PluginLister
	Auth       AuthReporter
	Dispatcher DispatchReporter
	Transport  Connectivity
}

// Server provides HTTP status endpoints for the bot runtime
type Server struct {
	src     Sources
	logger  *zap.Logger
	server  *http.Server
	started time.Time
}

// NewServer creates a new API server
func NewServer(src Sources, logger *zap.Logger, port int) *Server {
	s := &Server{
		src:     src,
		logger:  logger.Named("api"),
		started: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSitemap)
	mux.HandleFunc("/api/plugins", s.handlePlugins)
	mux.HandleFunc("/api/auth", s.handleAuth)
	mux.HandleFunc("/api/dispatcher", s.handleDispatcher)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the routing table, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// PluginsResponse is the JSON body of /api/plugins
type PluginsResponse struct {
	Plugins []plugin.Status `json:"plugins"`
	Active  int             `json:"active"`
	Total   int             `json:"total"`
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	s.logger.Debug("Request served",
		zap.String("path", r.URL.Path),
		zap.String("remote_addr", r.RemoteAddr))
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func unavailable(w http.ResponseWriter, what string) {
	http.Error(w, what+" not available", http.StatusServiceUnavailable)
}

// handlePlugins returns the lifecycle status of every plugin
func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.src.Plugins == nil {
		unavailable(w, "Plugin manager")
		return
	}

	list := s.src.Plugins.List()
	resp := PluginsResponse{Plugins: list, Total: len(list)}
	for _, st := range list {
		if st.State == "ACTIVE" {
			resp.Active++
		}
	}
	s.writeJSON(w, r, resp)
}

// handleAuth returns authorization metrics including cache statistics
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.src.Auth == nil {
		unavailable(w, "Authorization service")
		return
	}
	s.writeJSON(w, r, s.src.Auth.Metrics())
}

// handleDispatcher returns event bus counters
func (s *Server) handleDispatcher(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.src.Dispatcher == nil {
		unavailable(w, "Dispatcher")
		return
	}
	s.writeJSON(w, r, s.src.Dispatcher.Stats())
}

// HealthResponse is the JSON body of /health
type HealthResponse struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
	Uptime    string `json:"uptime"`
}

// handleHealth reports ok, or degraded while the transport is disconnected
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	resp := HealthResponse{
		Status:    "ok",
		Connected: true,
		Uptime:    time.Since(s.started).Truncate(time.Second).String(),
	}
	if s.src.Transport != nil && !s.src.Transport.IsConnected() {
		resp.Status = "degraded"
		resp.Connected = false
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
	{Path: "/api/plugins", Method: "GET", Description: "Plugin descriptors, lifecycle state and activation flag"},
	{Path: "/api/auth", Method: "GET", Description: "Authorization metrics and cache statistics"},
	{Path: "/api/dispatcher", Method: "GET", Description: "Event bus counters"},
	{Path: "/health", Method: "GET", Description: "Health check endpoint - returns {\"status\": \"ok\"}"},
}

// handleSitemap returns a list of all available API endpoints
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	// Only handle requests to the root path
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if !allowGet(w, r) {
		return
	}

	accept := r.Header.Get("Accept")
	preferHTML := strings.HasPrefix(accept, "text/html")

	// Return 404 status code (for automation compatibility) but with helpful body
	if preferHTML {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, "<!DOCTYPE html>\n<html>\n<head><title>TeleNode API</title></head>\n<body>\n<h1>TeleNode API</h1>\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "<div><b>%s</b> <a href=\"%s\">%s</a> - %s</div>\n", ep.Method, ep.Path, ep.Path, ep.Description)
		}
		fmt.Fprint(w, "</body>\n</html>\n")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, "TeleNode API\n")
		fmt.Fprintf(w, "============\n\n")
		fmt.Fprintf(w, "Available endpoints:\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-10s %-20s %s\n", ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "\nExample:\n\n")
		fmt.Fprintf(w, "  curl http://localhost:8001/api/plugins | jq\n")
	}

	s.logger.Debug("Sitemap request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Bool("html_format", preferHTML))
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
