// Package server exposes the coordinator's HTTP and websocket surface.
// Handlers call the store, the printer registry, and the port resolver
// directly; there are no internal HTTP hops.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/makerhub/printfarm/events"
	"github.com/makerhub/printfarm/files"
	"github.com/makerhub/printfarm/ports"
	"github.com/makerhub/printfarm/printer"
	"github.com/makerhub/printfarm/storage"
)

// Config holds what the HTTP layer needs from the application config.
type Config struct {
	Host          string
	Port          int
	RetentionDays int
}

// Server is the coordinator's HTTP/WebSocket server.
type Server struct {
	config     Config
	mux        *http.ServeMux
	httpServer *http.Server

	store    *storage.Store
	registry *printer.Registry
	resolver *ports.Resolver
	files    *files.Manager
	hub      *events.Hub
}

// NewServer wires the routes over the given collaborators.
func NewServer(cfg Config, store *storage.Store, reg *printer.Registry, res *ports.Resolver, fm *files.Manager, hub *events.Hub) *Server {
	s := &Server{
		config:   cfg,
		mux:      http.NewServeMux(),
		store:    store,
		registry: reg,
		resolver: res,
		files:    fm,
		hub:      hub,
	}

	s.registerRoutes()
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: corsMiddleware(s.mux),
	}

	return s
}

// Handler returns the routed handler with CORS applied. Tests serve it
// through httptest.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.mux)
}

func (s *Server) registerRoutes() {
	s.registerJobHandlers()
	s.registerPortHandlers()
	s.registerStatusHandlers()
	s.registerIssueHandlers()

	s.mux.HandleFunc("GET /ws", s.hub.HandleWebSocket)
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	log.Printf("print farm server starting on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for frontend compatibility.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Api-Key, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"code":    status,
			"message": message,
		},
	})
}

// decodeBody reads a JSON request body into dst.
func decodeBody(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}

// findWorker resolves a printer id to its live worker.
func (s *Server) findWorker(w http.ResponseWriter, printerID int) *printer.Worker {
	worker := s.registry.FindByID(printerID)
	if worker == nil {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("printer %d not registered", printerID))
	}
	return worker
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryBool(r *http.Request, key string) bool {
	v := strings.ToLower(r.URL.Query().Get(key))
	return v == "1" || v == "true"
}

func queryIntList(r *http.Request, key string) []int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil
	}
	var out []int
	for _, part := range strings.Split(raw, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}
