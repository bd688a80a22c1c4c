// Package api exposes the memory engine over HTTP: a REST mirror of the
// tool surface plus the MCP SSE transport.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog/log"

	"github.com/locimem/loci/internal/memory"
)

// Server is the HTTP adapter.
type Server struct {
	svc       *memory.Service
	router    *chi.Mux
	addr      string
	sseServer *server.SSEServer
}

// NewServer creates the HTTP server with all routes configured.
func NewServer(svc *memory.Service, host string, port int) *Server {
	s := &Server{
		svc:  svc,
		addr: fmt.Sprintf("%s:%d", host, port),
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	// REST routes are short-lived; the SSE mount below must not time out.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Post("/memory", s.handleStoreMemory)
		r.Get("/memory/search", s.handleRecall)
		r.Get("/memory/{id}", s.handleInspect)
		r.Delete("/memory/{id}", s.handleForget)
		r.Post("/relations", s.handleStoreRelation)
		r.Get("/stats", s.handleStats)
	})

	s.router = r
}

// AddMCPServer mounts the MCP SSE transport at /mcp.
func (s *Server) AddMCPServer(mcpServer *server.MCPServer) {
	s.sseServer = server.NewSSEServer(
		mcpServer,
		server.WithBasePath("/mcp"),
		server.WithSSEEndpoint("/sse"),
		server.WithMessageEndpoint("/message"),
		server.WithKeepAlive(true),
		server.WithKeepAliveInterval(15*time.Second),
	)
	s.router.Mount("/mcp", s.sseServer)
	log.Info().Str("endpoint", "/mcp/sse").Msg("MCP SSE transport mounted")
}

// Serve starts the HTTP server and blocks.
func (s *Server) Serve() error {
	log.Info().Str("addr", s.addr).Msg("HTTP server listening")
	return http.ListenAndServe(s.addr, s.router)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	successResponse(w, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.svc.Stats(r.Context(), ""); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "not ready", "error": err.Error()})
		return
	}
	successResponse(w, map[string]string{"status": "ready"})
}

func errorResponse(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func successResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(data)
}
