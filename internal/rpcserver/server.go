// Package rpcserver exposes the sandbox supervisor and session manager over
// JSON-RPC 2.0 and MCP, sharing one HTTP listener.
package rpcserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/server"

	"github.com/radiumce/microsandbox/internal/auth"
	"github.com/radiumce/microsandbox/internal/errs"
	"github.com/radiumce/microsandbox/internal/nsstore"
	"github.com/radiumce/microsandbox/internal/sandbox"
	"github.com/radiumce/microsandbox/internal/session"
)

// defaultStopDeadline bounds how long sandbox.stop waits for a graceful
// shutdown before escalating to a hard kill.
const defaultStopDeadline = 10 * time.Second

// dispatchContext is passed to every RPC/MCP handler.
type dispatchContext struct {
	ctx       context.Context
	namespace string // scope of the presented bearer token
}

// Server is the RPC/MCP HTTP server (C10). It composes the sandbox
// supervisor (C7), the session manager (C8), and the keystore (C11); it
// never talks to the VM backend directly, and reads the namespace store (C2)
// only to enumerate sandboxes for status queries and to resolve volume paths.
type Server struct {
	Router     chi.Router
	supervisor *sandbox.Supervisor
	sessions   *session.Manager
	keystore   *auth.Keystore
	store      *nsstore.Store
	logger     *slog.Logger
	methods    map[string]methodFunc
	mcpServer  *server.MCPServer
}

// New creates a Server with every route registered.
func New(sup *sandbox.Supervisor, sessions *session.Manager, ks *auth.Keystore, store *nsstore.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		supervisor: sup,
		sessions:   sessions,
		keystore:   ks,
		store:      store,
		logger:     logger.With("component", "rpcserver"),
	}

	s.methods = map[string]methodFunc{
		"sandbox.start":       s.handleSandboxStart,
		"sandbox.stop":        s.handleSandboxStop,
		"sandbox.status":      s.handleSandboxStatus,
		"sandbox.metrics.get": s.handleSandboxStatus, // same shape per spec §6
		"sandbox.repl.run":    s.handleReplRun,
		"sandbox.command.run": s.handleCommandRun,
	}

	s.mcpServer = server.NewMCPServer("microsandbox", "1.0.0", server.WithToolCapabilities(false))
	s.registerMCPTools()

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/api/v1/health", s.handleHealth)

	router.Group(func(r chi.Router) {
		r.Use(ks.Middleware)
		r.Post("/api/v1/rpc", s.handleRPC)
		r.Mount("/api/v1/mcp", server.NewStreamableHTTPServer(s.mcpServer))
	})

	s.Router = router
	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleRPC implements the parse -> authenticate(already done by
// middleware) -> dispatch -> map-errors pipeline for POST /api/v1/rpc.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req request
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("panic in rpc handler", "method", req.Method, "panic", rec)
			s.writeResponse(w, response{JSONRPC: "2.0", ID: req.ID, Error: errorToRPC(errs.InternalError(fmt.Errorf("panic: %v", rec)))})
		}
	}()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeResponse(w, response{JSONRPC: "2.0", Error: errorToRPC(errs.ConfigInvalid("malformed JSON-RPC request: " + err.Error()))})
		return
	}

	fn, ok := s.methods[req.Method]
	if !ok {
		s.writeResponse(w, response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: -32601, Message: "method not found: " + req.Method}})
		return
	}

	dc := dispatchContext{ctx: r.Context(), namespace: auth.NamespaceFromContext(r.Context())}
	result, err := fn(dc, req.Params)
	if err != nil {
		s.writeResponse(w, response{JSONRPC: "2.0", ID: req.ID, Error: errorToRPC(err)})
		return
	}
	s.writeResponse(w, response{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func (s *Server) writeResponse(w http.ResponseWriter, resp response) {
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("write rpc response", "error", err)
	}
}

// authorizeNamespace returns an *errs.Error if the token scoping this
// request cannot act on namespace.
func authorizeNamespace(dc dispatchContext, namespace string) error {
	if !auth.Authorize(dc.namespace, namespace) {
		return errs.AuthForbidden(namespace)
	}
	return nil
}
