// Package server exposes the dispatcher over HTTP: one POST endpoint per
// dotted call name, plus health. It decodes the request envelope, parses the
// Authorization header, dispatches, and writes the result envelope or an
// RFC 7807 problem.
package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/meridianworks/herald/pkg/api"
	"github.com/meridianworks/herald/pkg/auth"
	"github.com/meridianworks/herald/pkg/dispatch"
)

// CallRequest is the wire envelope of one call.
type CallRequest struct {
	Args    []any          `json:"args"`
	Kwargs  map[string]any `json:"kwargs"`
	Context map[string]any `json:"context"`
}

// CallResponse is the wire envelope of a successful call.
type CallResponse struct {
	Result any `json:"result"`
}

// Server binds the dispatcher to HTTP.
type Server struct {
	dispatcher *dispatch.Dispatcher
	database   string
	limiter    *api.GlobalRateLimiter
	cors       []string
}

// New creates the HTTP surface for one dispatcher and its default database.
func New(d *dispatch.Dispatcher, database string) *Server {
	return &Server{dispatcher: d, database: database}
}

// WithRateLimit puts a per-IP limiter in front of the RPC endpoint.
func (s *Server) WithRateLimit(rps, burst int) *Server {
	s.limiter = api.NewGlobalRateLimiter(rps, burst)
	return s
}

// WithCORS sets the allowed origins.
func (s *Server) WithCORS(origins []string) *Server {
	s.cors = origins
	return s
}

// Handler assembles the middleware chain and routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/rpc/", s.handleCall)

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	h = api.CORSMiddleware(s.cors)(h)
	h = api.RequestIDMiddleware(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleCall serves POST /rpc/<kind>.<object>.<method>.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/rpc/")
	if name == "" {
		api.WriteNotFound(w, "missing call name")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 4<<20)
	var req CallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteBadRequest(w, "Invalid request body")
		return
	}

	database := r.Header.Get("X-Database")
	if database == "" {
		database = s.database
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	call := &dispatch.Call{
		Name:      name,
		Args:      req.Args,
		Kwargs:    req.Kwargs,
		Context:   req.Context,
		Database:  database,
		Auth:      auth.Parse(r.Header.Get("Authorization")),
		Remote:    r.RemoteAddr,
		Scheme:    scheme,
		RequestID: api.GetRequestID(r.Context()),
	}

	result, err := s.dispatcher.Dispatch(r.Context(), call)
	if err != nil {
		api.WriteDispatchError(w, err)
		return
	}

	if result.CacheControl != "" {
		w.Header().Set("Cache-Control", result.CacheControl)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(CallResponse{Result: result.Value})
}
