package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/FreePeak/streamable-mcp-server/internal/domain"
	"github.com/FreePeak/streamable-mcp-server/internal/domain/shared"
	"github.com/FreePeak/streamable-mcp-server/internal/infrastructure/logging"
)

const (
	// SessionIDHeader carries the session id on requests and returns the
	// newly minted id exactly once, on the creation response. Header
	// matching is case-insensitive per HTTP.
	SessionIDHeader = "Mcp-Session-Id"

	contentTypeJSON = "application/json"

	defaultEndpoint       = "/mcp"
	defaultHealthEndpoint = "/health"
	defaultPushBufferSize = 100
)

// StreamableHTTPServer multiplexes every client session onto a single
// HTTP endpoint. It classifies each inbound call into new-session,
// continue-session, stream-subscribe or terminate, consults the registry
// and delegates to the right transport.
type StreamableHTTPServer struct {
	registry *SessionRegistry
	engine   domain.ProtocolEngine
	logger   *logging.Logger

	serverName    string
	serverVersion string

	endpoint       string
	healthEndpoint string
	pushBufferSize int

	router *mux.Router
	srv    *http.Server
}

// Option defines a function type for configuring StreamableHTTPServer
type Option func(*StreamableHTTPServer)

// WithEndpoint sets the protocol endpoint path (default "/mcp").
func WithEndpoint(endpoint string) Option {
	return func(s *StreamableHTTPServer) {
		if endpoint != "" {
			s.endpoint = endpoint
		}
	}
}

// WithHealthEndpoint sets the health endpoint path (default "/health").
func WithHealthEndpoint(endpoint string) Option {
	return func(s *StreamableHTTPServer) {
		if endpoint != "" {
			s.healthEndpoint = endpoint
		}
	}
}

// WithServerInfo sets the display name and version surfaced on /health.
func WithServerInfo(name, version string) Option {
	return func(s *StreamableHTTPServer) {
		s.serverName = name
		s.serverVersion = version
	}
}

// WithPushBufferSize sets the per-session buffer for push messages.
func WithPushBufferSize(size int) Option {
	return func(s *StreamableHTTPServer) {
		if size > 0 {
			s.pushBufferSize = size
		}
	}
}

// WithLogger sets the logger used by the server and its transports.
func WithLogger(logger *logging.Logger) Option {
	return func(s *StreamableHTTPServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStreamableHTTPServer creates a server over the given registry and
// protocol engine.
func NewStreamableHTTPServer(registry *SessionRegistry, engine domain.ProtocolEngine, opts ...Option) *StreamableHTTPServer {
	s := &StreamableHTTPServer{
		registry:       registry,
		engine:         engine,
		logger:         logging.Default(),
		serverName:     "streamable-mcp-server",
		serverVersion:  "0.1.0",
		endpoint:       defaultEndpoint,
		healthEndpoint: defaultHealthEndpoint,
		pushBufferSize: defaultPushBufferSize,
	}

	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	r.Use(corsMiddleware)
	r.Use(logging.Middleware(s.logger))
	r.HandleFunc(s.endpoint, s.handlePost).Methods(http.MethodPost)
	r.HandleFunc(s.endpoint, s.handleSubscribe).Methods(http.MethodGet)
	r.HandleFunc(s.endpoint, s.handleTerminate).Methods(http.MethodDelete)
	r.HandleFunc(s.endpoint, s.handlePreflight).Methods(http.MethodOptions)
	r.HandleFunc(s.healthEndpoint, s.handleHealth).Methods(http.MethodGet)
	s.router = r

	return s
}

// NewTestServer creates an httptest server for testing purposes.
func NewTestServer(registry *SessionRegistry, engine domain.ProtocolEngine, opts ...Option) *httptest.Server {
	return httptest.NewServer(NewStreamableHTTPServer(registry, engine, opts...))
}

// ServeHTTP implements the http.Handler interface.
func (s *StreamableHTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start begins serving on the given address and blocks until the
// listener fails or Shutdown is called.
func (s *StreamableHTTPServer) Start(addr string) error {
	s.srv = &http.Server{
		Addr:    addr,
		Handler: s,
	}
	return s.srv.ListenAndServe()
}

// Shutdown terminates every bound session and stops the HTTP server.
func (s *StreamableHTTPServer) Shutdown(ctx context.Context) error {
	s.registry.CloseAll()
	if s.srv != nil {
		return s.srv.Shutdown(ctx)
	}
	return nil
}

// handlePost handles the primary unary channel. Classification:
//
//	no session header + initialize body  -> create session
//	session header, known id             -> route to bound transport
//	session header, unknown id           -> 400 session not found
//	no session header, other body        -> 400 missing session id
//
// A session header combined with an initialize body is rejected rather
// than silently routed to the existing session.
func (s *StreamableHTTPServer) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeJSONRPCError(w, http.StatusBadRequest, shared.ParseError, "error reading request body")
		return
	}

	var envelope shared.JSONRPCRequest
	if err := json.Unmarshal(body, &envelope); err != nil {
		s.writeJSONRPCError(w, http.StatusBadRequest, shared.ParseError, "invalid JSON-RPC message")
		return
	}

	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID == "" {
		if envelope.Method != shared.MethodInitialize {
			s.writeJSONRPCError(w, http.StatusBadRequest, shared.ServerError, domain.ErrMissingSessionID.Message)
			return
		}
		s.createSession(w, r, body)
		return
	}

	t, ok := s.registry.Lookup(sessionID)
	if !ok {
		s.writeJSONRPCError(w, http.StatusBadRequest, shared.ServerError, domain.ErrSessionNotFound.Message)
		return
	}

	if envelope.Method == shared.MethodInitialize {
		s.writeJSONRPCError(w, http.StatusBadRequest, shared.ServerError, "session already initialized")
		return
	}

	resp, err := t.HandleUnaryRequest(r.Context(), body)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeUnaryResponse(w, resp)
}

// createSession runs the creation handshake: the engine validates the
// initialize message first, and only then does the transport acquire an
// id and a registry entry. A handshake failure leaves nothing behind.
func (s *StreamableHTTPServer) createSession(w http.ResponseWriter, r *http.Request, body []byte) {
	t := NewStreamableTransport(s.engine, s.registry, s.logger, s.pushBufferSize)

	resp, err := t.HandleUnaryRequest(r.Context(), body)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	id, err := t.Bind()
	if err != nil {
		t.Close()
		s.logger.Error("session bind failed", logging.Fields{"error": err.Error()})
		s.writeJSONRPCError(w, http.StatusInternalServerError, shared.InternalError, "internal server error")
		return
	}

	s.logger.Info("session created", logging.Fields{"session_id": id})
	w.Header().Set(SessionIDHeader, id)
	s.writeUnaryResponse(w, resp)
}

// handleSubscribe handles the server push subscribe endpoint.
func (s *StreamableHTTPServer) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookupFromHeader(w, r)
	if !ok {
		return
	}

	if err := t.OpenPushChannel(w, r); err != nil {
		status := domain.StatusCode(err)
		if status >= http.StatusInternalServerError {
			s.writeJSONRPCError(w, status, shared.InternalError, "internal server error")
			return
		}
		s.writeJSONRPCError(w, status, shared.ServerError, err.Error())
	}
}

// handleTerminate handles explicit session termination.
func (s *StreamableHTTPServer) handleTerminate(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookupFromHeader(w, r)
	if !ok {
		return
	}

	t.Close()
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth reports liveness and the number of bound sessions.
func (s *StreamableHTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", contentTypeJSON)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         "ok",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"activeSessions": s.registry.Count(),
		"serverName":     s.serverName,
		"serverVersion":  s.serverVersion,
	})
}

func (s *StreamableHTTPServer) handlePreflight(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// lookupFromHeader resolves the session header to a bound transport,
// writing the 400 error response itself when it cannot.
func (s *StreamableHTTPServer) lookupFromHeader(w http.ResponseWriter, r *http.Request) (*StreamableTransport, bool) {
	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID == "" {
		s.writeJSONRPCError(w, http.StatusBadRequest, shared.ServerError, domain.ErrMissingSessionID.Message)
		return nil, false
	}

	t, ok := s.registry.Lookup(sessionID)
	if !ok {
		s.writeJSONRPCError(w, http.StatusBadRequest, shared.ServerError, domain.ErrSessionNotFound.Message)
		return nil, false
	}
	return t, true
}

// writeUnaryResponse writes the engine's synchronous result, or 202
// Accepted when the body was a notification and there is nothing to say.
func (s *StreamableHTTPServer) writeUnaryResponse(w http.ResponseWriter, resp []byte) {
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
}

// writeEngineError surfaces a transport or engine failure. Domain errors
// carry their own status; anything else is an internal fault reported
// with a generic message.
func (s *StreamableHTTPServer) writeEngineError(w http.ResponseWriter, err error) {
	var de *domain.Error
	if errors.As(err, &de) && de.Code < http.StatusInternalServerError {
		s.writeJSONRPCError(w, de.Code, shared.ServerError, de.Message)
		return
	}
	s.logger.Error("request failed", logging.Fields{"error": err.Error()})
	s.writeJSONRPCError(w, http.StatusInternalServerError, shared.InternalError, "internal server error")
}

// writeJSONRPCError writes a JSON-RPC error response with the given error details.
func (s *StreamableHTTPServer) writeJSONRPCError(w http.ResponseWriter, status int, code shared.ErrorCode, message string) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(shared.NewErrorResponse(nil, code, message))
}

// corsMiddleware applies the permissive header policy for browser
// clients. The session header must be explicitly allowed and exposed.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, "+SessionIDHeader)
		w.Header().Set("Access-Control-Expose-Headers", SessionIDHeader)
		next.ServeHTTP(w, r)
	})
}
