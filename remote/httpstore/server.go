package httpstore

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	syncErrors "github.com/c0deZ3R0/go-docsync/errors"
	"github.com/c0deZ3R0/go-docsync/logging"
	"github.com/c0deZ3R0/go-docsync/remote"
)

// ServerOptions configures a Server.
type ServerOptions struct {
	MaxRequestSize int64            // Default: 8MB
	Clock          func() time.Time // Default: time.Now
	Logger         *slog.Logger
}

// ServerOption is a function that configures a ServerOptions struct
type ServerOption func(*ServerOptions)

// WithMaxRequestSize sets the maximum allowed size of incoming request bodies
func WithMaxRequestSize(size int64) ServerOption {
	return func(opts *ServerOptions) { opts.MaxRequestSize = size }
}

// WithClock sets the clock used for server timestamps
func WithClock(clock func() time.Time) ServerOption {
	return func(opts *ServerOptions) { opts.Clock = clock }
}

// WithServerLogger sets the server logger
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(opts *ServerOptions) { opts.Logger = logger }
}

// Server exposes a remote.DocumentStore over HTTP and accepts WebSocket
// connections clients use as a connectivity signal.
type Server struct {
	store    remote.DocumentStore
	options  ServerOptions
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewServer creates a server backed by store.
func NewServer(store remote.DocumentStore, opts ...ServerOption) *Server {
	options := ServerOptions{MaxRequestSize: 8 << 20, Clock: time.Now}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Logger == nil {
		options.Logger = logging.WithComponent(logging.Component("remote/server")).Logger
	}
	return &Server{
		store:   store,
		options: options,
		logger:  options.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// Handler wires the document routes into a chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/ws", s.handleWebSocket)

	r.Route("/docs", func(r chi.Router) {
		r.Get("/*", s.handleGet)
		r.Put("/*", s.handleSet)
		r.Patch("/*", s.handleUpdate)
		r.Delete("/*", s.handleDelete)
	})

	return r
}

func docPath(r *http.Request) string {
	p := chi.URLParam(r, "*")
	if unescaped, err := url.PathUnescape(p); err == nil {
		return unescaped
	}
	return p
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	path := docPath(r)
	snap, err := s.store.Get(r.Context(), path)
	if err != nil {
		s.respondWithStoreError(w, err)
		return
	}
	if !snap.Exists {
		respondWithError(w, http.StatusNotFound, "document not found")
		return
	}
	respondWithJSON(w, http.StatusOK, envelope{Data: snap.Data})
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	data, ok := s.readBody(w, r)
	if !ok {
		return
	}
	merge, _ := strconv.ParseBool(r.URL.Query().Get("merge"))
	if err := s.store.Set(r.Context(), docPath(r), data, merge); err != nil {
		s.respondWithStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	data, ok := s.readBody(w, r)
	if !ok {
		return
	}
	if err := s.store.Update(r.Context(), docPath(r), data); err != nil {
		s.respondWithStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), docPath(r)); err != nil {
		s.respondWithStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// readBody decodes the envelope and resolves server timestamps against the server clock.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) (remote.Document, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.options.MaxRequestSize)

	var env envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondWithError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		respondWithError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}
	if env.Data == nil {
		env.Data = remote.Document{}
	}
	return remote.ResolveServerTimestamps(env.Data, s.options.Clock()), true
}

func (s *Server) respondWithStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, remote.ErrNotFound):
		respondWithError(w, http.StatusNotFound, err.Error())
	case syncErrors.HasCode(err, syncErrors.ErrCodeValidationFailure):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case syncErrors.IsRetryable(err):
		respondWithError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("Document store failure", "error", err)
		respondWithError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleWebSocket holds the connection open until the client leaves.
// Clients treat the connection itself as the online signal.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	hello, _ := json.Marshal(map[string]any{"type": "hello", "time": s.options.Clock().UnixMilli()})
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		return
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Connections returns the number of open WebSocket connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// DropConnections closes every WebSocket connection, e.g. before shutdown.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, envelope{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		code = http.StatusInternalServerError
		response = []byte(`{"error":"failed to marshal response"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}
