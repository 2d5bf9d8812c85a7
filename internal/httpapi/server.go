package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/you/chat-director/internal/core"
	"github.com/you/chat-director/internal/query"
	"github.com/you/chat-director/internal/retention"
	"github.com/you/chat-director/internal/selection"
	"github.com/you/chat-director/internal/session"
)

// Store is the read side of the retention buffer.
type Store interface {
	Snapshot() []core.ChatMessage
	Len() int
	Counts() retention.Counts
}

// Sessions controls the upstream chat session.
type Sessions interface {
	Connect(ctx context.Context, input string) (string, error)
	Disconnect() error
	Status() session.Status
}

type Options struct {
	Addr           string
	CORSOrigins    []string
	RateLimitRPS   int
	RateLimitBurst int
	EnableMetrics  bool
	AccessLog      bool
	Build          BuildInfo
	// Config is echoed verbatim by /info. It must already be redacted.
	Config json.RawMessage

	Query             query.Options
	Metrics           *Metrics
	HeartbeatInterval time.Duration
	ConnectTimeout    time.Duration
}

type Server struct {
	httpServer *http.Server
	opts       Options
	store      Store
	sessions   Sessions
	selection  *selection.Channel
	engine     *query.Engine
	metrics    *Metrics
	limiter    *ipRateLimiter
	cors       *corsPolicy
	mux        *http.ServeMux
	started    time.Time

	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

const (
	defaultHeartbeat      = 15 * time.Second
	defaultConnectTimeout = 30 * time.Second
)

func New(store Store, sel *selection.Channel, sessions Sessions, opts Options) *Server {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeat
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	srv := &Server{
		opts:      opts,
		store:     store,
		sessions:  sessions,
		selection: sel,
		engine:    query.New(opts.Query),
		metrics:   opts.Metrics,
		limiter:   newIPRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		cors:      newCORSPolicy(opts.CORSOrigins),
		done:      make(chan struct{}),
		started:   time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", srv.wrap("health", srv.handleHealth))
	mux.HandleFunc("/chat/connect", srv.wrap("connect", srv.handleConnect))
	mux.HandleFunc("/chat/disconnect", srv.wrap("disconnect", srv.handleDisconnect))
	mux.HandleFunc("/chat/messages", srv.wrap("messages", srv.handleMessages))
	mux.HandleFunc("/overlay/selection", srv.wrap("selection", srv.handleSelection))
	mux.HandleFunc("/overlay/stream", srv.wrap("stream", srv.handleStream))
	mux.HandleFunc("/overlay/ws", srv.wrap("ws", srv.handleWS))
	mux.HandleFunc("/info", srv.wrap("info", srv.handleInfo))
	if opts.EnableMetrics && srv.metrics != nil {
		mux.Handle("/metrics", srv.metrics.Handler())
	}
	srv.mux = mux

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

// Handler returns the routed handler, for embedding in another mux or tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Mux exposes the route table so extra routes (admin) can be registered.
func (s *Server) Mux() *http.ServeMux { return s.mux }

type errorResponse struct {
	Error string `json:"error"`
}

type okResponse struct {
	OK     bool   `json:"ok"`
	LiveID string `json:"liveId,omitempty"`
}

type healthResponse struct {
	Status    string           `json:"status"`
	Messages  int              `json:"messages"`
	Counts    retention.Counts `json:"counts"`
	Selection *string          `json:"selection"`
	Mode      session.Mode     `json:"mode"`
	Connected bool             `json:"connected"`
	LiveID    *string          `json:"liveId"`
	SessionID string           `json:"sessionId,omitempty"`
	Poll      *core.Poll       `json:"poll"`
	LastError string           `json:"lastError,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	st := s.sessions.Status()
	resp := healthResponse{
		Status:    "ok",
		Messages:  s.store.Len(),
		Counts:    s.store.Counts(),
		Mode:      st.Mode,
		Connected: st.Connected,
		SessionID: st.SessionID,
		Poll:      st.Poll,
		LastError: st.LastError,
	}
	if cur, ok := s.selection.Current(); ok {
		resp.Selection = &cur.ID
	}
	if st.LiveID != "" {
		resp.LiveID = &st.LiveID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	var body struct {
		LiveID string `json:"liveId"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body)
	}
	if strings.TrimSpace(body.LiveID) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "liveId is required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.ConnectTimeout)
	defer cancel()

	liveID, err := s.sessions.Connect(ctx, body.LiveID)
	switch {
	case errors.Is(err, session.ErrInvalidLiveID):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid YouTube Live ID or URL"})
		return
	case err != nil:
		log.Printf("httpapi: connect failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to connect to YouTube Live chat"})
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true, LiveID: liveID})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	if err := s.sessions.Disconnect(); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	res := s.engine.Run(s.store.Snapshot(), FiltersFromRequest(r))
	if res.Err != nil {
		s.metrics.IncQueryErrors(queryErrorReason(res.Err))
		writeJSON(w, http.StatusBadRequest, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSelection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var body struct {
			ID string `json:"id"`
		}
		if r.Body != nil {
			_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body)
		}
		id := strings.TrimSpace(body.ID)
		if id == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "id is required"})
			return
		}
		if err := s.selection.Select(id); err != nil {
			if errors.Is(err, selection.ErrNotFound) {
				writeJSON(w, http.StatusNotFound, errorResponse{Error: "message not found"})
				return
			}
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, okResponse{OK: true})
	case http.MethodDelete:
		s.selection.Clear()
		writeJSON(w, http.StatusOK, okResponse{OK: true})
	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func queryErrorReason(err error) string {
	switch {
	case errors.Is(err, query.ErrPatternTooLong):
		return "too_long"
	case errors.Is(err, query.ErrUnsafePattern):
		return "unsafe"
	default:
		return "invalid"
	}
}

func allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) Start() error {
	log.Printf("httpapi: listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

// Shutdown ends open overlay streams and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
