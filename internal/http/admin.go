package httpadmin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/you/chat-director/internal/session"
)

type Reloader interface {
	Reload(ctx context.Context) (liveID string, err error)
}

type Server struct {
	rel     Reloader
	timeout time.Duration
}

func New(rel Reloader) *Server { return &Server{rel: rel, timeout: 30 * time.Second} }

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/admin/session/reload", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
		defer cancel()

		liveID, err := s.rel.Reload(ctx)
		switch {
		case errors.Is(err, session.ErrNotConnected):
			http.Error(w, "reload failed: no live id configured", http.StatusConflict)
			return
		case errors.Is(err, session.ErrInvalidLiveID):
			http.Error(w, "reload failed: "+err.Error(), http.StatusBadRequest)
			return
		case err != nil:
			http.Error(w, "reload failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "reloaded": true, "liveId": liveID})
	})
}
