package httpadmin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/you/chat-director/internal/session"
)

type fakeReloader struct {
	liveID string
	err    error
}

func (f fakeReloader) Reload(context.Context) (string, error) {
	return f.liveID, f.err
}

func serve(t *testing.T, rel Reloader, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	New(rel).Register(mux)

	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestServerReloadSuccess(t *testing.T) {
	rec := serve(t, fakeReloader{liveID: "abcdefghijk"}, http.MethodPost, "/admin/session/reload")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Fatalf("expected content-type application/json; charset=utf-8, got %q", ct)
	}

	var payload struct {
		Status   string `json:"status"`
		Reloaded bool   `json:"reloaded"`
		LiveID   string `json:"liveId"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if payload.Status != "ok" || !payload.Reloaded || payload.LiveID != "abcdefghijk" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestServerReloadErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		body   string
	}{
		{"generic", errors.New("boom"), http.StatusInternalServerError, "reload failed: boom\n"},
		{"nothing to reload", session.ErrNotConnected, http.StatusConflict, "reload failed: no live id configured\n"},
		{"invalid id", session.ErrInvalidLiveID, http.StatusBadRequest, "reload failed: session: invalid live id or url\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := serve(t, fakeReloader{err: tc.err}, http.MethodPost, "/admin/session/reload")
			if rec.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, rec.Code)
			}
			if body := rec.Body.String(); body != tc.body {
				t.Fatalf("unexpected body: %q", body)
			}
		})
	}
}

func TestServerReloadMethod(t *testing.T) {
	rec := serve(t, fakeReloader{}, http.MethodGet, "/admin/session/reload")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}
}

func TestServerHealthz(t *testing.T) {
	rec := serve(t, fakeReloader{}, http.MethodGet, "/admin/healthz")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected healthz %d %q", rec.Code, rec.Body.String())
	}
}
