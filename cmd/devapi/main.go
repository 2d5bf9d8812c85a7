package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"strings"

	"github.com/you/chat-director/internal/httpapi"
	"github.com/you/chat-director/internal/normalize"
	"github.com/you/chat-director/internal/retention"
	"github.com/you/chat-director/internal/selection"
	"github.com/you/chat-director/internal/session"
	"github.com/you/chat-director/internal/sink"
)

// manualSource accepts any live id and produces no events of its own; chat
// arrives through POST /emit instead.
type manualSource struct{}

func (manualSource) Open(context.Context) error { return nil }

func (manualSource) Run(ctx context.Context, _ func(normalize.RawEvent)) error {
	<-ctx.Done()
	return ctx.Err()
}

type emitResp struct {
	OK      bool   `json:"ok"`
	ID      string `json:"id,omitempty"`
	Dropped bool   `json:"dropped,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Poll    bool   `json:"pollUpdate,omitempty"`
}

func main() {
	var (
		addr       string
		sqlite     string
		maxRegular int
		mock       bool
	)

	flag.StringVar(&addr, "addr", ":8765", "HTTP listen address")
	flag.StringVar(&sqlite, "db", "", "SQLite archive path (empty disables)")
	flag.IntVar(&maxRegular, "max-regular", 200, "Regular messages kept in the retention buffer")
	flag.BoolVar(&mock, "mock", false, "Run the mock feed while disconnected")
	flag.Parse()

	buffer := retention.New(maxRegular)
	sel := selection.New(buffer)
	metrics := httpapi.NewMetrics()
	metrics.ObserveBuffer(buffer.Counts, sel.Subscribers, sel.Dropped)

	opts := session.Options{
		Buffer:    buffer,
		Selection: sel,
		NewSource: func(string) session.Source { return manualSource{} },
		Metrics:   session.NewMetrics(metrics.Registry()),
		Mock:      mock,
	}
	if strings.TrimSpace(sqlite) != "" {
		s, err := sink.OpenSQLite(sqlite)
		if err != nil {
			log.Fatalf("open sqlite: %v", err)
		}
		defer s.Close()
		if err := s.Ping(); err != nil {
			log.Fatalf("ping: %v", err)
		}
		opts.Archive = s
	}

	manager := session.New(opts)
	manager.Start()
	defer manager.Close()

	api := httpapi.New(buffer, sel, manager, httpapi.Options{
		Addr:          addr,
		CORSOrigins:   []string{"*"},
		EnableMetrics: true,
		AccessLog:     true,
		Metrics:       metrics,
	})

	mux := http.NewServeMux()
	mux.Handle("/", api.Handler())
	mux.HandleFunc("POST /emit", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var ev normalize.RawEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(ev.Type) == "" {
			http.Error(w, "type required", http.StatusBadRequest)
			return
		}
		res := manager.Ingest(ev)
		resp := emitResp{OK: !res.Dropped, Dropped: res.Dropped, Reason: res.Reason, Poll: res.PollUpdate}
		if res.Message != nil {
			resp.ID = res.Message.ID
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	log.Printf("devapi listening on %s (db=%s)", addr, sqlite)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal(err)
	}
}
