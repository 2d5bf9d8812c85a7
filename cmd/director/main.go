package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/you/chat-director/internal/config"
	httpadmin "github.com/you/chat-director/internal/http"
	"github.com/you/chat-director/internal/httpapi"
	"github.com/you/chat-director/internal/query"
	"github.com/you/chat-director/internal/retention"
	"github.com/you/chat-director/internal/selection"
	"github.com/you/chat-director/internal/session"
	"github.com/you/chat-director/internal/sink"
	"github.com/you/chat-director/internal/version"
	"github.com/you/chat-director/internal/ytlive"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		versionFlag     bool
		httpAddr        string
		httpCorsOrigins string
		httpRateRPS     int
		httpRateBurst   int
		httpMetrics     bool
		httpAccessLog   bool
		maxRegular      int
		liveID          string
		liveIDFile      string
		mock            bool
		archivePath     string
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP listen address (e.g., :4100)")
	flag.StringVar(&httpCorsOrigins, "http-cors-origins", "", "Comma-separated list of allowed CORS origins")
	flag.IntVar(&httpRateRPS, "http-rate-rps", 20, "Maximum HTTP requests per second per client")
	flag.IntVar(&httpRateBurst, "http-rate-burst", 40, "Burst size for HTTP rate limiter")
	flag.BoolVar(&httpMetrics, "http-metrics", true, "Expose Prometheus metrics endpoint")
	flag.BoolVar(&httpAccessLog, "http-access-log", false, "Log HTTP access records")
	flag.IntVar(&maxRegular, "max-regular", 200, "Regular messages kept in the retention buffer")
	flag.StringVar(&liveID, "live-id", "", "YouTube live id or URL to connect at startup")
	flag.StringVar(&liveIDFile, "live-id-file", "", "File holding the live id; watched for changes")
	flag.BoolVar(&mock, "mock", true, "Run a mock feed while no live session is connected")
	flag.StringVar(&archivePath, "archive-sqlite", "", "Path to SQLite transcript archive (empty disables)")
	flag.Parse()

	if versionFlag {
		fmt.Printf(
			"director version: %s (commit %s, built %s)\n",
			version.Version,
			version.Commit,
			version.BuildTime,
		)
		os.Exit(0)
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("director: config: %v", err)
	}

	if overrides["http-addr"] && strings.TrimSpace(httpAddr) != "" {
		cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
	}
	if overrides["http-cors-origins"] {
		cfg.HTTP.CORSOrigins = nil
		for _, origin := range strings.Split(httpCorsOrigins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.HTTP.CORSOrigins = append(cfg.HTTP.CORSOrigins, origin)
			}
		}
	}
	if overrides["http-rate-rps"] && httpRateRPS > 0 {
		cfg.HTTP.RateRPS = httpRateRPS
	}
	if overrides["http-rate-burst"] && httpRateBurst > 0 {
		cfg.HTTP.RateBurst = httpRateBurst
	}
	if overrides["http-metrics"] {
		cfg.HTTP.Metrics = httpMetrics
	}
	if overrides["http-access-log"] {
		cfg.HTTP.AccessLog = httpAccessLog
	}
	if overrides["max-regular"] && maxRegular > 0 {
		cfg.Buffer.MaxRegular = maxRegular
	}
	if overrides["live-id"] {
		cfg.YouTube.LiveID = strings.TrimSpace(liveID)
	}
	if overrides["live-id-file"] {
		cfg.YouTube.LiveIDFile = strings.TrimSpace(liveIDFile)
	}
	if overrides["mock"] {
		cfg.Mock = mock
	}
	if overrides["archive-sqlite"] {
		cfg.Archive.SQLitePath = strings.TrimSpace(archivePath)
	}

	log.Printf(
		"director: youtube settings live_id_file=%s dump_unhandled=%t poll_timeout_secs=%d poll_interval_ms=%d",
		cfg.YouTube.LiveIDFile,
		cfg.YouTube.DumpUnhandled,
		cfg.YouTube.PollTimeoutSecs,
		cfg.YouTube.PollIntervalMS,
	)
	log.Printf("%s", cfg.SummaryJSON())
	configSnapshot, _ := json.Marshal(cfg.Redacted())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("director: received %s, shutting down", sig)
		cancel()
	}()

	buffer := retention.New(cfg.Buffer.MaxRegular)
	sel := selection.New(buffer)

	metrics := httpapi.NewMetrics()
	metrics.ObserveBuffer(buffer.Counts, sel.Subscribers, sel.Dropped)

	var (
		sinkDB   *sink.SQLiteSink
		buffered *sink.BufferedWriter
		archive  session.Archiver
	)
	if cfg.ArchiveEnabled() {
		db, err := sink.OpenSQLite(cfg.Archive.SQLitePath)
		if err != nil {
			log.Fatalf("director: open sqlite: %v", err)
		}
		if err := db.Ping(); err != nil {
			log.Fatalf("director: ping sqlite: %v", err)
		}
		sinkDB = db
		archive = sinkDB
		if cfg.Batch() > 1 || cfg.FlushInterval() > 0 {
			buffered = sink.NewBufferedWriter(sinkDB, sink.BufferedOptions{
				BatchSize:     cfg.Batch(),
				FlushInterval: cfg.FlushInterval(),
			})
			archive = buffered
		}
		log.Printf("director: archiving transcript to %s", cfg.Archive.SQLitePath)
	}

	ytCfg := cfg.YouTube
	manager := session.New(session.Options{
		Buffer:    buffer,
		Selection: sel,
		NewSource: func(id string) session.Source {
			return ytlive.New(ytlive.Config{
				LiveID:          id,
				PollTimeoutSecs: ytCfg.PollTimeoutSecs,
				PollIntervalMS:  ytCfg.PollIntervalMS,
				DumpUnhandled:   ytCfg.DumpUnhandled,
			})
		},
		Resolver:   ytlive.NewResolver(nil),
		Archive:    archive,
		Metrics:    session.NewMetrics(metrics.Registry()),
		Mock:       cfg.Mock,
		LiveIDFile: cfg.YouTube.LiveIDFile,
	})
	manager.Start()

	build := httpapi.BuildInfo{Version: version.Version, Revision: version.Commit}
	if version.BuildTime != "" && version.BuildTime != "unknown" {
		if t, err := time.Parse(time.RFC3339, version.BuildTime); err == nil {
			build.BuiltAt = t
		}
	}

	api := httpapi.New(buffer, sel, manager, httpapi.Options{
		Addr:           cfg.HTTP.Addr,
		CORSOrigins:    cfg.HTTP.CORSOrigins,
		RateLimitRPS:   cfg.HTTP.RateRPS,
		RateLimitBurst: cfg.HTTP.RateBurst,
		EnableMetrics:  cfg.HTTP.Metrics,
		AccessLog:      cfg.HTTP.AccessLog,
		Build:          build,
		Config:         configSnapshot,
		Query: query.Options{
			DefaultLimit:  cfg.Query.DefaultPageSize,
			MaxLimit:      cfg.Query.MaxPageSize,
			MaxPatternLen: cfg.Query.RegexMaxLen,
		},
		Metrics: metrics,
	})
	httpadmin.New(manager).Register(api.Mux())

	go func() {
		if err := api.Start(); err != nil {
			log.Printf("director: http api: %v", err)
			cancel()
		}
	}()

	switch {
	case cfg.YouTube.LiveIDFile != "":
		if _, err := manager.Reload(ctx); err != nil {
			log.Printf("director: initial connect from %s: %v", cfg.YouTube.LiveIDFile, err)
		}
		go func() {
			if err := manager.WatchLiveIDFile(ctx); err != nil {
				slog.Error("director: watch live id file", "err", err)
			}
		}()
	case cfg.YouTube.LiveID != "":
		connectCtx, cancelConnect := context.WithTimeout(ctx, 30*time.Second)
		if _, err := manager.Connect(connectCtx, cfg.YouTube.LiveID); err != nil {
			log.Printf("director: initial connect: %v", err)
		}
		cancelConnect()
	}

	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Printf("director: http api shutdown: %v", err)
	}
	cancelShutdown()

	if err := manager.Close(); err != nil {
		log.Printf("director: session close: %v", err)
	}
	sel.Close()

	if buffered != nil {
		if err := buffered.Close(); err != nil {
			log.Printf("director: flush buffered sink: %v", err)
		}
	}
	if sinkDB != nil {
		if err := sinkDB.Close(); err != nil {
			log.Printf("director: closing sink: %v", err)
		}
	}
	log.Printf("director: shutdown complete")
}
