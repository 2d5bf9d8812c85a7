package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var envNames = []string{
	"CHATDIR_CONFIG",
	"CHATDIR_HTTP_ADDR",
	"CHATDIR_HTTP_CORS_ORIGINS",
	"CHATDIR_HTTP_RATE_RPS",
	"CHATDIR_HTTP_RATE_BURST",
	"CHATDIR_HTTP_METRICS",
	"CHATDIR_HTTP_ACCESS_LOG",
	"CHATDIR_MAX_REGULAR",
	"CHATDIR_DEFAULT_PAGE_SIZE",
	"CHATDIR_MAX_PAGE_SIZE",
	"CHATDIR_REGEX_MAX_LEN",
	"CHATDIR_YT_LIVE_ID",
	"CHATDIR_YT_LIVE_ID_FILE",
	"CHATDIR_YT_POLL_TIMEOUT_SECS",
	"CHATDIR_YT_POLL_INTERVAL_MS",
	"CHATDIR_YT_DUMP_UNHANDLED",
	"CHATDIR_MOCK",
	"CHATDIR_ARCHIVE_SQLITE_PATH",
	"CHATDIR_ARCHIVE_BATCH_SIZE",
	"CHATDIR_ARCHIVE_FLUSH_MS",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range envNames {
		t.Setenv(name, "")
	}
}

func mustLoad(t *testing.T) Config {
	t.Helper()
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg := mustLoad(t)
	if cfg.HTTP.Addr != ":4100" {
		t.Fatalf("unexpected addr: %q", cfg.HTTP.Addr)
	}
	if len(cfg.HTTP.CORSOrigins) != 1 || cfg.HTTP.CORSOrigins[0] != "*" {
		t.Fatalf("expected wildcard cors by default, got %v", cfg.HTTP.CORSOrigins)
	}
	if cfg.HTTP.RateRPS != 20 || cfg.HTTP.RateBurst != 40 {
		t.Fatalf("unexpected rate limit defaults: %d/%d", cfg.HTTP.RateRPS, cfg.HTTP.RateBurst)
	}
	if !cfg.HTTP.Metrics || cfg.HTTP.AccessLog {
		t.Fatalf("unexpected http toggles: metrics=%v access_log=%v", cfg.HTTP.Metrics, cfg.HTTP.AccessLog)
	}
	if cfg.Buffer.MaxRegular != 200 {
		t.Fatalf("expected max regular 200, got %d", cfg.Buffer.MaxRegular)
	}
	if cfg.Query.DefaultPageSize != 100 || cfg.Query.MaxPageSize != 500 || cfg.Query.RegexMaxLen != 256 {
		t.Fatalf("unexpected query defaults: %+v", cfg.Query)
	}
	if cfg.YouTube.PollTimeoutSecs != 15 || cfg.YouTube.PollIntervalMS != 1500 {
		t.Fatalf("unexpected youtube defaults: %+v", cfg.YouTube)
	}
	if !cfg.Mock {
		t.Fatalf("expected mock enabled by default")
	}
	if cfg.ArchiveEnabled() {
		t.Fatalf("expected archive disabled by default")
	}
	if cfg.Batch() != 1 {
		t.Fatalf("expected default batch size 1, got %d", cfg.Batch())
	}
	if cfg.FlushInterval() != 0 {
		t.Fatalf("expected zero flush interval, got %s", cfg.FlushInterval())
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHATDIR_HTTP_ADDR", "127.0.0.1:9000")
	t.Setenv("CHATDIR_HTTP_CORS_ORIGINS", "https://b.test, https://a.test,https://a.test")
	t.Setenv("CHATDIR_HTTP_RATE_RPS", "5")
	t.Setenv("CHATDIR_HTTP_METRICS", "false")
	t.Setenv("CHATDIR_HTTP_ACCESS_LOG", "true")
	t.Setenv("CHATDIR_MAX_REGULAR", "50")
	t.Setenv("CHATDIR_DEFAULT_PAGE_SIZE", "25")
	t.Setenv("CHATDIR_YT_LIVE_ID", "https://www.youtube.com/watch?v=abcdefghijk")
	t.Setenv("CHATDIR_YT_LIVE_ID_FILE", "/run/live-id")
	t.Setenv("CHATDIR_YT_POLL_INTERVAL_MS", "750")
	t.Setenv("CHATDIR_YT_DUMP_UNHANDLED", "1")
	t.Setenv("CHATDIR_MOCK", "false")
	t.Setenv("CHATDIR_ARCHIVE_SQLITE_PATH", "/data/chat.db")
	t.Setenv("CHATDIR_ARCHIVE_BATCH_SIZE", "25")
	t.Setenv("CHATDIR_ARCHIVE_FLUSH_MS", "250")

	cfg := mustLoad(t)
	if cfg.HTTP.Addr != "127.0.0.1:9000" {
		t.Fatalf("unexpected addr: %q", cfg.HTTP.Addr)
	}
	if got := cfg.HTTP.CORSOrigins; len(got) != 2 || got[0] != "https://a.test" || got[1] != "https://b.test" {
		t.Fatalf("unexpected cors origins: %v", got)
	}
	if cfg.HTTP.RateRPS != 5 || cfg.HTTP.RateBurst != 40 {
		t.Fatalf("unexpected rate limit: %d/%d", cfg.HTTP.RateRPS, cfg.HTTP.RateBurst)
	}
	if cfg.HTTP.Metrics || !cfg.HTTP.AccessLog {
		t.Fatalf("unexpected http toggles: metrics=%v access_log=%v", cfg.HTTP.Metrics, cfg.HTTP.AccessLog)
	}
	if cfg.Buffer.MaxRegular != 50 || cfg.Query.DefaultPageSize != 25 {
		t.Fatalf("unexpected sizes: regular=%d page=%d", cfg.Buffer.MaxRegular, cfg.Query.DefaultPageSize)
	}
	if cfg.YouTube.LiveIDFile != "/run/live-id" || cfg.YouTube.PollIntervalMS != 750 || !cfg.YouTube.DumpUnhandled {
		t.Fatalf("unexpected youtube config: %+v", cfg.YouTube)
	}
	if cfg.Mock {
		t.Fatalf("expected mock disabled")
	}
	if !cfg.ArchiveEnabled() || cfg.Batch() != 25 {
		t.Fatalf("unexpected archive config: %+v", cfg.Archive)
	}
	if cfg.FlushInterval() != 250*time.Millisecond {
		t.Fatalf("flush interval mismatch: %s", cfg.FlushInterval())
	}
}

func TestLoadIgnoresInvalidNumbers(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHATDIR_MAX_REGULAR", "-3")
	t.Setenv("CHATDIR_MAX_PAGE_SIZE", "lots")
	t.Setenv("CHATDIR_ARCHIVE_FLUSH_MS", "-1")
	t.Setenv("CHATDIR_HTTP_METRICS", "maybe")

	cfg := mustLoad(t)
	if cfg.Buffer.MaxRegular != 200 || cfg.Query.MaxPageSize != 500 || cfg.Archive.FlushMS != 0 {
		t.Fatalf("expected defaults for invalid values, got %+v %+v %+v", cfg.Buffer, cfg.Query, cfg.Archive)
	}
	if !cfg.HTTP.Metrics {
		t.Fatalf("expected metrics default kept for invalid bool")
	}
}

func TestLoadCORSNone(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHATDIR_HTTP_CORS_ORIGINS", "none")

	cfg := mustLoad(t)
	if len(cfg.HTTP.CORSOrigins) != 0 {
		t.Fatalf("expected cors disabled, got %v", cfg.HTTP.CORSOrigins)
	}
}

func TestLoadYAMLFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "chatdir.yaml")
	body := `http:
  addr: ":5000"
  cors_origins: ["https://overlay.test"]
buffer:
  max_regular: 75
query:
  default_page_size: 900
  max_page_size: 300
youtube:
  live_id_file: /tmp/live
mock: false
archive:
  sqlite_path: /tmp/file.db
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CHATDIR_CONFIG", path)
	t.Setenv("CHATDIR_ARCHIVE_SQLITE_PATH", "/tmp/env.db")

	cfg := mustLoad(t)
	if cfg.HTTP.Addr != ":5000" {
		t.Fatalf("expected addr from file, got %q", cfg.HTTP.Addr)
	}
	if len(cfg.HTTP.CORSOrigins) != 1 || cfg.HTTP.CORSOrigins[0] != "https://overlay.test" {
		t.Fatalf("unexpected cors origins: %v", cfg.HTTP.CORSOrigins)
	}
	if cfg.Buffer.MaxRegular != 75 {
		t.Fatalf("expected max regular from file, got %d", cfg.Buffer.MaxRegular)
	}
	if cfg.Query.MaxPageSize != 300 || cfg.Query.DefaultPageSize != 300 {
		t.Fatalf("expected default page size clamped to max, got %+v", cfg.Query)
	}
	if cfg.HTTP.RateRPS != 20 {
		t.Fatalf("expected unset file values to keep defaults, got rps=%d", cfg.HTTP.RateRPS)
	}
	if cfg.Mock {
		t.Fatalf("expected mock disabled from file")
	}
	if cfg.Archive.SQLitePath != "/tmp/env.db" {
		t.Fatalf("expected env to override file, got %q", cfg.Archive.SQLitePath)
	}
}

func TestLoadBadFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	t.Setenv("CHATDIR_CONFIG", filepath.Join(dir, "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for missing file")
	}

	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("http: [unterminated"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CHATDIR_CONFIG", path)
	if _, err := Load(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestRedactedSnapshot(t *testing.T) {
	cfg := Defaults()
	cfg.YouTube.LiveID = "abcdefghijk"
	cfg.YouTube.LiveIDFile = "/run/live-id"
	cfg.Archive.SQLitePath = "/data/chat.db"

	redacted := cfg.Redacted()
	yt := redacted["youtube"].(map[string]any)
	if yt["live_id"].(string) != "***REDACTED*** (len=11)" {
		t.Fatalf("unexpected redacted live id: %v", yt["live_id"])
	}
	if yt["live_id_file"].(string) != "/run/live-id" {
		t.Fatalf("expected live id file preserved, got %v", yt["live_id_file"])
	}
	if redacted["archive"].(map[string]any)["sqlite_path"].(string) != "/data/chat.db" {
		t.Fatalf("expected sqlite path preserved in redacted snapshot")
	}
	if redacted["buffer"].(map[string]any)["max_regular"].(int) != 200 {
		t.Fatalf("unexpected max_regular in redacted snapshot")
	}

	var decoded map[string]any
	if err := json.Unmarshal(cfg.RedactedJSON(), &decoded); err != nil {
		t.Fatalf("redacted json: %v", err)
	}
	if _, ok := decoded["http"]; !ok {
		t.Fatalf("expected http section in redacted json")
	}
}

func TestSummaryJSON(t *testing.T) {
	cfg := Defaults()
	cfg.YouTube.LiveID = "abcdefghijk"

	var payload struct {
		Config Summary `json:"config_summary"`
	}
	if err := json.Unmarshal(cfg.SummaryJSON(), &payload); err != nil {
		t.Fatalf("summary json: %v", err)
	}
	if !payload.Config.LiveID || payload.Config.Archive || payload.Config.MaxRegular != 200 {
		t.Fatalf("unexpected summary: %+v", payload.Config)
	}
}
