package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP    HTTPConfig    `yaml:"http"`
	Buffer  BufferConfig  `yaml:"buffer"`
	Query   QueryConfig   `yaml:"query"`
	YouTube YouTubeConfig `yaml:"youtube"`
	Mock    bool          `yaml:"mock"`
	Archive ArchiveConfig `yaml:"archive"`
}

type HTTPConfig struct {
	Addr        string   `yaml:"addr"`
	CORSOrigins []string `yaml:"cors_origins"`
	RateRPS     int      `yaml:"rate_rps"`
	RateBurst   int      `yaml:"rate_burst"`
	Metrics     bool     `yaml:"metrics"`
	AccessLog   bool     `yaml:"access_log"`
}

type BufferConfig struct {
	MaxRegular int `yaml:"max_regular"`
}

type QueryConfig struct {
	DefaultPageSize int `yaml:"default_page_size"`
	MaxPageSize     int `yaml:"max_page_size"`
	RegexMaxLen     int `yaml:"regex_max_len"`
}

type YouTubeConfig struct {
	LiveID          string `yaml:"live_id"`
	LiveIDFile      string `yaml:"live_id_file"`
	PollTimeoutSecs int    `yaml:"poll_timeout_secs"`
	PollIntervalMS  int    `yaml:"poll_interval_ms"`
	DumpUnhandled   bool   `yaml:"dump_unhandled"`
}

type ArchiveConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
	BatchSize  int    `yaml:"batch_size"`
	FlushMS    int    `yaml:"flush_ms"`
}

const (
	defaultAddr            = ":4100"
	defaultRateRPS         = 20
	defaultRateBurst       = 40
	defaultMaxRegular      = 200
	defaultPageSize        = 100
	defaultMaxPageSize     = 500
	defaultRegexMaxLen     = 256
	defaultPollTimeoutSecs = 15
	defaultPollIntervalMS  = 1500
	defaultBatchSize       = 1
	defaultFlushMS         = 0
)

// Defaults returns the configuration used when neither a file nor the
// environment sets a value.
func Defaults() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:        defaultAddr,
			CORSOrigins: []string{"*"},
			RateRPS:     defaultRateRPS,
			RateBurst:   defaultRateBurst,
			Metrics:     true,
		},
		Buffer: BufferConfig{MaxRegular: defaultMaxRegular},
		Query: QueryConfig{
			DefaultPageSize: defaultPageSize,
			MaxPageSize:     defaultMaxPageSize,
			RegexMaxLen:     defaultRegexMaxLen,
		},
		YouTube: YouTubeConfig{
			PollTimeoutSecs: defaultPollTimeoutSecs,
			PollIntervalMS:  defaultPollIntervalMS,
		},
		Mock: true,
		Archive: ArchiveConfig{
			BatchSize: defaultBatchSize,
			FlushMS:   defaultFlushMS,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by CHATDIR_CONFIG, then CHATDIR_* environment overrides.
func Load() (Config, error) {
	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv("CHATDIR_CONFIG")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return cfg, err
		}
	}
	cfg.applyEnv()
	cfg.normalize()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTP.Addr = readString("CHATDIR_HTTP_ADDR", c.HTTP.Addr)
	if raw := strings.TrimSpace(os.Getenv("CHATDIR_HTTP_CORS_ORIGINS")); raw != "" {
		c.HTTP.CORSOrigins = splitList(raw)
		if strings.EqualFold(raw, "none") {
			c.HTTP.CORSOrigins = nil
		}
	}
	c.HTTP.RateRPS = readInt("CHATDIR_HTTP_RATE_RPS", c.HTTP.RateRPS)
	c.HTTP.RateBurst = readInt("CHATDIR_HTTP_RATE_BURST", c.HTTP.RateBurst)
	c.HTTP.Metrics = readBool("CHATDIR_HTTP_METRICS", c.HTTP.Metrics)
	c.HTTP.AccessLog = readBool("CHATDIR_HTTP_ACCESS_LOG", c.HTTP.AccessLog)

	c.Buffer.MaxRegular = readInt("CHATDIR_MAX_REGULAR", c.Buffer.MaxRegular)
	c.Query.DefaultPageSize = readInt("CHATDIR_DEFAULT_PAGE_SIZE", c.Query.DefaultPageSize)
	c.Query.MaxPageSize = readInt("CHATDIR_MAX_PAGE_SIZE", c.Query.MaxPageSize)
	c.Query.RegexMaxLen = readInt("CHATDIR_REGEX_MAX_LEN", c.Query.RegexMaxLen)

	c.YouTube.LiveID = readString("CHATDIR_YT_LIVE_ID", c.YouTube.LiveID)
	c.YouTube.LiveIDFile = readString("CHATDIR_YT_LIVE_ID_FILE", c.YouTube.LiveIDFile)
	c.YouTube.PollTimeoutSecs = readInt("CHATDIR_YT_POLL_TIMEOUT_SECS", c.YouTube.PollTimeoutSecs)
	c.YouTube.PollIntervalMS = readInt("CHATDIR_YT_POLL_INTERVAL_MS", c.YouTube.PollIntervalMS)
	c.YouTube.DumpUnhandled = readBool("CHATDIR_YT_DUMP_UNHANDLED", c.YouTube.DumpUnhandled)

	c.Mock = readBool("CHATDIR_MOCK", c.Mock)

	c.Archive.SQLitePath = readString("CHATDIR_ARCHIVE_SQLITE_PATH", c.Archive.SQLitePath)
	c.Archive.BatchSize = readInt("CHATDIR_ARCHIVE_BATCH_SIZE", c.Archive.BatchSize)
	c.Archive.FlushMS = readNonNegativeInt("CHATDIR_ARCHIVE_FLUSH_MS", c.Archive.FlushMS)
}

// normalize replaces non-positive values left by a config file with defaults.
func (c *Config) normalize() {
	c.HTTP.Addr = strings.TrimSpace(c.HTTP.Addr)
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = defaultAddr
	}
	c.HTTP.CORSOrigins = dedupe(c.HTTP.CORSOrigins)
	positive(&c.HTTP.RateRPS, defaultRateRPS)
	positive(&c.HTTP.RateBurst, defaultRateBurst)
	positive(&c.Buffer.MaxRegular, defaultMaxRegular)
	positive(&c.Query.DefaultPageSize, defaultPageSize)
	positive(&c.Query.MaxPageSize, defaultMaxPageSize)
	positive(&c.Query.RegexMaxLen, defaultRegexMaxLen)
	if c.Query.DefaultPageSize > c.Query.MaxPageSize {
		c.Query.DefaultPageSize = c.Query.MaxPageSize
	}
	positive(&c.YouTube.PollTimeoutSecs, defaultPollTimeoutSecs)
	positive(&c.YouTube.PollIntervalMS, defaultPollIntervalMS)
	c.YouTube.LiveID = strings.TrimSpace(c.YouTube.LiveID)
	c.YouTube.LiveIDFile = strings.TrimSpace(c.YouTube.LiveIDFile)
	c.Archive.SQLitePath = strings.TrimSpace(c.Archive.SQLitePath)
	positive(&c.Archive.BatchSize, defaultBatchSize)
	if c.Archive.FlushMS < 0 {
		c.Archive.FlushMS = defaultFlushMS
	}
}

func positive(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	return dedupe(parts)
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		key := strings.ToLower(v)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func readString(name, def string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	return raw
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n <= 0 {
		return def
	}
	return n
}

func readNonNegativeInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func (c Config) ArchiveEnabled() bool { return c.Archive.SQLitePath != "" }

func (c Config) FlushInterval() time.Duration {
	if c.Archive.FlushMS <= 0 {
		return 0
	}
	return time.Duration(c.Archive.FlushMS) * time.Millisecond
}

func (c Config) Batch() int {
	if c.Archive.BatchSize <= 0 {
		return defaultBatchSize
	}
	return c.Archive.BatchSize
}

func (c Config) Summary() Summary {
	return Summary{
		Addr:        c.HTTP.Addr,
		CORSOrigins: len(c.HTTP.CORSOrigins),
		Metrics:     c.HTTP.Metrics,
		MaxRegular:  c.Buffer.MaxRegular,
		MaxPageSize: c.Query.MaxPageSize,
		LiveID:      c.YouTube.LiveID != "",
		LiveIDFile:  c.YouTube.LiveIDFile,
		Mock:        c.Mock,
		Archive:     c.ArchiveEnabled(),
		BatchSize:   c.Batch(),
		FlushMS:     c.Archive.FlushMS,
	}
}

type Summary struct {
	Addr        string `json:"addr"`
	CORSOrigins int    `json:"cors_origins"`
	Metrics     bool   `json:"metrics"`
	MaxRegular  int    `json:"max_regular"`
	MaxPageSize int    `json:"max_page_size"`
	LiveID      bool   `json:"live_id"`
	LiveIDFile  string `json:"live_id_file,omitempty"`
	Mock        bool   `json:"mock"`
	Archive     bool   `json:"archive"`
	BatchSize   int    `json:"batch"`
	FlushMS     int    `json:"flush_ms"`
}

// Redacted returns the full configuration with values that may identify a
// stream replaced by their length.
func (c Config) Redacted() map[string]any {
	return map[string]any{
		"http": map[string]any{
			"addr":         c.HTTP.Addr,
			"cors_origins": append([]string(nil), c.HTTP.CORSOrigins...),
			"rate_rps":     c.HTTP.RateRPS,
			"rate_burst":   c.HTTP.RateBurst,
			"metrics":      c.HTTP.Metrics,
			"access_log":   c.HTTP.AccessLog,
		},
		"buffer": map[string]any{
			"max_regular": c.Buffer.MaxRegular,
		},
		"query": map[string]any{
			"default_page_size": c.Query.DefaultPageSize,
			"max_page_size":     c.Query.MaxPageSize,
			"regex_max_len":     c.Query.RegexMaxLen,
		},
		"youtube": map[string]any{
			"live_id":           redactString(c.YouTube.LiveID),
			"live_id_file":      c.YouTube.LiveIDFile,
			"poll_timeout_secs": c.YouTube.PollTimeoutSecs,
			"poll_interval_ms":  c.YouTube.PollIntervalMS,
			"dump_unhandled":    c.YouTube.DumpUnhandled,
		},
		"mock": c.Mock,
		"archive": map[string]any{
			"sqlite_path": c.Archive.SQLitePath,
			"batch_size":  c.Batch(),
			"flush_ms":    c.Archive.FlushMS,
		},
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}

func (c Config) SummaryJSON() []byte {
	summary := struct {
		Config Summary `json:"config_summary"`
	}{Config: c.Summary()}
	data, _ := json.Marshal(summary)
	return data
}
