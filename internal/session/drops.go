package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/you/chat-director/internal/normalize"
)

const (
	dropSummaryInterval = 5 * time.Second
	dropSampleMaxLen    = 96
)

var longTokenRe = regexp.MustCompile(`[A-Za-z0-9+/_=\-]{40,}`)

type dropReasonSummary struct {
	total        int
	byType       map[string]int
	sampleByType map[string]string
}

// dropLogger aggregates normalization drops per reason and writes one
// summary line per reason every interval.
type dropLogger struct {
	verbose  bool
	interval time.Duration

	mu       sync.Mutex
	nextEmit time.Time
	reasons  map[string]*dropReasonSummary
}

func newDropLogger(now time.Time, verbose bool, interval time.Duration) *dropLogger {
	if interval <= 0 {
		interval = dropSummaryInterval
	}
	return &dropLogger{
		verbose:  verbose,
		interval: interval,
		nextEmit: now.Add(interval),
		reasons:  make(map[string]*dropReasonSummary),
	}
}

func (d *dropLogger) note(now time.Time, reason string, ev normalize.RawEvent) {
	if d == nil {
		return
	}
	eventType := strings.TrimSpace(ev.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}
	sample := summarizeFields(ev.Fields)
	if d.verbose {
		slog.Debug("session: dropped event",
			"reason", reason,
			"type", eventType,
			"sample", sample,
		)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	entry := d.reasons[reason]
	if entry == nil {
		entry = &dropReasonSummary{
			byType:       make(map[string]int),
			sampleByType: make(map[string]string),
		}
		d.reasons[reason] = entry
	}
	entry.total++
	entry.byType[eventType]++
	if _, ok := entry.sampleByType[eventType]; !ok {
		entry.sampleByType[eventType] = sample
	}

	if !now.Before(d.nextEmit) {
		d.flushLocked(now)
	}
}

func (d *dropLogger) flush(now time.Time) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushLocked(now)
}

func (d *dropLogger) flushLocked(now time.Time) {
	if len(d.reasons) == 0 {
		d.nextEmit = now.Add(d.interval)
		return
	}
	for _, reason := range sortedKeys(d.reasons) {
		rs := d.reasons[reason]
		if rs == nil || rs.total == 0 {
			continue
		}
		slog.Info("session: dropped_"+reason,
			"total", rs.total,
			"types", formatTypeCounts(rs.byType),
			"samples", formatTypeSamples(rs.sampleByType),
		)
	}
	clear(d.reasons)
	d.nextEmit = now.Add(d.interval)
}

// summarizeFields renders a short single-line sample of a raw payload.
func summarizeFields(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return sanitizeAndTruncate(fmt.Sprint(fields), dropSampleMaxLen)
	}
	return sanitizeAndTruncate(string(raw), dropSampleMaxLen)
}

func sanitizeAndTruncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	s = strings.Join(strings.Fields(s), " ")
	s = longTokenRe.ReplaceAllString(s, "[REDACTED]")

	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func readDropDebugEnv() bool {
	raw := strings.TrimSpace(os.Getenv("CHATDIR_LOG_DROPS"))
	switch strings.ToLower(raw) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func formatTypeCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(counts))
	for _, typ := range sortedKeys(counts) {
		parts = append(parts, fmt.Sprintf("%s:%d", typ, counts[typ]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func formatTypeSamples(samples map[string]string) string {
	if len(samples) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(samples))
	for _, typ := range sortedKeys(samples) {
		parts = append(parts, typ+":'"+samples[typ]+"'")
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
