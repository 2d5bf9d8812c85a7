package ingesttrace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
)

// Stage represents a pipeline stage used for tracking event processing.
type Stage string

const (
	StageSeenFromProvider Stage = "seen_from_provider"
	StageNormalizedOK     Stage = "normalized_ok"
	StagePollUpdated      Stage = "poll_updated"
	StageBuffered         Stage = "buffered"
	StageEvicted          Stage = "evicted"
	StageArchived         Stage = "archived"

	StageDroppedPrefix = "dropped_"
)

// StageDropped creates a Stage for a dropped event with the given reason.
func StageDropped(reason string) Stage {
	return Stage(fmt.Sprintf("%s%s", StageDroppedPrefix, reason))
}

// EventTrace captures trace metadata for one raw event on its way through
// normalize, buffer and archive.
type EventTrace struct {
	Source    string
	SessionID string
	EventType string
	Snippet   string
	TraceID   string

	mu       sync.Mutex
	counters map[Stage]int64
}

// NewTraceFromProviderEvent constructs a trace from provider metadata and seeds
// the seen_from_provider counter.
func NewTraceFromProviderEvent(source, sessionID, eventType, snippet string) *EventTrace {
	trace := &EventTrace{
		Source:    source,
		SessionID: sessionID,
		EventType: eventType,
		Snippet:   snippet,
		TraceID:   computeTraceID(source, sessionID, eventType, snippet),
		counters:  make(map[Stage]int64),
	}

	trace.counters[StageSeenFromProvider] = 1
	return trace
}

// IncCounter increments the counter for the provided stage and returns the updated value.
func (t *EventTrace) IncCounter(stage Stage) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counters[stage]++
	return t.counters[stage]
}

// Counter reports the current value for stage.
func (t *EventTrace) Counter(stage Stage) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters[stage]
}

// LogTrace logs the trace metadata and counters at debug level.
func (t *EventTrace) LogTrace(logger *slog.Logger, msg string) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Debug(msg,
		"trace_id", t.TraceID,
		"source", t.Source,
		"session_id", t.SessionID,
		"event_type", t.EventType,
		"snippet", t.Snippet,
		"counters", t.snapshotCounters(),
	)
}

func (t *EventTrace) snapshotCounters() map[Stage]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[Stage]int64, len(t.counters))
	for stage, count := range t.counters {
		out[stage] = count
	}

	return out
}

func computeTraceID(source, sessionID, eventType, snippet string) string {
	digest := sha256.Sum256([]byte(source + "\x1f" + sessionID + "\x1f" + eventType + "\x1f" + snippet))
	return hex.EncodeToString(digest[:16])
}
