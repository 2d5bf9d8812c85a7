package ingesttrace

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestTraceIDDeterminism(t *testing.T) {
	first := NewTraceFromProviderEvent("youtube", "sess-a", "LiveChatTextMessage", "hello world")
	second := NewTraceFromProviderEvent("youtube", "sess-a", "LiveChatTextMessage", "hello world")
	if first.TraceID != second.TraceID {
		t.Fatalf("expected deterministic trace id, got %q and %q", first.TraceID, second.TraceID)
	}

	different := NewTraceFromProviderEvent("youtube", "sess-b", "LiveChatTextMessage", "hello world")
	if first.TraceID == different.TraceID {
		t.Fatalf("expected different trace id when session changes")
	}
	if len(first.TraceID) != 32 {
		t.Fatalf("expected 32 hex chars, got %d", len(first.TraceID))
	}
}

func TestCounterIncrements(t *testing.T) {
	trace := NewTraceFromProviderEvent("mock", "sess", "LiveChatPaidMessage", "hi there")

	if count := trace.Counter(StageSeenFromProvider); count != 1 {
		t.Fatalf("expected seen_from_provider to be seeded, got %d", count)
	}

	if count := trace.IncCounter(StageNormalizedOK); count != 1 {
		t.Fatalf("expected normalized_ok to be 1, got %d", count)
	}

	if count := trace.IncCounter(StageDropped("gift_redemption")); count != 1 {
		t.Fatalf("expected dropped_gift_redemption to be 1, got %d", count)
	}

	if count := trace.IncCounter(StageDropped("gift_redemption")); count != 2 {
		t.Fatalf("expected dropped_gift_redemption to be 2 after increment, got %d", count)
	}

	if count := trace.IncCounter(StageArchived); count != 1 {
		t.Fatalf("expected archived to be 1, got %d", count)
	}
}

func TestLogTraceIncludesCounters(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	trace := NewTraceFromProviderEvent("youtube", "sess", "LiveChatTextMessage", "snippet")
	trace.IncCounter(StageBuffered)
	trace.LogTrace(logger, "ingest")

	out := buf.String()
	for _, want := range []string{"trace_id=", "session_id=sess", "buffered:1", "seen_from_provider:1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %q", want, out)
		}
	}
}
