package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/you/chat-director/internal/core"
	"github.com/you/chat-director/internal/ingesttrace"
	"github.com/you/chat-director/internal/normalize"
	"github.com/you/chat-director/internal/retention"
	"github.com/you/chat-director/internal/selection"
	"github.com/you/chat-director/internal/ytlive"
)

type fakeSource struct {
	openErr error
	runErr  error
	events  []normalize.RawEvent
}

func (f *fakeSource) Open(context.Context) error { return f.openErr }

func (f *fakeSource) Run(ctx context.Context, emit func(normalize.RawEvent)) error {
	for _, ev := range f.events {
		emit(ev)
	}
	if f.runErr != nil {
		return f.runErr
	}
	<-ctx.Done()
	return ctx.Err()
}

type fakeResolver struct {
	id  string
	err error
}

func (r fakeResolver) LiveID(context.Context, string) (string, error) { return r.id, r.err }

type recordingArchive struct {
	mu   sync.Mutex
	ids  []string
	fail bool
}

func (a *recordingArchive) Write(msg core.ChatMessage, _ *ingesttrace.EventTrace) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return errors.New("disk full")
	}
	a.ids = append(a.ids, msg.ID)
	return nil
}

func (a *recordingArchive) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.ids)
}

func textEvent(id, text string) normalize.RawEvent {
	return normalize.RawEvent{Type: "LiveChatTextMessage", Fields: map[string]any{
		"id":      id,
		"author":  map[string]any{"name": "viewer", "id": "UC" + id},
		"message": text,
	}}
}

type harness struct {
	mgr     *Manager
	buffer  *retention.Buffer
	sel     *selection.Channel
	sources map[string]*fakeSource
	mu      sync.Mutex
	opened  []string
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{sources: make(map[string]*fakeSource)}
	h.buffer = retention.New(10)
	h.sel = selection.New(h.buffer)
	opts.Buffer = h.buffer
	opts.Selection = h.sel
	opts.NewSource = func(liveID string) Source {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.opened = append(h.opened, liveID)
		if src, ok := h.sources[liveID]; ok {
			return src
		}
		return &fakeSource{}
	}
	h.mgr = New(opts)
	t.Cleanup(func() { _ = h.mgr.Close() })
	return h
}

func (h *harness) setSource(liveID string, src *fakeSource) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sources[liveID] = src
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectRejectsInvalidInput(t *testing.T) {
	h := newHarness(t, Options{})
	for _, in := range []string{"", "   ", "short", "not a url"} {
		if _, err := h.mgr.Connect(context.Background(), in); !errors.Is(err, ErrInvalidLiveID) {
			t.Fatalf("Connect(%q) error = %v, want ErrInvalidLiveID", in, err)
		}
	}
	if len(h.opened) != 0 {
		t.Fatalf("no source should be built for invalid input, got %v", h.opened)
	}
}

func TestConnectIngestsAndDisconnectClears(t *testing.T) {
	h := newHarness(t, Options{})
	h.setSource("abcdefghijk", &fakeSource{events: []normalize.RawEvent{
		textEvent("m1", "hello"),
		textEvent("m2", "world"),
		{Type: "LiveChatSponsorshipsGiftRedemptionAnnouncement", Fields: map[string]any{"id": "r1"}},
		{Type: "UpdateLiveChatPollAction", Fields: map[string]any{"id": "poll-1"}},
	}})

	id, err := h.mgr.Connect(context.Background(), "https://www.youtube.com/watch?v=abcdefghijk")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if id != "abcdefghijk" {
		t.Fatalf("Connect() id = %q", id)
	}

	waitFor(t, "messages", func() bool { return h.buffer.Len() == 2 })
	waitFor(t, "poll", func() bool { return h.mgr.Poll() != nil })

	st := h.mgr.Status()
	if st.Mode != ModeLive || !st.Connected || st.LiveID != "abcdefghijk" || st.SessionID == "" {
		t.Fatalf("unexpected status %+v", st)
	}
	if st.Poll == nil || st.Poll.ID != "poll-1" || !st.Poll.Active {
		t.Fatalf("unexpected poll %+v", st.Poll)
	}

	if err := h.sel.Select("m1"); err != nil {
		t.Fatalf("Select() error = %v", err)
	}

	if err := h.mgr.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if h.buffer.Len() != 0 {
		t.Fatalf("expected buffer cleared, got %d", h.buffer.Len())
	}
	if _, ok := h.sel.Current(); ok {
		t.Fatalf("expected selection cleared")
	}
	st = h.mgr.Status()
	if st.Mode != ModeIdle || st.Connected || st.LiveID != "" || st.Poll != nil {
		t.Fatalf("unexpected status after disconnect %+v", st)
	}
}

func TestConnectResetsPreviousSession(t *testing.T) {
	h := newHarness(t, Options{})
	h.setSource("aaaaaaaaaaa", &fakeSource{events: []normalize.RawEvent{textEvent("dup", "first")}})
	h.setSource("bbbbbbbbbbb", &fakeSource{events: []normalize.RawEvent{textEvent("dup", "second")}})

	if _, err := h.mgr.Connect(context.Background(), "aaaaaaaaaaa"); err != nil {
		t.Fatalf("Connect(a) error = %v", err)
	}
	waitFor(t, "first session", func() bool { return h.buffer.Len() == 1 })
	first := h.mgr.Status().SessionID

	if _, err := h.mgr.Connect(context.Background(), "bbbbbbbbbbb"); err != nil {
		t.Fatalf("Connect(b) error = %v", err)
	}
	waitFor(t, "second session", func() bool { return h.buffer.Len() == 1 })

	msg, ok := h.buffer.Find("dup")
	if !ok || msg.Text != "second" {
		t.Fatalf("expected id counter reset and only second session data, got %+v ok=%v", msg, ok)
	}
	if h.mgr.Status().SessionID == first {
		t.Fatalf("expected a fresh session id")
	}
}

func TestConnectOpenFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.setSource("abcdefghijk", &fakeSource{openErr: ytlive.ErrNoLiveChat})
	h.buffer.Append(core.ChatMessage{ID: "old"})

	if _, err := h.mgr.Connect(context.Background(), "abcdefghijk"); !errors.Is(err, ytlive.ErrNoLiveChat) {
		t.Fatalf("expected wrapped ErrNoLiveChat, got %v", err)
	}
	st := h.mgr.Status()
	if st.Mode != ModeIdle || st.Connected || st.LastError == "" {
		t.Fatalf("unexpected status %+v", st)
	}
	if h.buffer.Len() != 0 {
		t.Fatalf("connect attempt must clear the buffer")
	}
}

func TestSourceFailureMarksDisconnected(t *testing.T) {
	h := newHarness(t, Options{})
	h.setSource("abcdefghijk", &fakeSource{
		events: []normalize.RawEvent{textEvent("m1", "hi")},
		runErr: errors.New("upstream gone"),
	})

	if _, err := h.mgr.Connect(context.Background(), "abcdefghijk"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, "disconnect", func() bool { return !h.mgr.Status().Connected })

	st := h.mgr.Status()
	if st.LastError != "upstream gone" {
		t.Fatalf("unexpected last error %q", st.LastError)
	}
	if h.buffer.Len() != 1 {
		t.Fatalf("source failure must keep buffered history, got %d", h.buffer.Len())
	}
}

func TestConnectResolvesHandles(t *testing.T) {
	h := newHarness(t, Options{Resolver: fakeResolver{id: "resolved123"}})
	id, err := h.mgr.Connect(context.Background(), "@creator")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if id != "resolved123" {
		t.Fatalf("Connect() id = %q", id)
	}

	offline := newHarness(t, Options{Resolver: fakeResolver{err: ytlive.ErrNotLive}})
	if _, err := offline.mgr.Connect(context.Background(), "@creator"); !errors.Is(err, ErrInvalidLiveID) {
		t.Fatalf("expected ErrInvalidLiveID for offline channel, got %v", err)
	}

	noResolver := newHarness(t, Options{})
	if _, err := noResolver.mgr.Connect(context.Background(), "@creator"); !errors.Is(err, ErrInvalidLiveID) {
		t.Fatalf("expected ErrInvalidLiveID without resolver, got %v", err)
	}
}

func TestMockFeedRunsWhileIdle(t *testing.T) {
	h := newHarness(t, Options{Mock: true, MockInterval: 5 * time.Millisecond})
	h.mgr.Start()

	waitFor(t, "mock messages", func() bool { return h.buffer.Len() >= 2 })
	if st := h.mgr.Status(); st.Mode != ModeMock || st.Connected {
		t.Fatalf("unexpected status %+v", st)
	}

	cur, ok := h.sel.Current()
	if !ok {
		t.Fatalf("expected a mock message to be selected")
	}
	n, err := strconv.Atoi(strings.TrimPrefix(cur.Text, "Mock message #"))
	if err != nil || n%mockSelectEvery != 0 {
		t.Fatalf("only every fifth mock message is selected, got %+v", cur)
	}
	if cur.AuthorChannelURL != "https://www.youtube.com/channel/"+cur.AuthorChannelID {
		t.Fatalf("unexpected channel url %q", cur.AuthorChannelURL)
	}
	if cur.AuthorPhoto != "https://api.dicebear.com/7.x/thumbs/svg?seed="+cur.Author {
		t.Fatalf("unexpected photo %q", cur.AuthorPhoto)
	}

	first := mockEvent(time.UnixMilli(1700000000000), 0)
	if first.Fields["id"] != "mock-1700000000000" || first.Fields["message"] != "Mock message #0" {
		t.Fatalf("unexpected mock event %+v", first.Fields)
	}

	h.setSource("abcdefghijk", &fakeSource{events: []normalize.RawEvent{textEvent("live-1", "live")}})
	if _, err := h.mgr.Connect(context.Background(), "abcdefghijk"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, "live message", func() bool { return h.buffer.Len() == 1 })
	time.Sleep(30 * time.Millisecond)
	for _, msg := range h.buffer.Snapshot() {
		if strings.HasPrefix(msg.ID, "mock-") {
			t.Fatalf("mock feed must stop on connect, found %s", msg.ID)
		}
	}

	if err := h.mgr.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if st := h.mgr.Status(); st.Mode != ModeMock {
		t.Fatalf("expected mock to restart after disconnect, got %+v", st)
	}
	waitFor(t, "mock restart", func() bool { return h.buffer.Len() >= 1 })
}

func TestReload(t *testing.T) {
	h := newHarness(t, Options{})
	if _, err := h.mgr.Reload(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	if _, err := h.mgr.Connect(context.Background(), "abcdefghijk"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	id, err := h.mgr.Reload(context.Background())
	if err != nil || id != "abcdefghijk" {
		t.Fatalf("Reload() = %q, %v", id, err)
	}
	if len(h.opened) != 2 {
		t.Fatalf("expected reconnect, opened %v", h.opened)
	}
}

func TestReloadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "live_id")
	if err := os.WriteFile(path, []byte("https://youtu.be/zyxwvutsrqp\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, Options{LiveIDFile: path})

	id, err := h.mgr.Reload(context.Background())
	if err != nil || id != "zyxwvutsrqp" {
		t.Fatalf("Reload() = %q, %v", id, err)
	}

	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := h.mgr.Reload(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected for empty file, got %v", err)
	}
}

func TestWatchLiveIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "live_id")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, Options{LiveIDFile: path})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.mgr.WatchLiveIDFile(ctx); err != nil {
		t.Fatalf("WatchLiveIDFile() error = %v", err)
	}

	if err := os.WriteFile(path, []byte("abcdefghijk"), 0o600); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "connect from file", func() bool { return h.mgr.Status().LiveID == "abcdefghijk" })

	if err := os.WriteFile(path, []byte(""), 0o600); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "disconnect from file", func() bool { return !h.mgr.Status().Connected })
}

func TestArchiveAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	archive := &recordingArchive{}
	h := newHarness(t, Options{Archive: archive, Metrics: metrics})

	h.mgr.Ingest(textEvent("a", "one"))
	h.mgr.Ingest(textEvent("b", "two"))
	h.mgr.Ingest(normalize.RawEvent{Type: "Nope", Fields: map[string]any{"id": "x"}})

	if archive.count() != 2 {
		t.Fatalf("expected 2 archived messages, got %d", archive.count())
	}
	if got := testutil.ToFloat64(metrics.eventsSeen); got != 3 {
		t.Fatalf("events seen = %v", got)
	}
	if got := testutil.ToFloat64(metrics.normalized.WithLabelValues("text")); got != 2 {
		t.Fatalf("normalized text = %v", got)
	}
	if got := testutil.ToFloat64(metrics.dropped.WithLabelValues(normalize.ReasonUnrecognized)); got != 1 {
		t.Fatalf("dropped unrecognized = %v", got)
	}

	archive.fail = true
	h.mgr.Ingest(textEvent("c", "three"))
	if got := testutil.ToFloat64(metrics.archiveErrors); got != 1 {
		t.Fatalf("archive errors = %v", got)
	}
	if h.buffer.Len() != 3 {
		t.Fatalf("archive failure must not block buffering, got %d", h.buffer.Len())
	}
}

func TestIngestCountsEvictions(t *testing.T) {
	metrics := NewMetrics(nil)
	h := newHarness(t, Options{Metrics: metrics})
	for i := 0; i < 15; i++ {
		h.mgr.Ingest(textEvent("", "msg"))
	}
	if h.buffer.Len() != 10 {
		t.Fatalf("expected 10 retained, got %d", h.buffer.Len())
	}
	if got := testutil.ToFloat64(metrics.evicted); got != 5 {
		t.Fatalf("evicted = %v", got)
	}
}

func TestCloseStopsManager(t *testing.T) {
	h := newHarness(t, Options{Mock: true, MockInterval: time.Millisecond})
	h.mgr.Start()
	if err := h.mgr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	n := h.buffer.Len()
	time.Sleep(20 * time.Millisecond)
	if h.buffer.Len() != n {
		t.Fatalf("mock feed kept running after Close")
	}
	if _, err := h.mgr.Connect(context.Background(), "abcdefghijk"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := h.mgr.Disconnect(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestDropLoggerSummaries(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	start := time.Unix(0, 0)
	d := newDropLogger(start, false, time.Second)
	d.note(start, normalize.ReasonGiftRedemption, normalize.RawEvent{Type: "GiftRedemption", Fields: map[string]any{"id": "g1"}})
	d.note(start, normalize.ReasonGiftRedemption, normalize.RawEvent{Type: "GiftRedemption", Fields: map[string]any{"id": "g2"}})
	d.note(start, normalize.ReasonUnrecognized, normalize.RawEvent{})
	if buf.Len() != 0 {
		t.Fatalf("expected no summary before the interval, got %q", buf.String())
	}

	d.note(start.Add(time.Second), normalize.ReasonUnrecognized, normalize.RawEvent{Type: "Other"})
	out := buf.String()
	if !strings.Contains(out, "session: dropped_gift_redemption") || !strings.Contains(out, "total=2") {
		t.Fatalf("missing gift redemption summary: %q", out)
	}
	if !strings.Contains(out, "session: dropped_unrecognized") || !strings.Contains(out, "UNKNOWN:1") {
		t.Fatalf("missing unrecognized summary: %q", out)
	}
	if !strings.Contains(out, `GiftRedemption:'{\"id\":\"g1\"}'`) && !strings.Contains(out, `GiftRedemption:'{"id":"g1"}'`) {
		t.Fatalf("expected first sample kept: %q", out)
	}
}

func TestSanitizeAndTruncate(t *testing.T) {
	long := strings.Repeat("a", 50)
	if got := sanitizeAndTruncate("token "+long, 0); got != "token [REDACTED]" {
		t.Fatalf("unexpected redaction %q", got)
	}
	if got := sanitizeAndTruncate("one\ntwo   three", 0); got != "one two three" {
		t.Fatalf("unexpected whitespace folding %q", got)
	}
	if got := sanitizeAndTruncate("abcdefghij", 8); got != "abcde..." {
		t.Fatalf("unexpected truncation %q", got)
	}
}

func TestReadDropDebugEnv(t *testing.T) {
	t.Setenv("CHATDIR_LOG_DROPS", "yes")
	if !readDropDebugEnv() {
		t.Fatalf("expected verbose drops")
	}
	t.Setenv("CHATDIR_LOG_DROPS", "0")
	if readDropDebugEnv() {
		t.Fatalf("expected quiet drops")
	}
}
