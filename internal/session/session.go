package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/you/chat-director/internal/core"
	"github.com/you/chat-director/internal/ingesttrace"
	"github.com/you/chat-director/internal/normalize"
	"github.com/you/chat-director/internal/retention"
	"github.com/you/chat-director/internal/selection"
	"github.com/you/chat-director/internal/ytlive"
)

var (
	ErrInvalidLiveID = errors.New("session: invalid live id or url")
	ErrNotConnected  = errors.New("session: not connected")
	ErrClosed        = errors.New("session: manager closed")
)

const liveSource = "youtube"

// Source is one upstream chat session. Open performs the bootstrap and must
// succeed before Run is called; Run blocks delivering raw events until ctx is
// cancelled or the upstream fails.
type Source interface {
	Open(ctx context.Context) error
	Run(ctx context.Context, emit func(normalize.RawEvent)) error
}

// SourceFactory builds a Source for a resolved live id.
type SourceFactory func(liveID string) Source

// Resolver turns channel URLs and handles into the id of their current
// stream.
type Resolver interface {
	LiveID(ctx context.Context, raw string) (string, error)
}

// Archiver receives every buffered message. Implementations must not block
// for long; the ingest path waits on them.
type Archiver interface {
	Write(core.ChatMessage, *ingesttrace.EventTrace) error
}

// Mode describes what is feeding the buffer.
type Mode string

const (
	ModeIdle Mode = "idle"
	ModeMock Mode = "mock"
	ModeLive Mode = "live"
)

// Status is a point-in-time view of the session.
type Status struct {
	Mode      Mode       `json:"mode"`
	Connected bool       `json:"connected"`
	LiveID    string     `json:"liveId,omitempty"`
	SessionID string     `json:"sessionId,omitempty"`
	Poll      *core.Poll `json:"poll"`
	LastError string     `json:"lastError,omitempty"`
}

// Options configures a Manager. Buffer, Selection and NewSource are required.
type Options struct {
	Buffer       *retention.Buffer
	Selection    *selection.Channel
	NewSource    SourceFactory
	Resolver     Resolver
	Archive      Archiver
	Metrics      *Metrics
	Mock         bool
	MockInterval time.Duration
	LiveIDFile   string
	Logger       *slog.Logger
	Now          func() time.Time
}

// Manager owns the lifecycle of the single active chat session and the
// ingest path from raw events into the retention buffer.
type Manager struct {
	buffer       *retention.Buffer
	selection    *selection.Channel
	newSource    SourceFactory
	resolver     Resolver
	archive      Archiver
	metrics      *Metrics
	logger       *slog.Logger
	now          func() time.Time
	mock         bool
	mockInterval time.Duration
	liveIDFile   string

	normalizer *normalize.Normalizer
	drops      *dropLogger

	// lifecycle serializes Connect, Disconnect, Reload and Close.
	lifecycle sync.Mutex

	mu        sync.RWMutex
	mode      Mode
	connected bool
	input     string
	liveID    string
	sessionID string
	poll      *core.Poll
	lastErr   string
	closed    bool
	stop      context.CancelFunc
	done      chan struct{}
}

// New creates a Manager in idle mode. Call Start to begin the mock feed.
func New(opts Options) *Manager {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	interval := opts.MockInterval
	if interval <= 0 {
		interval = defaultMockInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		buffer:       opts.Buffer,
		selection:    opts.Selection,
		newSource:    opts.NewSource,
		resolver:     opts.Resolver,
		archive:      opts.Archive,
		metrics:      opts.Metrics,
		logger:       logger,
		now:          now,
		mock:         opts.Mock,
		mockInterval: interval,
		liveIDFile:   strings.TrimSpace(opts.LiveIDFile),
		normalizer:   normalize.NewWithClock(now),
		drops:        newDropLogger(now(), readDropDebugEnv(), dropSummaryInterval),
		mode:         ModeIdle,
	}
}

// Start begins the mock feed when mock mode is enabled and nothing is
// connected.
func (m *Manager) Start() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.RLock()
	idle := !m.closed && m.mode == ModeIdle
	m.mu.RUnlock()
	if idle && m.mock {
		m.startMockLocked()
	}
}

// Connect resolves input to a live id, tears down whatever is running,
// clears the buffer and selection, and bootstraps a new source. It returns
// only after the bootstrap succeeds or fails.
func (m *Manager) Connect(ctx context.Context, input string) (string, error) {
	liveID, err := m.resolveLiveID(ctx, input)
	if err != nil {
		m.metrics.incConnect("invalid")
		return "", err
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.isClosed() {
		return "", ErrClosed
	}

	m.stopLocked()
	m.resetLocked()

	src := m.newSource(liveID)
	if err := src.Open(ctx); err != nil {
		m.metrics.incConnect("error")
		log.Printf("session: connect failed live_id=%s: %v", liveID, err)
		m.mu.Lock()
		m.mode = ModeIdle
		m.connected = false
		m.input, m.liveID, m.sessionID = "", "", ""
		m.lastErr = err.Error()
		m.mu.Unlock()
		if m.mock {
			m.startMockLocked()
		}
		return "", fmt.Errorf("session: open %s: %w", liveID, err)
	}

	sessionID := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	m.mu.Lock()
	m.mode = ModeLive
	m.connected = true
	m.input = strings.TrimSpace(input)
	m.liveID = liveID
	m.sessionID = sessionID
	m.lastErr = ""
	m.stop, m.done = cancel, done
	m.mu.Unlock()

	go m.runSource(runCtx, src, sessionID, done)

	m.metrics.incConnect("ok")
	log.Printf("session: connected live_id=%s session=%s", liveID, sessionID)
	return liveID, nil
}

// Disconnect stops the live source, clears the buffer and selection, and
// falls back to the mock feed when enabled. Disconnecting while idle still
// clears state.
func (m *Manager) Disconnect() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.isClosed() {
		return ErrClosed
	}

	m.mu.RLock()
	liveID := m.liveID
	m.mu.RUnlock()

	m.stopLocked()
	m.resetLocked()

	m.mu.Lock()
	m.mode = ModeIdle
	m.connected = false
	m.input, m.liveID, m.sessionID = "", "", ""
	m.lastErr = ""
	m.mu.Unlock()

	if m.mock {
		m.startMockLocked()
	}
	if liveID != "" {
		log.Printf("session: disconnected live_id=%s", liveID)
	}
	return nil
}

// Reload reconnects using the live-id file when one is configured, otherwise
// the input of the current session.
func (m *Manager) Reload(ctx context.Context) (string, error) {
	input, err := m.reloadInput()
	if err != nil {
		return "", err
	}
	if input == "" {
		return "", ErrNotConnected
	}
	return m.Connect(ctx, input)
}

func (m *Manager) reloadInput() (string, error) {
	if m.liveIDFile != "" {
		return readLiveIDFile(m.liveIDFile)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.input, nil
}

// Status reports mode, live id and poll state.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		Mode:      m.mode,
		Connected: m.connected,
		LiveID:    m.liveID,
		SessionID: m.sessionID,
		Poll:      copyPoll(m.poll),
		LastError: m.lastErr,
	}
}

// Poll returns the current poll, or nil when none is open.
func (m *Manager) Poll() *core.Poll {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyPoll(m.poll)
}

// Ingest pushes one raw event through normalization into the buffer as if it
// had come from the active source.
func (m *Manager) Ingest(ev normalize.RawEvent) normalize.Result {
	m.mu.RLock()
	sessionID := m.sessionID
	m.mu.RUnlock()
	return m.ingest(ev, "emit", sessionID)
}

// Close stops everything. The manager cannot be reused.
func (m *Manager) Close() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.stopLocked()
	m.drops.flush(m.now())

	m.mu.Lock()
	m.mode = ModeIdle
	m.connected = false
	m.mu.Unlock()
	return nil
}

func (m *Manager) resolveLiveID(ctx context.Context, input string) (string, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return "", ErrInvalidLiveID
	}
	if ytlive.NeedsResolve(raw) {
		if m.resolver == nil {
			return "", ErrInvalidLiveID
		}
		id, err := m.resolver.LiveID(ctx, raw)
		switch {
		case errors.Is(err, ytlive.ErrNotLive):
			return "", fmt.Errorf("%w: %v", ErrInvalidLiveID, err)
		case err != nil:
			return "", fmt.Errorf("session: resolve %q: %w", raw, err)
		}
		return id, nil
	}
	id := ytlive.ExtractLiveID(raw)
	if id == "" {
		return "", ErrInvalidLiveID
	}
	return id, nil
}

func (m *Manager) runSource(ctx context.Context, src Source, sessionID string, done chan struct{}) {
	defer close(done)

	err := src.Run(ctx, func(ev normalize.RawEvent) {
		m.ingest(ev, liveSource, sessionID)
	})
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = errors.New("source ended")
	}

	m.mu.Lock()
	current := m.sessionID == sessionID
	if current {
		m.mode = ModeIdle
		m.connected = false
		m.lastErr = err.Error()
	}
	liveID := m.liveID
	m.mu.Unlock()

	if current {
		log.Printf("session: source stopped live_id=%s: %v", liveID, err)
	}
}

// ingest runs one event through normalize, buffer and archive, counting each
// stage on a trace.
func (m *Manager) ingest(ev normalize.RawEvent, source, sessionID string) normalize.Result {
	m.metrics.incSeen()
	trace := ingesttrace.NewTraceFromProviderEvent(source, sessionID, ev.Type, summarizeFields(ev.Fields))

	res := m.normalizer.Normalize(ev)
	switch {
	case res.Dropped:
		trace.IncCounter(ingesttrace.StageDropped(res.Reason))
		m.metrics.incDropped(res.Reason)
		m.drops.note(m.now(), res.Reason, ev)
	case res.PollUpdate:
		trace.IncCounter(ingesttrace.StagePollUpdated)
		m.metrics.incPollUpdates()
		m.mu.Lock()
		m.poll = copyPoll(res.Poll)
		m.mu.Unlock()
	case res.Message != nil:
		trace.IncCounter(ingesttrace.StageNormalizedOK)
		m.metrics.incNormalized(res.Kind)

		evicted := m.buffer.Append(*res.Message)
		trace.IncCounter(ingesttrace.StageBuffered)
		for i := 0; i < evicted; i++ {
			trace.IncCounter(ingesttrace.StageEvicted)
		}
		m.metrics.addEvicted(evicted)

		if m.archive != nil {
			if err := m.archive.Write(*res.Message, trace); err != nil {
				m.metrics.incArchiveErrors()
				log.Printf("session: archive write failed id=%s: %v", res.Message.ID, err)
			} else {
				trace.IncCounter(ingesttrace.StageArchived)
			}
		}
	}

	trace.LogTrace(m.logger, "session: ingest")
	return res
}

func (m *Manager) startMockLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	sessionID := uuid.NewString()

	m.mu.Lock()
	m.mode = ModeMock
	m.connected = false
	m.sessionID = sessionID
	m.stop, m.done = cancel, done
	m.mu.Unlock()

	go m.runMock(ctx, sessionID, done)
}

// stopLocked cancels the running source or mock feed and waits for its
// goroutine so no event from it can land after the following reset.
func (m *Manager) stopLocked() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()

	if stop == nil {
		return
	}
	stop()
	<-done
}

func (m *Manager) resetLocked() {
	m.buffer.Reset()
	m.selection.Clear()
	m.normalizer.Reset()
	m.drops.flush(m.now())

	m.mu.Lock()
	m.poll = nil
	m.mu.Unlock()
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func readLiveIDFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("session: read live id file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func copyPoll(p *core.Poll) *core.Poll {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}
