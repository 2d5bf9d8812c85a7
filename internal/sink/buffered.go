package sink

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/you/chat-director/internal/core"
	"github.com/you/chat-director/internal/ingesttrace"
)

// Writer is the archive write side. The session ingest loop calls it once per
// buffered message.
type Writer interface {
	Write(core.ChatMessage, *ingesttrace.EventTrace) error
}

var ErrWriterClosed = errors.New("buffered writer closed")

// BufferedWriter batches archive writes. A batch is flushed when it reaches
// BatchSize or FlushInterval after its first message, whichever comes first.
// Errors from timer flushes are reported by the next Write or Close.
type BufferedWriter struct {
	base          Writer
	batchSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	pending []pendingEntry
	timer   *time.Timer
	closed  bool
	lastErr error
}

type pendingEntry struct {
	msg   core.ChatMessage
	trace *ingesttrace.EventTrace
}

type BufferedOptions struct {
	BatchSize     int
	FlushInterval time.Duration
}

func NewBufferedWriter(base Writer, opts BufferedOptions) *BufferedWriter {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 1
	}
	return &BufferedWriter{
		base:          base,
		batchSize:     batch,
		flushInterval: opts.FlushInterval,
	}
}

func (b *BufferedWriter) Write(msg core.ChatMessage, trace *ingesttrace.EventTrace) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrWriterClosed
	}
	pendingErr := b.takeErrLocked()
	b.pending = append(b.pending, pendingEntry{msg: msg, trace: trace})
	if len(b.pending) == 1 {
		b.startTimerLocked()
	}
	if len(b.pending) < b.batchSize {
		b.mu.Unlock()
		return pendingErr
	}
	batch := b.drainLocked()
	b.mu.Unlock()

	if err := b.writeAll(batch); err != nil {
		return err
	}
	return pendingErr
}

// Flush writes everything pending now.
func (b *BufferedWriter) Flush() error {
	b.mu.Lock()
	pendingErr := b.takeErrLocked()
	batch := b.drainLocked()
	b.mu.Unlock()

	if err := b.writeAll(batch); err != nil {
		return err
	}
	return pendingErr
}

// Pending reports how many messages wait for the next flush.
func (b *BufferedWriter) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *BufferedWriter) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	pendingErr := b.takeErrLocked()
	batch := b.drainLocked()
	b.mu.Unlock()

	if err := b.writeAll(batch); err != nil {
		return err
	}
	return pendingErr
}

func (b *BufferedWriter) onTimer() {
	b.mu.Lock()
	b.timer = nil
	if b.closed || len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.drainLocked()
	b.mu.Unlock()

	if err := b.writeAll(batch); err != nil {
		b.mu.Lock()
		b.lastErr = err
		b.mu.Unlock()
	}
}

func (b *BufferedWriter) drainLocked() []pendingEntry {
	b.stopTimerLocked()
	if len(b.pending) == 0 {
		return nil
	}
	batch := b.pending
	b.pending = nil
	return batch
}

func (b *BufferedWriter) takeErrLocked() error {
	err := b.lastErr
	b.lastErr = nil
	return err
}

func (b *BufferedWriter) startTimerLocked() {
	if b.flushInterval <= 0 {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.flushInterval, b.onTimer)
}

func (b *BufferedWriter) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// writeAll attempts every entry so one bad row does not discard the rest of
// the batch. It returns the first error seen.
func (b *BufferedWriter) writeAll(batch []pendingEntry) error {
	var (
		first  error
		failed int
	)
	for _, entry := range batch {
		if err := b.base.Write(entry.msg, entry.trace); err != nil {
			failed++
			if first == nil {
				first = err
			}
		}
	}
	if first != nil {
		return errors.Wrapf(first, "archive batch: %d of %d writes failed", failed, len(batch))
	}
	return nil
}
