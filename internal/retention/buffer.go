package retention

import (
	"sync"

	"github.com/you/chat-director/internal/core"
)

// DefaultMaxRegular bounds regular chat lines when no limit is configured.
const DefaultMaxRegular = 200

// Counts summarizes buffer contents.
type Counts struct {
	Total   int `json:"total"`
	Regular int `json:"regular"`
	Special int `json:"special"`
}

// Buffer holds the ordered message history for one session, oldest first.
// Regular messages are capped at maxRegular; special messages (paid or
// membership related) are only removed by Reset.
type Buffer struct {
	mu         sync.RWMutex
	maxRegular int
	items      []core.ChatMessage
	regular    int
}

// New returns an empty buffer. A non-positive maxRegular uses DefaultMaxRegular.
func New(maxRegular int) *Buffer {
	if maxRegular <= 0 {
		maxRegular = DefaultMaxRegular
	}
	return &Buffer{maxRegular: maxRegular}
}

// MaxRegular reports the configured regular-message cap.
func (b *Buffer) MaxRegular() int {
	return b.maxRegular
}

// Append adds msg at the tail and then evicts. It reports how many regular
// messages were evicted.
func (b *Buffer) Append(msg core.ChatMessage) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, msg)
	if !msg.IsSpecial() {
		b.regular++
	}
	return b.evictLocked()
}

// Evict enforces the regular cap. Append already calls it; it is exported for
// callers that change contents in bulk.
func (b *Buffer) Evict() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evictLocked()
}

// evictLocked drops the oldest regular messages until at most maxRegular
// remain, keeping every special message and the relative order of survivors.
func (b *Buffer) evictLocked() int {
	excess := b.regular - b.maxRegular
	if excess <= 0 {
		return 0
	}
	kept := b.items[:0]
	removed := 0
	for _, msg := range b.items {
		if removed < excess && !msg.IsSpecial() {
			removed++
			continue
		}
		kept = append(kept, msg)
	}
	// Clear the tail so evicted messages can be collected.
	for i := len(kept); i < len(b.items); i++ {
		b.items[i] = core.ChatMessage{}
	}
	b.items = kept
	b.regular -= removed
	return removed
}

// Reset drops everything, special messages included.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.items = nil
	b.regular = 0
	b.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the contents, oldest first. The
// lock is held only for the copy.
func (b *Buffer) Snapshot() []core.ChatMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]core.ChatMessage, len(b.items))
	copy(out, b.items)
	return out
}

// Find looks a message up by id.
func (b *Buffer) Find(id string) (core.ChatMessage, bool) {
	if id == "" {
		return core.ChatMessage{}, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for i := len(b.items) - 1; i >= 0; i-- {
		if b.items[i].ID == id {
			return b.items[i], true
		}
	}
	return core.ChatMessage{}, false
}

// Len reports the number of buffered messages.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items)
}

// Counts reports totals split by eviction class.
func (b *Buffer) Counts() Counts {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Counts{
		Total:   len(b.items),
		Regular: b.regular,
		Special: len(b.items) - b.regular,
	}
}
