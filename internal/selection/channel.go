package selection

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/you/chat-director/internal/core"
)

// ErrNotFound is returned by Select when the id is not in the buffer.
var ErrNotFound = errors.New("message not found")

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("selection channel closed")

const subscriberBuffer = 8

// Finder looks messages up by id. *retention.Buffer satisfies it.
type Finder interface {
	Find(id string) (core.ChatMessage, bool)
}

// Update is one selection state as delivered to subscribers. A nil Message
// means nothing is selected.
type Update struct {
	Message *core.ChatMessage `json:"message"`
}

// Channel holds the currently selected message and fans changes out to
// subscribers. Delivery never blocks the caller: when a subscriber falls
// behind, its oldest pending update is discarded.
type Channel struct {
	finder Finder

	mu      sync.Mutex
	current *core.ChatMessage
	subs    map[chan Update]struct{}
	closed  bool

	dropped atomic.Uint64
	changes atomic.Uint64
}

// New returns an empty Channel resolving ids through finder.
func New(finder Finder) *Channel {
	return &Channel{
		finder: finder,
		subs:   make(map[chan Update]struct{}),
	}
}

// Select makes the buffered message with the given id current. The lookup
// happens under the channel lock, so a Select racing a buffer reset followed
// by Clear either lands before the Clear or fails with ErrNotFound.
func (c *Channel) Select(id string) error {
	if c.finder == nil {
		return ErrNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	msg, ok := c.finder.Find(id)
	if !ok {
		return ErrNotFound
	}
	msg = msg.WithAuthorChannelURL()
	c.publishLocked(&msg)
	return nil
}

// Set makes msg current without a buffer lookup.
func (c *Channel) Set(msg core.ChatMessage) {
	msg = msg.WithAuthorChannelURL()
	c.publish(&msg)
}

// Clear empties the selection. Clearing an empty selection still notifies.
func (c *Channel) Clear() {
	c.publish(nil)
}

// Current returns the selected message, if any.
func (c *Channel) Current() (core.ChatMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return core.ChatMessage{}, false
	}
	return *c.current, true
}

// Subscribe registers a subscriber. The current state is queued before
// Subscribe returns, so it is always the first update received. cancel must
// be called when the subscriber goes away; it is safe to call twice.
func (c *Channel) Subscribe() (<-chan Update, func(), error) {
	ch := make(chan Update, subscriberBuffer)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, func() {}, ErrClosed
	}
	ch <- Update{Message: copyOf(c.current)}
	c.subs[ch] = struct{}{}
	c.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			if _, ok := c.subs[ch]; ok {
				delete(c.subs, ch)
				close(ch)
			}
			c.mu.Unlock()
		})
	}
	return ch, cancel, nil
}

// Subscribers reports the number of attached subscribers.
func (c *Channel) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Dropped reports how many updates were discarded for slow subscribers.
func (c *Channel) Dropped() uint64 {
	return c.dropped.Load()
}

// Changes reports how many state transitions have been published.
func (c *Channel) Changes() uint64 {
	return c.changes.Load()
}

// Close detaches and closes every subscriber. Later Subscribe calls fail.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for ch := range c.subs {
		close(ch)
	}
	c.subs = make(map[chan Update]struct{})
}

func (c *Channel) publish(msg *core.ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishLocked(msg)
}

// publishLocked must be called with c.mu held.
func (c *Channel) publishLocked(msg *core.ChatMessage) {
	c.current = msg
	c.changes.Add(1)
	for ch := range c.subs {
		c.deliver(ch, Update{Message: copyOf(msg)})
	}
}

// deliver must be called with c.mu held.
func (c *Channel) deliver(ch chan Update, u Update) {
	select {
	case ch <- u:
		return
	default:
	}
	select {
	case <-ch:
		c.dropped.Add(1)
	default:
	}
	select {
	case ch <- u:
	default:
		c.dropped.Add(1)
	}
}

func copyOf(msg *core.ChatMessage) *core.ChatMessage {
	if msg == nil {
		return nil
	}
	dup := *msg
	return &dup
}
