package session

import (
	"context"
	"fmt"
	"time"

	"github.com/you/chat-director/internal/normalize"
)

const (
	defaultMockInterval = 2 * time.Second
	mockSelectEvery     = 5
	mockSource          = "mock"
)

var mockAuthors = []string{"Ada", "Linus", "Grace", "Marge"}

// runMock feeds one synthetic text message per tick through the regular
// ingest path. Every fifth message is pushed to the selection channel so
// overlays have something to render.
func (m *Manager) runMock(ctx context.Context, sessionID string, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.mockInterval)
	defer ticker.Stop()

	counter := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := m.ingest(mockEvent(m.now(), counter), mockSource, sessionID)
			if res.Message != nil && counter%mockSelectEvery == 0 {
				m.selection.Set(*res.Message)
			}
			counter++
		}
	}
}

func mockEvent(now time.Time, counter int) normalize.RawEvent {
	slot := counter % len(mockAuthors)
	author := mockAuthors[slot]
	return normalize.RawEvent{
		Type: "LiveChatTextMessage",
		Fields: map[string]any{
			"id":        fmt.Sprintf("mock-%d", now.UnixMilli()),
			"timestamp": now.UnixMilli(),
			"author": map[string]any{
				"name": author,
				"id":   fmt.Sprintf("mock-channel-%d", slot),
				"thumbnails": []any{
					map[string]any{"url": "https://api.dicebear.com/7.x/thumbs/svg?seed=" + author},
				},
			},
			"message": fmt.Sprintf("Mock message #%d", counter),
		},
	}
}
