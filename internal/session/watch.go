package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 250 * time.Millisecond

// WatchLiveIDFile reconnects whenever the configured live-id file changes.
// An emptied file disconnects. The watch ends when ctx is cancelled.
func (m *Manager) WatchLiveIDFile(ctx context.Context) error {
	if m.liveIDFile == "" {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(m.liveIDFile); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case <-ctx.Done():
				debounce.Stop()
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := w.Add(ev.Name); err != nil {
						slog.Error("session: watch re-add", "path", ev.Name, "err", err)
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(watchDebounce)
				}
			case <-debounce.C:
				m.applyLiveIDFile(ctx)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Error("session: watch error", "err", err)
			}
		}
	}()
	return nil
}

func (m *Manager) applyLiveIDFile(ctx context.Context) {
	input, err := readLiveIDFile(m.liveIDFile)
	if err != nil {
		slog.Error("session: live id reload failed", "err", err)
		return
	}

	m.mu.RLock()
	current, connected := m.input, m.connected
	m.mu.RUnlock()

	switch {
	case input == "":
		if connected {
			if err := m.Disconnect(); err != nil {
				slog.Error("session: disconnect after live id cleared", "err", err)
			}
		}
	case input == current && connected:
	default:
		if _, err := m.Connect(ctx, input); err != nil {
			slog.Error("session: live id reload failed", "input", input, "err", err)
		}
	}
}
