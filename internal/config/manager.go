package config

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// reloadDebounce coalesces the burst of fsnotify events an editor save
// produces into one rebuild.
const reloadDebounce = 250 * time.Millisecond

// snapshotHistorySize bounds the rollback history.
const snapshotHistorySize = 8

// Manager owns the live configuration snapshot. Readers call Current and
// get a consistent snapshot for one pipeline traversal; writers rebuild
// off-thread and publish with a single atomic swap.
type Manager struct {
	dir     string
	current atomic.Pointer[Snapshot]
	logger  *zap.Logger

	mu      sync.Mutex
	history []*Snapshot

	subscribers []chan *Snapshot
}

// NewManager loads the config directory once and returns a manager
// holding the first snapshot. A load or validation failure here is fatal
// since no previous snapshot exists to fall back to.
func NewManager(dir string, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		dir:    dir,
		logger: logger.Named("config"),
	}

	snap, err := m.rebuild()
	if err != nil {
		return nil, err
	}

	m.publish(snap)

	return m, nil
}

// Current returns the live snapshot. The pointer is immutable; callers
// hold it for the duration of one traversal and drop it.
func (m *Manager) Current() *Snapshot {
	return m.current.Load()
}

// Subscribe returns a channel that receives each newly published
// snapshot. Slow subscribers miss intermediate snapshots rather than
// blocking the publisher.
func (m *Manager) Subscribe() <-chan *Snapshot {
	ch := make(chan *Snapshot, 1)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.subscribers = append(m.subscribers, ch)

	return ch
}

// Watch blocks watching the config directory until ctx is canceled.
// Change bursts are debounced; rebuild failures keep the previous
// snapshot live.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(m.dir); err != nil {
		return fmt.Errorf("watching config dir %s: %w", m.dir, err)
	}

	m.logger.Info("Watching config directory", zap.String("dir", m.dir))

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				timerCh = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}

				timer.Reset(reloadDebounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			m.logger.Warn("Config watcher error", zap.Error(err))

		case <-timerCh:
			timer = nil
			timerCh = nil

			m.Reload()
		}
	}
}

// Reload rebuilds a snapshot from disk and publishes it if valid. On
// failure the previous snapshot stays live and the error is returned for
// logging by callers that reload on demand.
func (m *Manager) Reload() error {
	snap, err := m.rebuild()
	if err != nil {
		m.logger.Error("Config reload rejected, keeping previous snapshot", zap.Error(err))
		return err
	}

	m.publish(snap)

	m.logger.Info("Config reloaded",
		zap.String("snapshotID", snap.ID),
		zap.Int("filters", len(snap.Filters)),
		zap.Int("timers", len(snap.Timers)))

	return nil
}

// Rollback republishes the snapshot preceding the current one. It
// reports whether a previous snapshot existed.
func (m *Manager) Rollback() bool {
	m.mu.Lock()

	if len(m.history) < 2 {
		m.mu.Unlock()
		return false
	}

	// history is newest-last; drop the current entry and revive the one
	// before it.
	m.history = m.history[:len(m.history)-1]
	snap := m.history[len(m.history)-1]

	m.current.Store(snap)
	subscribers := append([]chan *Snapshot(nil), m.subscribers...)
	m.mu.Unlock()

	m.notify(subscribers, snap)

	m.logger.Warn("Config rolled back", zap.String("snapshotID", snap.ID))

	return true
}

// History returns the retained snapshots, oldest first.
func (m *Manager) History() []*Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]*Snapshot(nil), m.history...)
}

func (m *Manager) rebuild() (*Snapshot, error) {
	files, err := Load(m.dir)
	if err != nil {
		return nil, err
	}

	return BuildSnapshot(files, time.Now())
}

func (m *Manager) publish(snap *Snapshot) {
	m.mu.Lock()

	m.current.Store(snap)

	m.history = append(m.history, snap)
	if len(m.history) > snapshotHistorySize {
		m.history = m.history[len(m.history)-snapshotHistorySize:]
	}

	subscribers := append([]chan *Snapshot(nil), m.subscribers...)
	m.mu.Unlock()

	m.notify(subscribers, snap)
}

func (m *Manager) notify(subscribers []chan *Snapshot, snap *Snapshot) {
	for _, ch := range subscribers {
		select {
		case ch <- snap:
		default:
			// Replace the stale pending snapshot so the subscriber
			// always sees the newest one next.
			select {
			case <-ch:
			default:
			}

			select {
			case ch <- snap:
			default:
			}
		}
	}
}
