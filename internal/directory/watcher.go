package directory

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/kursadbilgin/notify-router/internal/registry"
	"go.uber.org/zap"
)

const (
	defaultDebounce    = 250 * time.Millisecond
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// Watcher reloads the provider directory when its file changes and publishes
// valid snapshots to the registry. Invalid documents are logged and ignored;
// the previous snapshot stays in effect.
type Watcher struct {
	path     string
	registry *registry.Registry
	logger   *zap.Logger
	debounce time.Duration

	mu       sync.Mutex
	lastHash uint64
}

func NewWatcher(path string, reg *registry.Registry, logger *zap.Logger) (*Watcher, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("provider directory path is required")
	}
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		path:     path,
		registry: reg,
		logger:   logger,
		debounce: defaultDebounce,
	}, nil
}

// Load reads the file once and publishes it. It is used at startup, where an
// invalid directory is fatal.
func (w *Watcher) Load() error {
	snap, hash, err := LoadFile(w.path)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.lastHash = hash
	w.mu.Unlock()

	w.registry.Swap(snap)
	w.logger.Info("provider directory loaded",
		zap.String("path", w.path),
		zap.Int("providers", len(snap.Providers())),
		zap.Uint64("version", snap.Version()),
	)
	return nil
}

// Reload re-reads the file and publishes it when the content changed. It
// reports whether a new snapshot was published.
func (w *Watcher) Reload() (bool, error) {
	snap, hash, err := LoadFile(w.path)
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	unchanged := hash == w.lastHash
	if !unchanged {
		w.lastHash = hash
	}
	w.mu.Unlock()
	if unchanged {
		return false, nil
	}

	w.registry.Swap(snap)
	return true, nil
}

// Watch blocks until ctx is cancelled, reloading on file events.
func (w *Watcher) Watch(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	file := filepath.Base(w.path)

	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			if ctx.Err() != nil {
				return
			}
			published, err := w.Reload()
			if err != nil {
				w.logger.Warn("provider directory rejected", zap.String("path", w.path), zap.Error(err))
				return
			}
			if !published {
				w.logger.Debug("provider directory unchanged", zap.String("path", w.path))
				return
			}
			w.logger.Info("provider directory reloaded",
				zap.String("path", w.path),
				zap.Uint64("version", w.registry.Snapshot().Version()),
			)
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		fw, err := fsnotify.NewWatcher()
		if err == nil {
			if err = fw.Add(dir); err != nil {
				_ = fw.Close()
			}
		}
		if err != nil {
			w.logger.Warn("provider directory watch failed", zap.String("dir", dir), zap.Error(err))
			wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
			backoff = min(backoff*2, restartBackoffMax)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
				continue
			}
		}

		backoff = restartBackoffBase
		w.logger.Debug("provider directory watcher started", zap.String("dir", dir), zap.String("file", file))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = fw.Close()
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					broken = true
					break
				}
				if filepath.Base(ev.Name) != file {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					schedule()
				}
			case err, ok := <-fw.Errors:
				if !ok {
					broken = true
					break
				}
				w.logger.Warn("provider directory watcher error", zap.Error(err))
			}
		}
		_ = fw.Close()
	}
}
