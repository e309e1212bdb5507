package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReloadHandler receives the freshly loaded config after a file change.
type ReloadHandler func(cfg *Config)

// Watcher hot-reloads the config file and notifies handlers. Only the
// engine tunables are expected to take effect at runtime; components
// reading other sections at startup ignore later changes.
type Watcher struct {
	path     string
	logger   *zap.Logger
	handlers []ReloadHandler

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWatcher builds a watcher over the active config path.
func NewWatcher(logger *zap.Logger, handlers ...ReloadHandler) *Watcher {
	return &Watcher{
		path:     Path(),
		logger:   logger,
		handlers: handlers,
		stopCh:   make(chan struct{}),
	}
}

// Start begins watching the config file's directory. Watching the directory
// instead of the file survives editors that replace the file on save.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return err
	}
	w.mu.Lock()
	w.watcher = fw
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer fw.Close()

		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				// Editors fire bursts of events per save.
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(250*time.Millisecond, w.reload)
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("Config watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

func (w *Watcher) reload() {
	cfg, err := loadFrom(w.path)
	if err != nil {
		w.logger.Warn("Config reload failed, keeping previous settings", zap.Error(err))
		return
	}
	w.logger.Info("Config reloaded", zap.String("path", w.path))
	for _, h := range w.handlers {
		h(cfg)
	}
}

// Stop halts the watch loop.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}
