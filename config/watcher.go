package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DynamicSettings is the subset of configuration that may change at runtime
// without reconnecting: cache enablement and default TTL.
type DynamicSettings struct {
	Cache Cache
}

// Watcher reloads dynamic settings when the configuration file changes.
// Reload failures keep the previous snapshot; they never take the layer down.
type Watcher struct {
	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	mu       sync.RWMutex
	current  DynamicSettings
	onChange func(DynamicSettings)

	done      chan struct{}
	closeOnce sync.Once
}

// NewWatcher starts watching path. onChange may be nil.
func NewWatcher(path string, initial DynamicSettings, onChange func(DynamicSettings), logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		logger:   logger.Named("config_watcher"),
		watcher:  fw,
		current:  initial,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Current returns the latest dynamic settings snapshot.
func (w *Watcher) Current() DynamicSettings {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops the watcher. Safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("dynamic config reload failed, keeping previous settings",
			zap.String("path", w.path),
			zap.Error(err),
		)
		return
	}

	settings := DynamicSettings{Cache: cfg.Cache}

	w.mu.Lock()
	w.current = settings
	cb := w.onChange
	w.mu.Unlock()

	w.logger.Info("dynamic config reloaded",
		zap.Bool("cache_enabled", settings.Cache.Enabled),
		zap.Duration("cache_ttl", settings.Cache.DefaultTTL),
	)
	if cb != nil {
		cb(settings)
	}
}
