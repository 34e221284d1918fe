package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Limits are the engine knobs that may change at runtime without a restart.
type Limits struct {
	MultiInstanceLimit int
	LoopMaximum        int
}

// Watcher hot-reloads the tunable engine limits when the config file
// changes on disk.
type Watcher struct {
	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	stopCh  chan struct{}

	mu     sync.RWMutex
	limits Limits
}

// NewWatcher starts watching path. The initial limits come from cfg.
func NewWatcher(path string, cfg *Config, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:    path,
		logger:  logger,
		watcher: fw,
		stopCh:  make(chan struct{}),
		limits: Limits{
			MultiInstanceLimit: cfg.Engine.MultiInstanceLimit,
			LoopMaximum:        cfg.Engine.LoopMaximum,
		},
	}
	if path != "" {
		if err := fw.Add(path); err != nil {
			fw.Close()
			return nil, err
		}
		go w.loop()
	}
	return w, nil
}

// Limits returns the current limits snapshot.
func (w *Watcher) Limits() Limits {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.limits
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Warn("config reload failed, keeping previous limits",
					zap.String("path", w.path), zap.Error(err))
				continue
			}
			w.mu.Lock()
			w.limits = Limits{
				MultiInstanceLimit: cfg.Engine.MultiInstanceLimit,
				LoopMaximum:        cfg.Engine.LoopMaximum,
			}
			w.mu.Unlock()
			w.logger.Info("engine limits reloaded",
				zap.Int("multi_instance_limit", cfg.Engine.MultiInstanceLimit),
				zap.Int("loop_maximum", cfg.Engine.LoopMaximum))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}
