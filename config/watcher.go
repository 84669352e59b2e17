package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultReloadDelay coalesces the bursts of events editors produce on save
const DefaultReloadDelay = 100 * time.Millisecond

// Watcher reloads the configuration file when it changes and hands every
// valid result to its callbacks. Invalid files are logged and ignored.
type Watcher struct {
	loader    *Loader
	watcher   *fsnotify.Watcher
	target    string
	delay     time.Duration
	logger    zerolog.Logger
	mu        sync.RWMutex
	callbacks []func(Config)
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the logger for the watcher.
func WithWatcherLogger(logger zerolog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithReloadDelay sets how long to wait for more events before reloading
func WithReloadDelay(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.delay = d
	}
}

// NewWatcher watches the loader's configuration file
func NewWatcher(loader *Loader, opts ...WatcherOption) (*Watcher, error) {
	if loader.FilePath() == "" {
		return nil, errors.New("config: watcher needs a config file")
	}
	target, err := filepath.Abs(loader.FilePath())
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", loader.FilePath(), err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		loader:  loader,
		watcher: fw,
		target:  target,
		delay:   DefaultReloadDelay,
		logger:  zerolog.Nop(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// OnChange registers a callback for reloaded configurations
func (w *Watcher) OnChange(cb func(Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start watches the file's directory, which also catches editors that
// replace the file by renaming.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.target)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.logger.Debug().Str("path", dir).Str("file", filepath.Base(w.target)).Msg("watching directory for changes")

	w.wg.Add(1)
	go w.run()
	return nil
}

func (w *Watcher) run() {
	defer w.wg.Done()

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("configuration file changed")
				timer.Reset(w.delay)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("configuration watcher error")
		case <-timer.C:
			w.reload()
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		w.logger.Error().Err(err).Msg("configuration reload failed, keeping previous values")
		return
	}
	w.logger.Info().Str("file", w.target).Msg("configuration reloaded")

	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, cb := range w.callbacks {
		cb(cfg)
	}
}

// Stop stops the watcher and waits for a running reload to finish
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}
