package config

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches both the main configuration file and the users file for
// changes and drives Store.Reload on write/create events to either, debounced
// so a burst of writes from an editor or deploy tool triggers one reload
// rather than several.
type Watcher struct {
	mainPath  string
	usersPath string
	store     *Store
	logger    *slog.Logger
	watcher   *fsnotify.Watcher
	mu        sync.Mutex
	stopCh    chan struct{}

	onReload func(*TransferResult)
}

// NewWatcher creates a watcher for mainPath and usersPath that applies
// reloads to store. onReload, if non-nil, is invoked after every successful
// reload attempt (including ones where RestartRequired is true and nothing
// was applied).
func NewWatcher(mainPath, usersPath string, store *Store, logger *slog.Logger, onReload func(*TransferResult)) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(mainPath); err != nil {
		w.Close()
		return nil, err
	}
	if usersPath != "" && usersPath != mainPath {
		if err := w.Add(usersPath); err != nil {
			w.Close()
			return nil, err
		}
	}

	cw := &Watcher{
		mainPath:  mainPath,
		usersPath: usersPath,
		store:     store,
		logger:    logger,
		watcher:   w,
		stopCh:    make(chan struct{}),
		onReload:  onReload,
	}
	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Error("config watcher error", "err", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	result, err := cw.store.Reload(cw.mainPath)
	if err != nil {
		cw.logger.Error("config hot-reload failed", "path", cw.mainPath, "err", err)
		return
	}

	if result.RestartRequired {
		cw.logger.Warn("config reload requires a process restart, live configuration unchanged",
			"path", cw.mainPath, "changes", result.Summary())
	} else {
		cw.logger.Info("config reloaded", "path", cw.mainPath, "changes", result.Summary())
	}
	for _, c := range result.HotChanges {
		cw.logger.Info("config field changed", "field", c.Field, "old", c.Old, "new", c.New)
	}
	for _, c := range result.LogRestartChanges {
		cw.logger.Info("config field changed", "field", c.Field, "old", c.Old, "new", c.New)
	}
	for _, c := range result.RestartChanges {
		cw.logger.Info("config field changed (restart required)", "field", c.Field, "old", c.Old, "new", c.New)
	}

	if cw.onReload != nil {
		cw.onReload(result)
	}
}

// ReloadNow runs the identical reload path a debounced filesystem event
// would, for SIGHUP-triggered reloads.
func (cw *Watcher) ReloadNow() {
	cw.reload()
}

// Stop stops the watcher and releases the underlying fsnotify handle.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
