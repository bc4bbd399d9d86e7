// Package watcher reloads the gateway when its config or accounts files
// change on disk. Files are watched through their parent directories so
// editor-style replace-by-rename updates are seen.
package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// debounceWindow coalesces the event bursts most editors and atomic renames
// produce into one reload.
const debounceWindow = 500 * time.Millisecond

// Watcher invokes callbacks when the watched files change.
type Watcher struct {
	configPath   string
	accountsPath string

	onConfigChange   func()
	onAccountsChange func()

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New builds a watcher over the two gateway files. Either callback may be nil.
func New(configPath string, accountsPath string, onConfigChange func(), onAccountsChange func()) *Watcher {
	return &Watcher{
		configPath:       filepath.Clean(configPath),
		accountsPath:     filepath.Clean(accountsPath),
		onConfigChange:   onConfigChange,
		onAccountsChange: onAccountsChange,
		timers:           make(map[string]*time.Timer),
	}
}

// Start begins watching until the context is canceled.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dirs := map[string]bool{}
	for _, p := range []string{w.configPath, w.accountsPath} {
		dirs[filepath.Dir(p)] = true
	}
	for dir := range dirs {
		if errAdd := fw.Add(dir); errAdd != nil {
			_ = fw.Close()
			return errAdd
		}
	}

	go func() {
		defer func() { _ = fw.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-fw.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.dispatch(filepath.Clean(event.Name))
			case errWatch, ok := <-fw.Errors:
				if !ok {
					return
				}
				log.Errorf("file watcher error: %v", errWatch)
			}
		}
	}()
	log.Debugf("watching %s and %s for changes", w.configPath, w.accountsPath)
	return nil
}

// dispatch schedules the callback for a changed path, debounced per path.
func (w *Watcher) dispatch(path string) {
	var fn func()
	switch path {
	case w.configPath:
		fn = w.onConfigChange
	case w.accountsPath:
		fn = w.onAccountsChange
	}
	if fn == nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.timers[path]; ok {
		timer.Stop()
	}
	w.timers[path] = time.AfterFunc(debounceWindow, func() {
		log.Infof("detected change in %s, reloading", path)
		fn()
	})
}
