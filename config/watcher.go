package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zhubert/veil-core/logger"
)

// reloadSettleDelay gives editors and atomic-rename saves time to finish
// writing before the file is re-read.
const reloadSettleDelay = 100 * time.Millisecond

// Watcher reloads servers.yaml when it changes on disk and hands the new
// config to a callback. The session layer uses this to invalidate cached
// transport clients for servers whose endpoint changed.
type Watcher struct {
	path     string
	onChange func(*Config)
	watcher  *fsnotify.Watcher
	stop     chan struct{}
	done     chan struct{}
}

// Watch starts watching path. onChange is called with each successfully
// reloaded config; parse failures are logged and skipped, keeping the last
// good config in effect.
func Watch(path string, onChange func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory, not the file: editors and atomic saves replace
	// the file, which would silently drop a file-level watch.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		onChange: onChange,
		watcher:  fsw,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.done)
	defer w.watcher.Close()

	log := logger.WithComponent("config")
	var lastMod time.Time

	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			stat, err := os.Stat(w.path)
			if err != nil {
				continue
			}
			if !stat.ModTime().After(lastMod) {
				continue
			}
			lastMod = stat.ModTime()

			time.Sleep(reloadSettleDelay)

			cfg, err := Load(w.path)
			if err != nil {
				log.Warn("config reload failed, keeping previous config", "error", err)
				continue
			}
			log.Info("config reloaded", "servers", len(cfg.Servers))
			w.onChange(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("config watcher error", "error", err)
		}
	}
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() {
	close(w.stop)
	<-w.done
}
