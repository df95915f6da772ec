package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher signals edits to config.yaml and the permissions file. It
// watches the home directory rather than the files so editors that replace
// files by rename are still seen.
type Watcher struct {
	homeDir  string
	names    map[string]bool
	logger   *slog.Logger
	events   chan ReloadEvent
	debounce time.Duration
}

// NewWatcher watches config.yaml plus any extra file names in homeDir.
func NewWatcher(homeDir string, logger *slog.Logger, extra ...string) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	names := map[string]bool{"config.yaml": true}
	for _, n := range extra {
		if n != "" {
			names[filepath.Base(n)] = true
		}
	}
	return &Watcher{
		homeDir:  homeDir,
		names:    names,
		logger:   logger,
		events:   make(chan ReloadEvent, 16),
		debounce: 100 * time.Millisecond,
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start begins watching until ctx is done. Bursts of writes to the same
// file within the debounce window produce one event.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		last := make(map[string]time.Time)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || !w.names[filepath.Base(ev.Name)] {
					continue
				}
				now := time.Now()
				if now.Sub(last[ev.Name]) < w.debounce {
					continue
				}
				last[ev.Name] = now
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Reload re-reads config.yaml on every watcher event and hands valid
// configs to apply. Invalid edits are logged and skipped. It returns when
// the watcher stops.
func (w *Watcher) Reload(apply func(Config)) {
	path := ConfigPath(w.homeDir)
	for ev := range w.events {
		cfg, err := LoadFile(path)
		if err != nil {
			w.logger.Warn("config reload rejected", "path", ev.Path, "error", err)
			continue
		}
		w.logger.Info("config reloaded", "fingerprint", cfg.Fingerprint())
		apply(cfg)
	}
}
