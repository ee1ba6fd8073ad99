package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent names a watched file that changed.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher notifies on changes to the relay's on-disk data files
// (channel_lists.json, channel_assignment.json), so an admin editing them
// by hand is picked up without a restart.
type Watcher struct {
	dataDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(dataDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dataDir: dataDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	files := []string{
		filepath.Join(w.dataDir, "channel_lists.json"),
		filepath.Join(w.dataDir, "channel_assignment.json"),
	}
	for _, file := range files {
		_ = fsw.Add(file)
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("data file changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("watcher error", "error", err)
			}
		}
	}()
	return nil
}
